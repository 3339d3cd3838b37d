package botflow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v4"

	"chatroute/internal/model"
)

const contextPrefix = "chatroute:botflow:context:"

// ContextStore keeps per-conversation automation state in Redis. Entries
// expire on their own; a conversation that outlives the TTL simply restarts
// from the bot's initial question bases.
type ContextStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewContextStore(rdb redis.UniversalClient, ttl time.Duration) *ContextStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ContextStore{rdb: rdb, ttl: ttl}
}

func (c *ContextStore) Load(ctx context.Context, conversationID string) (model.BotContext, bool, error) {
	raw, err := c.rdb.Get(ctx, contextPrefix+conversationID).Bytes()
	if err == redis.Nil {
		return model.BotContext{}, false, nil
	}
	if err != nil {
		return model.BotContext{}, false, fmt.Errorf("load bot context: %w", err)
	}
	var bctx model.BotContext
	if err := msgpack.Unmarshal(raw, &bctx); err != nil {
		return model.BotContext{}, false, fmt.Errorf("decode bot context: %w", err)
	}
	return bctx, true, nil
}

func (c *ContextStore) Save(ctx context.Context, bctx model.BotContext) error {
	raw, err := msgpack.Marshal(bctx)
	if err != nil {
		return fmt.Errorf("encode bot context: %w", err)
	}
	if err := c.rdb.Set(ctx, contextPrefix+bctx.ConversationID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("save bot context: %w", err)
	}
	return nil
}

func (c *ContextStore) Delete(ctx context.Context, conversationID string) error {
	if err := c.rdb.Del(ctx, contextPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("delete bot context: %w", err)
	}
	return nil
}
