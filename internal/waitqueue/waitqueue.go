// Package waitqueue is the ordered holding area for conversations awaiting
// assignment, backed by a Redis sorted set scored by enqueue time.
package waitqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "chatroute:conversation:queue"

type Queue struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue inserts with score = enqueue time. Re-enqueuing an already-queued
// conversation keeps the original score, so it is a no-op.
func (q *Queue) Enqueue(ctx context.Context, conversationID string, at time.Time) error {
	err := q.rdb.ZAddNX(ctx, queueKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: conversationID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue conversation: %w", err)
	}
	return nil
}

// DequeueOldest atomically removes and returns the lowest-score member.
func (q *Queue) DequeueOldest(ctx context.Context) (string, bool, error) {
	members, err := q.rdb.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("dequeue conversation: %w", err)
	}
	if len(members) == 0 {
		return "", false, nil
	}
	id, _ := members[0].Member.(string)
	return id, true, nil
}

func (q *Queue) Remove(ctx context.Context, conversationID string) error {
	if err := q.rdb.ZRem(ctx, queueKey, conversationID).Err(); err != nil {
		return fmt.Errorf("remove queued conversation: %w", err)
	}
	return nil
}

// Position returns the 1-based rank, or false when the conversation is not
// queued.
func (q *Queue) Position(ctx context.Context, conversationID string) (int64, bool, error) {
	rank, err := q.rdb.ZRank(ctx, queueKey, conversationID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue position: %w", err)
	}
	return rank + 1, true, nil
}

func (q *Queue) Size(ctx context.Context) (int64, error) {
	size, err := q.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return size, nil
}
