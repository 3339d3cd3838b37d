// Package capacity holds each operator's live status and concurrency count
// in Redis. The counter is the one piece of truly shared mutable state in
// the system; it is only ever moved with atomic increments issued alongside
// the matching conversation state write.
package capacity

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"chatroute/internal/model"
)

const (
	statusKey         = "chatroute:operator:status"
	concurrencyPrefix = "chatroute:operator:concurrency:"
)

// RecountFunc returns the durable count of in-progress conversations for an
// operator. It is consulted when the operator transitions to ready so the
// live counter survives a Redis restart.
type RecountFunc func(ctx context.Context, operatorID string) (int64, error)

type Store struct {
	rdb     redis.UniversalClient
	recount RecountFunc
}

func New(rdb redis.UniversalClient, recount RecountFunc) *Store {
	return &Store{rdb: rdb, recount: recount}
}

func (s *Store) Status(ctx context.Context, operatorID string) (model.OperatorStatus, error) {
	val, err := s.rdb.HGet(ctx, statusKey, operatorID).Result()
	if err == redis.Nil {
		return model.OperatorStatusAway, nil
	}
	if err != nil {
		return "", fmt.Errorf("get operator status: %w", err)
	}
	return model.OperatorStatus(val), nil
}

func (s *Store) SetStatus(ctx context.Context, operatorID string, status model.OperatorStatus) error {
	if status == model.OperatorStatusReady && s.recount != nil {
		count, err := s.recount(ctx, operatorID)
		if err != nil {
			return fmt.Errorf("recount operator load: %w", err)
		}
		if err := s.rdb.Set(ctx, concurrencyPrefix+operatorID, count, 0).Err(); err != nil {
			return fmt.Errorf("reset operator concurrency: %w", err)
		}
	}
	if err := s.rdb.HSet(ctx, statusKey, operatorID, string(status)).Err(); err != nil {
		return fmt.Errorf("set operator status: %w", err)
	}
	return nil
}

func (s *Store) IncrConcurrency(ctx context.Context, operatorID string, delta int64) (int64, error) {
	count, err := s.rdb.IncrBy(ctx, concurrencyPrefix+operatorID, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("adjust operator concurrency: %w", err)
	}
	return count, nil
}

func (s *Store) Concurrency(ctx context.Context, operatorID string) (int64, error) {
	val, err := s.rdb.Get(ctx, concurrencyPrefix+operatorID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get operator concurrency: %w", err)
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse operator concurrency: %w", err)
	}
	return count, nil
}

func (s *Store) ReadyOperators(ctx context.Context) ([]string, error) {
	all, err := s.rdb.HGetAll(ctx, statusKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list operator statuses: %w", err)
	}
	var ready []string
	for operatorID, status := range all {
		if model.OperatorStatus(status) == model.OperatorStatusReady {
			ready = append(ready, operatorID)
		}
	}
	return ready, nil
}
