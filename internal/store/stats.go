package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"

	"chatroute/internal/model"
)

// UpsertStats is keyed by conversation id so recomputation is idempotent.
func (s *Store) UpsertStats(ctx context.Context, stats model.ConversationStats) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		UpdateAll: true,
	}).Create(&stats).Error
	if err != nil {
		return errors.Wrap(err, "upsert conversation stats")
	}
	return nil
}

func (s *Store) GetStats(ctx context.Context, conversationID string) (model.ConversationStats, error) {
	var stats model.ConversationStats
	err := s.db.WithContext(ctx).First(&stats, "conversation_id = ?", conversationID).Error
	if err != nil {
		return model.ConversationStats{}, notFoundOr(err, "get conversation stats")
	}
	return stats, nil
}
