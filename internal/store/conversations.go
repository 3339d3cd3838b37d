package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"chatroute/internal/model"
)

func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return errors.Wrap(err, "create conversation")
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error
	if err != nil {
		return model.Conversation{}, notFoundOr(err, "get conversation")
	}
	return conv, nil
}

// UpdateConversationFields applies a partial update. Callers pair it with the
// matching capacity-counter mutation; the two are never issued independently.
func (s *Store) UpdateConversationFields(ctx context.Context, id string, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return errors.Wrap(result.Error, "update conversation")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListConversationsByStatus(ctx context.Context, status model.ConversationStatus) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at asc").
		Find(&convs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list conversations by status")
	}
	return convs, nil
}

// CountInProgressByOperator backs the capacity recount that runs when an
// operator transitions to ready.
func (s *Store) CountInProgressByOperator(ctx context.Context, operatorID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("status = ? AND operator_id = ?", model.ConversationStatusInProgress, operatorID).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "count in-progress conversations")
	}
	return count, nil
}

func (s *Store) ListInProgressUpdatedBefore(ctx context.Context, cutoff time.Time) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.ConversationStatusInProgress, cutoff).
		Find(&convs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list stale in-progress conversations")
	}
	return convs, nil
}
