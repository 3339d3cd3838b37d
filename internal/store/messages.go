package store

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"chatroute/internal/model"
)

func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return errors.Wrap(err, "create message")
	}
	return nil
}

// ListRecentMessages returns up to limit of the newest messages for the
// conversation, in ascending creation order.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list recent messages")
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (s *Store) ListMessagesInRange(ctx context.Context, conversationID string, from, to time.Time) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND created_at >= ? AND created_at <= ?", conversationID, from, to).
		Order("created_at asc").
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list messages in range")
	}
	return msgs, nil
}

// LastMessageBySender returns the newest chat message from any of the given
// sender types, or ErrNotFound when none exists.
func (s *Store) LastMessageBySender(ctx context.Context, conversationID string, senders ...model.SenderType) (model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND type = ? AND sender_type IN ?", conversationID, model.MessageTypeChat, senders).
		Order("created_at desc").
		First(&msg).Error
	if err != nil {
		return model.Message{}, notFoundOr(err, "last message by sender")
	}
	return msg, nil
}
