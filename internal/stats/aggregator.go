// Package stats computes per-conversation service metrics when a
// conversation closes. The job is idempotent: recomputing overwrites the
// previous row, so redelivery is harmless.
package stats

import (
	"context"
	"errors"
	"log"
	"time"

	"chatroute/internal/config"
	"chatroute/internal/model"
	"chatroute/internal/store"
)

type Aggregator struct {
	store  *store.Store
	cfg    config.Config
	logger *log.Logger
}

func New(st *store.Store, cfg config.Config, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{store: st, cfg: cfg, logger: logger}
}

func (a *Aggregator) HandleStats(ctx context.Context, conversationID string) error {
	conv, err := a.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Printf("stats: conversation %s vanished, dropping job", conversationID)
		return nil
	}
	if err != nil {
		return err
	}
	msgs, err := a.store.ListRecentMessages(ctx, conv.ID, a.cfg.Stats.MessageWindow)
	if err != nil {
		return err
	}
	return a.store.UpsertStats(ctx, compute(conv, msgs, time.Now().UTC()))
}

// compute walks the message log in order, pairing each visitor turn with
// the operator's next reply. Bot messages are tallied separately and never
// satisfy a response turn.
func compute(conv model.Conversation, msgs []model.Message, now time.Time) model.ConversationStats {
	stats := model.ConversationStats{
		ConversationID: conv.ID,
		ComputedAt:     now,
	}

	var (
		pendingVisitor  time.Time
		firstResponse   float64
		totalResponse   float64
		responseCount   int
		firstOperatorAt time.Time
		firstChatAt     time.Time
		lastChatAt      time.Time
	)
	for _, msg := range msgs {
		if msg.Type != model.MessageTypeChat {
			continue
		}
		if firstChatAt.IsZero() {
			firstChatAt = msg.CreatedAt
		}
		lastChatAt = msg.CreatedAt
		switch msg.SenderType {
		case model.SenderTypeVisitor:
			stats.VisitorMessageCount++
			if pendingVisitor.IsZero() {
				pendingVisitor = msg.CreatedAt
			}
		case model.SenderTypeOperator:
			stats.OperatorMessageCount++
			if firstOperatorAt.IsZero() {
				firstOperatorAt = msg.CreatedAt
			}
			if !pendingVisitor.IsZero() {
				gap := msg.CreatedAt.Sub(pendingVisitor).Seconds()
				if responseCount == 0 {
					firstResponse = gap
				}
				totalResponse += gap
				responseCount++
				pendingVisitor = time.Time{}
			}
		case model.SenderTypeBot:
			stats.BotMessageCount++
		}
	}
	stats.FirstResponseSeconds = firstResponse
	stats.TotalResponseSeconds = totalResponse
	if responseCount > 0 {
		stats.AvgResponseSeconds = totalResponse / float64(responseCount)
	}

	closedAt := now
	if conv.ClosedAt != nil {
		closedAt = *conv.ClosedAt
	}
	if !firstChatAt.IsZero() {
		stats.ReceptionSeconds = lastChatAt.Sub(firstChatAt).Seconds()
	}

	if conv.QueuedAt != nil {
		waitEnd := closedAt
		if !firstOperatorAt.IsZero() && firstOperatorAt.After(*conv.QueuedAt) {
			waitEnd = firstOperatorAt
		}
		stats.QueueWaitSeconds = waitEnd.Sub(*conv.QueuedAt).Seconds()
	}
	return stats
}
