package botflow

import (
	"context"
	"time"

	"chatroute/internal/model"
)

// SweepInactive runs on a timer in every worker but only one instance holds
// the cluster lock at a time. It enumerates candidate conversations and
// queues visitor-inactive dispatch jobs; the per-node firing conditions are
// evaluated in HandleDispatch.
func (e *Engine) SweepInactive(ctx context.Context) error {
	release, ok, err := e.locker.Acquire(ctx, sweepLockKey, time.Duration(e.cfg.Bot.SweepLockTTLSeconds)*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() { _ = release(ctx) }()

	cutoff := time.Now().UTC().Add(-time.Duration(e.cfg.Bot.SweepIntervalSeconds) * time.Second)
	stale, err := e.store.ListInProgressUpdatedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	queued, err := e.store.ListConversationsByStatus(ctx, model.ConversationStatusQueued)
	if err != nil {
		return err
	}

	for _, conv := range append(stale, queued...) {
		job := model.BotDispatchJob{
			TriggerType: model.TriggerVisitorInactive,
			Context:     model.JobContext{ConversationID: conv.ID},
		}
		if err := e.bus.Publish(model.JobBotDispatch, conv.ID, job); err != nil {
			return err
		}
	}
	return nil
}
