// Package botflow runs author-built automation graphs over conversations.
// Graph execution is trampolined through the job bus: processing a node
// performs at most one effect and enqueues its successors as fresh jobs, so
// a deep graph never grows the call stack.
package botflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chatroute/internal/bus"
	"chatroute/internal/capacity"
	"chatroute/internal/config"
	"chatroute/internal/dispatch"
	"chatroute/internal/model"
	"chatroute/internal/redlock"
	"chatroute/internal/sandbox"
	"chatroute/internal/store"
	"chatroute/internal/waitqueue"
)

const (
	sweepLockKey = "chatroute:botflow:sweep"
	refirePrefix = "chatroute:botflow:refire:"
)

type Engine struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	bus        *bus.Bus
	capacity   *capacity.Store
	queue      *waitqueue.Queue
	locker     *redlock.Locker
	runner     *sandbox.Runner
	contexts   *ContextStore
	cfg        config.Config
	logger     *log.Logger
}

func NewEngine(st *store.Store, d *dispatch.Dispatcher, b *bus.Bus, capStore *capacity.Store, queue *waitqueue.Queue, locker *redlock.Locker, runner *sandbox.Runner, contexts *ContextStore, cfg config.Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:      st,
		dispatcher: d,
		bus:        b,
		capacity:   capStore,
		queue:      queue,
		locker:     locker,
		runner:     runner,
		contexts:   contexts,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleDispatch evaluates which bots fire the given trigger for the
// conversation and enqueues the trigger nodes' successors.
func (e *Engine) HandleDispatch(ctx context.Context, job model.BotDispatchJob) error {
	conv, err := e.store.GetConversation(ctx, job.Context.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Status == model.ConversationStatusSolved {
		return nil
	}

	// Attachment happens exactly once; a redelivered creation dispatch
	// finds the bot already attached and does nothing.
	if job.TriggerType == model.TriggerConversationCreated && conv.BotID != "" {
		return nil
	}

	bots, err := e.store.ListEnabledBots(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	nodeType := model.NodeTypeForTrigger(job.TriggerType)
	for _, bot := range bots {
		if conv.BotID != "" && conv.BotID != bot.ID {
			continue
		}
		if !dispatch.BotAccepts(bot, conv, now) {
			continue
		}
		for _, node := range bot.Nodes {
			if node.Type != nodeType {
				continue
			}
			fire, err := e.shouldFire(ctx, bot, node, conv, job.TriggerType)
			if err != nil {
				return err
			}
			if !fire {
				continue
			}
			if conv.BotID == "" {
				if err := e.attach(ctx, &conv, bot); err != nil {
					return err
				}
			}
			if err := e.enqueueSuccessors(ctx, bot, node.ID, conv.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// shouldFire applies per-node-type firing conditions. Conversation-created
// triggers always fire once dispatch reaches them; visitor-inactive triggers
// additionally require that the visitor has gone silent past the node's
// threshold after our side spoke last, and are rate limited by a re-fire
// lock that expires after the node's repeat interval.
func (e *Engine) shouldFire(ctx context.Context, bot model.BotDefinition, node model.BotNode, conv model.Conversation, trigger model.TriggerType) (bool, error) {
	if trigger != model.TriggerVisitorInactive {
		return true, nil
	}

	lastVisitor := conv.CreatedAt
	if msg, err := e.store.LastMessageBySender(ctx, conv.ID, model.SenderTypeVisitor); err == nil {
		lastVisitor = msg.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	lastResponder := time.Time{}
	if msg, err := e.store.LastMessageBySender(ctx, conv.ID, model.SenderTypeOperator, model.SenderTypeBot); err == nil {
		lastResponder = msg.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if lastResponder.Before(lastVisitor) {
		// The ball is in our court, not the visitor's.
		return false, nil
	}
	threshold := time.Duration(node.InactiveThresholdSec) * time.Second
	if time.Since(lastVisitor) <= threshold {
		return false, nil
	}

	interval := time.Duration(node.RepeatIntervalSec) * time.Second
	if interval <= 0 {
		// Fire-once nodes hold the suppression key for a day.
		interval = 24 * time.Hour
	}
	key := fmt.Sprintf("%s%s:%s:%s", refirePrefix, bot.ID, node.ID, conv.ID)
	_, ok, err := e.locker.Acquire(ctx, key, interval)
	if err != nil {
		return false, err
	}
	// Never released: the key's expiry is the re-fire schedule.
	return ok, nil
}

func (e *Engine) attach(ctx context.Context, conv *model.Conversation, bot model.BotDefinition) error {
	if err := e.store.UpdateConversationFields(ctx, conv.ID, map[string]any{"bot_id": bot.ID}); err != nil {
		return err
	}
	conv.BotID = bot.ID
	return e.contexts.Save(ctx, model.BotContext{
		ConversationID: conv.ID,
		BotID:          bot.ID,
		ActiveBaseIDs:  bot.InitialBaseIDs,
	})
}

func (e *Engine) enqueueSuccessors(ctx context.Context, bot model.BotDefinition, nodeID, conversationID string) error {
	for _, target := range model.OutgoingTargets(bot.Edges, nodeID) {
		job := model.BotProcessNodeJob{
			BotID:   bot.ID,
			NodeID:  target,
			Nodes:   bot.Nodes,
			Edges:   bot.Edges,
			Context: model.JobContext{ConversationID: conversationID},
		}
		if err := e.bus.Publish(model.JobBotProcessNode, conversationID, job); err != nil {
			return err
		}
	}
	return nil
}

// HandleProcessNode performs the node's single effect and enqueues its
// successors. Question nodes end traversal; the matcher drives them from
// visitor messages instead.
func (e *Engine) HandleProcessNode(ctx context.Context, job model.BotProcessNodeJob) error {
	conv, err := e.store.GetConversation(ctx, job.Context.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Status == model.ConversationStatusSolved {
		return nil
	}

	node, ok := model.FindNode(job.Nodes, job.NodeID)
	if !ok {
		e.logger.Printf("botflow: bot %s node %s no longer exists, dropping job", job.BotID, job.NodeID)
		return nil
	}

	switch node.Type {
	case model.NodeDoSendMessage:
		if _, err := e.dispatcher.SendMessage(ctx, conv.ID, model.SenderTypeBot, job.BotID, model.MessageTypeChat, node.MessagePayload); err != nil {
			return err
		}
	case model.NodeDoCloseConversation:
		// Successors are still enqueued; they no-op against the now
		// solved conversation.
		if err := e.dispatcher.Close(ctx, conv.ID, "bot"); err != nil {
			return err
		}
	case model.NodeQuestion:
		return nil
	}

	for _, target := range model.OutgoingTargets(job.Edges, job.NodeID) {
		next := model.BotProcessNodeJob{
			BotID:   job.BotID,
			NodeID:  target,
			Nodes:   job.Nodes,
			Edges:   job.Edges,
			Context: job.Context,
		}
		if err := e.bus.Publish(model.JobBotProcessNode, conv.ID, next); err != nil {
			return err
		}
	}
	return nil
}
