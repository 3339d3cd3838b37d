// Package dispatch decides, for each conversation, whether it goes to a
// ready operator, the waiting queue, or an attached bot, and keeps the
// operator concurrency invariant while doing so.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"chatroute/internal/bus"
	"chatroute/internal/capacity"
	"chatroute/internal/config"
	"chatroute/internal/hsm"
	"chatroute/internal/model"
	"chatroute/internal/store"
	"chatroute/internal/waitqueue"
)

// StateConflictError is returned for user-initiated actions that race a
// concurrent transition; background jobs never see it.
type StateConflictError struct {
	ConversationID string
	Reason         string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("conversation %s: %s", e.ConversationID, e.Reason)
}

type Dispatcher struct {
	store    *store.Store
	capacity *capacity.Store
	queue    *waitqueue.Queue
	bus      *bus.Bus
	cfg      config.Config
	logger   *log.Logger
}

func New(st *store.Store, capStore *capacity.Store, queue *waitqueue.Queue, b *bus.Bus, cfg config.Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		store:    st,
		capacity: capStore,
		queue:    queue,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateConversation persists the record, announces it, and kicks off both
// routing and bot trigger dispatch.
func (d *Dispatcher) CreateConversation(ctx context.Context, visitorID, categoryID string) (model.Conversation, error) {
	conv := model.Conversation{
		ID:         model.NewConversationID(),
		VisitorID:  visitorID,
		CategoryID: categoryID,
		Status:     model.ConversationStatusNew,
	}
	if err := d.store.CreateConversation(ctx, &conv); err != nil {
		return model.Conversation{}, err
	}
	_ = d.bus.PublishEvent(model.NewEvent(model.EventConversationCreated, "conversation", conv.ID, map[string]any{
		"visitor_id": conv.VisitorID,
		"status":     conv.Status,
	}))
	if err := d.bus.Publish(model.JobAssignConversation, conv.ID, model.AssignJob{ConversationID: conv.ID}); err != nil {
		return model.Conversation{}, err
	}
	if err := d.bus.Publish(model.JobBotDispatch, conv.ID, model.BotDispatchJob{
		TriggerType: model.TriggerConversationCreated,
		Context:     model.JobContext{ConversationID: conv.ID},
	}); err != nil {
		return model.Conversation{}, err
	}
	return conv, nil
}

// HandleAssign is the automatic routing job. Jobs are delivered
// at-least-once, so every step re-checks the conversation's current state.
func (d *Dispatcher) HandleAssign(ctx context.Context, conversationID string) error {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Printf("assign: conversation %s vanished, dropping job", conversationID)
		return nil
	}
	if err != nil {
		return err
	}
	switch conv.Status {
	case model.ConversationStatusNew, model.ConversationStatusQueued:
	default:
		return nil
	}
	if conv.OperatorID != "" {
		return nil
	}

	if conv.Status == model.ConversationStatusNew && conv.BotID == "" {
		intercepts, err := d.botIntercepts(ctx, conv)
		if err != nil {
			return err
		}
		if intercepts {
			// Trigger dispatch attaches the bot and runs its flow; the
			// bot owns the conversation until it requests an operator.
			return nil
		}
	}

	ready, err := d.capacity.ReadyOperators(ctx)
	if err != nil {
		return err
	}
	if len(ready) == 0 && conv.BotID == "" && conv.Status == model.ConversationStatusNew {
		// A queued conversation stays queued for Redrain; only brand-new
		// conversations get the terminal no-agents close.
		if _, err := d.SendMessage(ctx, conv.ID, model.SenderTypeSystem, "", model.MessageTypeChat, d.cfg.Routing.NoAgentsMessage); err != nil {
			return err
		}
		return d.Close(ctx, conv.ID, "system")
	}

	operatorID, found, err := d.selectOperator(ctx, ready)
	if err != nil {
		return err
	}
	if !found {
		return d.enqueue(ctx, conv)
	}
	return d.assignTo(ctx, conv, operatorID)
}

// selectOperator picks, among ready operators with spare slack, the one with
// the minimum live load. Candidates are shuffled first so load ties don't
// pile conversations onto the lexicographically-first operator.
func (d *Dispatcher) selectOperator(ctx context.Context, ready []string) (string, bool, error) {
	type candidate struct {
		id    string
		count int64
	}
	var candidates []candidate
	for _, operatorID := range ready {
		op, err := d.store.GetOperator(ctx, operatorID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if !op.Enabled || op.ConcurrencyLimit <= 0 {
			continue
		}
		count, err := d.capacity.Concurrency(ctx, operatorID)
		if err != nil {
			return "", false, err
		}
		if count < int64(op.ConcurrencyLimit) {
			candidates = append(candidates, candidate{id: operatorID, count: count})
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.count < best.count {
			best = c
		}
	}
	return best.id, true, nil
}

func (d *Dispatcher) assignTo(ctx context.Context, conv model.Conversation, operatorID string) error {
	if !hsm.CanTransitionConversation(conv.Status, model.ConversationStatusInProgress) {
		return &StateConflictError{ConversationID: conv.ID, Reason: fmt.Sprintf("cannot assign from status %s", conv.Status)}
	}
	if err := d.store.UpdateConversationFields(ctx, conv.ID, map[string]any{
		"operator_id": operatorID,
		"status":      model.ConversationStatusInProgress,
	}); err != nil {
		return err
	}
	if err := d.queue.Remove(ctx, conv.ID); err != nil {
		return err
	}
	if _, err := d.capacity.IncrConcurrency(ctx, operatorID, 1); err != nil {
		return err
	}
	_ = d.bus.PublishEvent(model.NewEvent(model.EventConversationAssigned, "conversation", conv.ID, map[string]any{
		"operator_id": operatorID,
		"status":      model.ConversationStatusInProgress,
	}))
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, conv model.Conversation) error {
	if conv.Status == model.ConversationStatusQueued {
		// Redelivered job; the conversation already holds its queue slot.
		return nil
	}
	if d.cfg.Routing.QueueCapacity > 0 {
		size, err := d.queue.Size(ctx)
		if err != nil {
			return err
		}
		if size >= int64(d.cfg.Routing.QueueCapacity) {
			// Deliberate, message-visible outcome: the conversation stays
			// unqueued and a human can still join manually.
			_, err := d.SendMessage(ctx, conv.ID, model.SenderTypeSystem, "", model.MessageTypeChat, d.cfg.Routing.QueueFullMessage)
			return err
		}
	}
	now := time.Now().UTC()
	if err := d.queue.Enqueue(ctx, conv.ID, now); err != nil {
		return err
	}
	if err := d.store.UpdateConversationFields(ctx, conv.ID, map[string]any{
		"status":    model.ConversationStatusQueued,
		"queued_at": now,
	}); err != nil {
		return err
	}
	_ = d.bus.PublishEvent(model.NewEvent(model.EventConversationQueued, "conversation", conv.ID, map[string]any{
		"status":    model.ConversationStatusQueued,
		"queued_at": now,
	}))
	if conv.BotID == "" {
		// Queued-only bots accept from here on.
		return d.bus.Publish(model.JobBotDispatch, conv.ID, model.BotDispatchJob{
			TriggerType: model.TriggerConversationCreated,
			Context:     model.JobContext{ConversationID: conv.ID},
		})
	}
	return nil
}

// Join assigns an unassigned conversation to the requesting operator.
func (d *Dispatcher) Join(ctx context.Context, operatorID, conversationID string) error {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == model.ConversationStatusSolved {
		return &StateConflictError{ConversationID: conv.ID, Reason: "conversation is already solved"}
	}
	if conv.OperatorID != "" {
		return &StateConflictError{ConversationID: conv.ID, Reason: "conversation is already assigned to " + conv.OperatorID}
	}
	status, err := d.capacity.Status(ctx, operatorID)
	if err != nil {
		return err
	}
	if status != model.OperatorStatusReady {
		return &StateConflictError{ConversationID: conv.ID, Reason: "operator " + operatorID + " is not ready"}
	}
	return d.assignTo(ctx, conv, operatorID)
}

// Transfer moves a conversation the requesting operator owns to another
// ready operator.
func (d *Dispatcher) Transfer(ctx context.Context, fromOperatorID, toOperatorID, conversationID string) error {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status != model.ConversationStatusInProgress || conv.OperatorID != fromOperatorID {
		return &StateConflictError{ConversationID: conv.ID, Reason: "conversation is not owned by " + fromOperatorID}
	}
	status, err := d.capacity.Status(ctx, toOperatorID)
	if err != nil {
		return err
	}
	if status != model.OperatorStatusReady {
		return &StateConflictError{ConversationID: conv.ID, Reason: "operator " + toOperatorID + " is not ready"}
	}
	if err := d.store.UpdateConversationFields(ctx, conv.ID, map[string]any{"operator_id": toOperatorID}); err != nil {
		return err
	}
	if _, err := d.capacity.IncrConcurrency(ctx, fromOperatorID, -1); err != nil {
		return err
	}
	if _, err := d.capacity.IncrConcurrency(ctx, toOperatorID, 1); err != nil {
		return err
	}
	_ = d.bus.PublishEvent(model.NewEvent(model.EventConversationAssigned, "conversation", conv.ID, map[string]any{
		"operator_id": toOperatorID,
	}))
	return nil
}

// Close is idempotent: closing an already-solved conversation is a no-op
// and never decrements the operator counter a second time.
func (d *Dispatcher) Close(ctx context.Context, conversationID, closedBy string) error {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.Status == model.ConversationStatusSolved {
		return nil
	}
	now := time.Now().UTC()
	if err := d.store.UpdateConversationFields(ctx, conv.ID, map[string]any{
		"status":    model.ConversationStatusSolved,
		"closed_at": now,
	}); err != nil {
		return err
	}
	if conv.OperatorID != "" {
		if _, err := d.capacity.IncrConcurrency(ctx, conv.OperatorID, -1); err != nil {
			return err
		}
	}
	if err := d.queue.Remove(ctx, conv.ID); err != nil {
		return err
	}
	_ = d.bus.PublishEvent(model.NewEvent(model.EventConversationClosed, "conversation", conv.ID, map[string]any{
		"status":    model.ConversationStatusSolved,
		"closed_at": now,
		"closed_by": closedBy,
	}))
	return d.bus.Publish(model.JobConversationStats, conv.ID, model.StatsJob{ConversationID: conv.ID})
}

// Redrain hands queued conversations to operators that regained slack.
func (d *Dispatcher) Redrain(ctx context.Context) error {
	size, err := d.queue.Size(ctx)
	if err != nil {
		return err
	}
	for i := int64(0); i < size; i++ {
		ready, err := d.capacity.ReadyOperators(ctx)
		if err != nil {
			return err
		}
		operatorID, found, err := d.selectOperator(ctx, ready)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		conversationID, ok, err := d.queue.DequeueOldest(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		conv, err := d.store.GetConversation(ctx, conversationID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if conv.Status != model.ConversationStatusQueued {
			continue
		}
		if err := d.assignTo(ctx, conv, operatorID); err != nil {
			return err
		}
	}
	return nil
}

// AutoCloseIdle closes in-progress conversations whose message log has been
// silent past the configured idle window. Disabled when the window is 0.
func (d *Dispatcher) AutoCloseIdle(ctx context.Context) error {
	if d.cfg.Routing.AutoCloseIdleSeconds <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(d.cfg.Routing.AutoCloseIdleSeconds) * time.Second)
	convs, err := d.store.ListInProgressUpdatedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		msgs, err := d.store.ListRecentMessages(ctx, conv.ID, 1)
		if err != nil {
			return err
		}
		if len(msgs) > 0 && msgs[len(msgs)-1].CreatedAt.After(cutoff) {
			continue
		}
		if _, err := d.SendMessage(ctx, conv.ID, model.SenderTypeSystem, "", model.MessageTypeChat, d.cfg.Routing.AutoCloseMessage); err != nil {
			return err
		}
		if err := d.Close(ctx, conv.ID, "system"); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate stores the visitor's star rating and feedback.
func (d *Dispatcher) Evaluate(ctx context.Context, conversationID string, star int, feedback string) error {
	if star < 1 || star > 5 {
		return fmt.Errorf("evaluation star must be between 1 and 5, got %d", star)
	}
	if _, err := d.store.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	return d.store.UpdateConversationFields(ctx, conversationID, map[string]any{
		"evaluation_star":     star,
		"evaluation_feedback": feedback,
	})
}

// SetOperatorStatus records the live status and emits the status event.
// Becoming ready immediately drains the queue toward that operator.
func (d *Dispatcher) SetOperatorStatus(ctx context.Context, operatorID string, status model.OperatorStatus) error {
	current, err := d.capacity.Status(ctx, operatorID)
	if err != nil {
		return err
	}
	if !hsm.CanTransitionOperator(current, status) {
		return &StateConflictError{ConversationID: "", Reason: fmt.Sprintf("operator %s cannot move from %s to %s", operatorID, current, status)}
	}
	if err := d.capacity.SetStatus(ctx, operatorID, status); err != nil {
		return err
	}
	_ = d.bus.PublishEvent(model.NewEvent(model.EventOperatorStatus, "operator", operatorID, map[string]any{
		"status": status,
	}))
	if status == model.OperatorStatusReady {
		return d.Redrain(ctx)
	}
	return nil
}

// SendMessage appends to the conversation's message log and announces it.
func (d *Dispatcher) SendMessage(ctx context.Context, conversationID string, sender model.SenderType, senderID string, msgType model.MessageType, payload string) (model.Message, error) {
	now := time.Now().UTC()
	msg := model.Message{
		ID:             model.NewMessageID(now),
		ConversationID: conversationID,
		SenderType:     sender,
		SenderID:       senderID,
		Type:           msgType,
		Payload:        payload,
		CreatedAt:      now,
	}
	if err := d.store.CreateMessage(ctx, &msg); err != nil {
		return model.Message{}, err
	}
	_ = d.bus.PublishEvent(model.NewEvent(model.EventMessageCreated, "message", msg.ID, map[string]any{
		"conversation_id": conversationID,
		"sender_type":     sender,
		"type":            msgType,
		"payload":         payload,
	}))
	return msg, nil
}

// botIntercepts reports whether an enabled bot accepts this conversation
// right now. Queued-only bots get their chance once the conversation queues.
func (d *Dispatcher) botIntercepts(ctx context.Context, conv model.Conversation) (bool, error) {
	bots, err := d.store.ListEnabledBots(ctx)
	if err != nil {
		return false, err
	}
	for _, bot := range bots {
		if !BotAccepts(bot, conv, time.Now().UTC()) {
			continue
		}
		if bot.AcceptRule == model.AcceptQueuedOnly {
			continue
		}
		if _, ok := hasTrigger(bot, model.TriggerConversationCreated); !ok {
			continue
		}
		return true, nil
	}
	return false, nil
}

func hasTrigger(bot model.BotDefinition, trigger model.TriggerType) (model.BotNode, bool) {
	want := model.NodeTypeForTrigger(trigger)
	for _, node := range bot.Nodes {
		if node.Type == want {
			return node, true
		}
	}
	return model.BotNode{}, false
}

// BotAccepts checks the bot's accept rule and working-hours window against
// the conversation's current state.
func BotAccepts(bot model.BotDefinition, conv model.Conversation, now time.Time) bool {
	if !bot.Enabled {
		return false
	}
	if bot.AcceptRule == model.AcceptQueuedOnly && conv.Status != model.ConversationStatusQueued {
		return false
	}
	if bot.WorkingHours != nil && bot.WorkingHours.Enabled {
		minute := now.UTC().Hour()*60 + now.UTC().Minute()
		if minute < bot.WorkingHours.StartMinute || minute >= bot.WorkingHours.EndMinute {
			return false
		}
	}
	return true
}
