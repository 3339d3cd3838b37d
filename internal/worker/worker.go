// Package worker wires the job and event handlers onto the bus and runs the
// periodic maintenance loops: queue redraining and the inactivity sweep.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"chatroute/internal/botflow"
	"chatroute/internal/bus"
	"chatroute/internal/config"
	"chatroute/internal/dispatch"
	"chatroute/internal/model"
	"chatroute/internal/redlock"
	"chatroute/internal/stats"
)

const (
	convLockPrefix     = "chatroute:worker:conversation:"
	convLockTTL        = 30 * time.Second
	convLockRetryDelay = 50 * time.Millisecond
)

type Snapshot struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastRedrainAt     *time.Time `json:"last_redrain_at,omitempty"`
	LastSweepAt       *time.Time `json:"last_sweep_at,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	RedrainRuns       int64      `json:"redrain_runs"`
	SweepRuns         int64      `json:"sweep_runs"`
}

type Worker struct {
	bus        *bus.Bus
	dispatcher *dispatch.Dispatcher
	engine     *botflow.Engine
	aggregator *stats.Aggregator
	keyed      *bus.KeyedMutex
	locker     *redlock.Locker
	cfg        config.Config
	logger     *log.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot Snapshot
}

func New(b *bus.Bus, d *dispatch.Dispatcher, e *botflow.Engine, a *stats.Aggregator, locker *redlock.Locker, cfg config.Config, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		bus:        b,
		dispatcher: d,
		engine:     e,
		aggregator: a,
		keyed:      bus.NewKeyedMutex(),
		locker:     locker,
		cfg:        cfg,
		logger:     logger,
	}
}

// withConversationLock serializes conversation-scoped handlers across the
// whole consumer group: the stream hands a conversation's jobs to whichever
// consumer asks first, so in-process ordering alone is not enough. The
// keyed mutex keeps goroutines in this process from spinning against Redis;
// the lock key excludes the other workers.
func (w *Worker) withConversationLock(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	unlock := w.keyed.Lock(conversationID)
	defer unlock()
	for {
		release, ok, err := w.locker.Acquire(ctx, convLockPrefix+conversationID, convLockTTL)
		if err != nil {
			return err
		}
		if ok {
			defer func() { _ = release(ctx) }()
			return fn(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(convLockRetryDelay):
		}
	}
}

// Register subscribes every handler. Handlers that touch a single
// conversation's routing state are serialized per conversation; handlers for
// different conversations still run concurrently.
func (w *Worker) Register() {
	w.bus.Subscribe("assign-conversation", model.JobAssignConversation, func(ctx context.Context, payload []byte) error {
		var job model.AssignJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decode assign job: %w", err)
		}
		return w.withConversationLock(ctx, job.ConversationID, func(ctx context.Context) error {
			return w.dispatcher.HandleAssign(ctx, job.ConversationID)
		})
	})

	w.bus.Subscribe("bot-dispatch", model.JobBotDispatch, func(ctx context.Context, payload []byte) error {
		var job model.BotDispatchJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decode bot dispatch job: %w", err)
		}
		return w.withConversationLock(ctx, job.Context.ConversationID, func(ctx context.Context) error {
			return w.engine.HandleDispatch(ctx, job)
		})
	})

	w.bus.Subscribe("bot-process-node", model.JobBotProcessNode, func(ctx context.Context, payload []byte) error {
		var job model.BotProcessNodeJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decode bot process-node job: %w", err)
		}
		return w.withConversationLock(ctx, job.Context.ConversationID, func(ctx context.Context) error {
			return w.engine.HandleProcessNode(ctx, job)
		})
	})

	w.bus.Subscribe("conversation-stats", model.JobConversationStats, func(ctx context.Context, payload []byte) error {
		var job model.StatsJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decode stats job: %w", err)
		}
		return w.aggregator.HandleStats(ctx, job.ConversationID)
	})

	w.bus.Subscribe("visitor-message-matcher", model.EventMessageCreated, func(ctx context.Context, payload []byte) error {
		var event model.DomainEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("decode message event: %w", err)
		}
		sender, _ := event.Changed["sender_type"].(string)
		if model.SenderType(sender) != model.SenderTypeVisitor {
			return nil
		}
		conversationID, _ := event.Changed["conversation_id"].(string)
		text, _ := event.Changed["payload"].(string)
		if strings.TrimSpace(conversationID) == "" {
			return nil
		}
		return w.withConversationLock(ctx, conversationID, func(ctx context.Context) error {
			return w.engine.HandleVisitorMessage(ctx, conversationID, text)
		})
	})
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	now := time.Now().UTC()
	w.snapshot.Running = true
	w.snapshot.StartedAt = &now
	w.doneChan = make(chan struct{})
	done := w.doneChan
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.loop(ctx)
		w.mu.Lock()
		w.running = false
		w.snapshot.Running = false
		w.mu.Unlock()
	}()
}

func (w *Worker) Wait(timeout time.Duration) bool {
	w.mu.RLock()
	done := w.doneChan
	w.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

func (w *Worker) loop(ctx context.Context) {
	redrain := time.NewTicker(time.Duration(w.cfg.Routing.RedrainIntervalSeconds) * time.Second)
	defer redrain.Stop()
	sweep := time.NewTicker(time.Duration(w.cfg.Bot.SweepIntervalSeconds) * time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-redrain.C:
			w.record("redrain", w.dispatcher.Redrain(ctx))
		case <-sweep.C:
			w.record("sweep", w.engine.SweepInactive(ctx))
			w.record("autoclose", w.dispatcher.AutoCloseIdle(ctx))
		}
	}
}

func (w *Worker) record(task string, err error) {
	now := time.Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	switch task {
	case "redrain":
		w.snapshot.RedrainRuns++
		w.snapshot.LastRedrainAt = &now
	case "sweep":
		w.snapshot.SweepRuns++
		w.snapshot.LastSweepAt = &now
	}
	if err != nil {
		w.snapshot.ConsecutiveErrors++
		w.snapshot.LastErrorAt = &now
		w.snapshot.LastError = strings.TrimSpace(err.Error())
		w.logger.Printf("worker %s: %v", task, err)
		return
	}
	w.snapshot.ConsecutiveErrors = 0
}
