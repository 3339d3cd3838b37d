package botflow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

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

type fixture struct {
	engine     *Engine
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	contexts   *ContextStore
	queue      *waitqueue.Queue
	bus        *bus.Bus
	server     *miniredis.Miniredis
	cfg        config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	server := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "botflow.db"))
	require.NoError(t, err)

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	capStore := capacity.New(rdb, st.CountInProgressByOperator)
	queue := waitqueue.New(rdb)
	b, err := bus.NewInProcess(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	d := dispatch.New(st, capStore, queue, b, cfg, nil)
	contexts := NewContextStore(rdb, time.Duration(cfg.Bot.ContextTTLSeconds)*time.Second)
	runner := sandbox.NewRunner(
		time.Duration(cfg.Sandbox.TimeoutMillis)*time.Millisecond,
		cfg.Sandbox.RegistryMaxSize,
		cfg.Sandbox.CallStackSize,
	)
	engine := NewEngine(st, d, b, capStore, queue, redlock.New(rdb), runner, contexts, cfg, nil)

	return &fixture{
		engine:     engine,
		dispatcher: d,
		store:      st,
		contexts:   contexts,
		queue:      queue,
		bus:        b,
		server:     server,
		cfg:        cfg,
	}
}

// runProcessor consumes process-node jobs so trampolined graph execution
// advances during the test.
func (f *fixture) runProcessor(t *testing.T) {
	t.Helper()
	f.bus.Subscribe("process-node", model.JobBotProcessNode, func(ctx context.Context, payload []byte) error {
		var job model.BotProcessNodeJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return err
		}
		return f.engine.HandleProcessNode(ctx, job)
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.bus.Run(ctx) }()
	<-f.bus.Running()
}

func (f *fixture) newConversation(t *testing.T, status model.ConversationStatus, botID string) model.Conversation {
	t.Helper()
	conv := model.Conversation{
		ID:        model.NewConversationID(),
		VisitorID: "visitor",
		BotID:     botID,
		Status:    status,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateConversation(context.Background(), &conv))
	return conv
}

func (f *fixture) addMessage(t *testing.T, conversationID string, sender model.SenderType, payload string, at time.Time) {
	t.Helper()
	msg := model.Message{
		ID:             model.NewMessageID(at),
		ConversationID: conversationID,
		SenderType:     sender,
		Type:           model.MessageTypeChat,
		Payload:        payload,
		CreatedAt:      at,
	}
	require.NoError(t, f.store.CreateMessage(context.Background(), &msg))
}

func (f *fixture) botMessages(t *testing.T, conversationID string) []model.Message {
	t.Helper()
	msgs, err := f.store.ListRecentMessages(context.Background(), conversationID, 50)
	require.NoError(t, err)
	var out []model.Message
	for _, m := range msgs {
		if m.SenderType == model.SenderTypeBot {
			out = append(out, m)
		}
	}
	return out
}

func questionBot() model.BotDefinition {
	return model.BotDefinition{
		ID:             "bot-1",
		Name:           "faq",
		Enabled:        true,
		AcceptRule:     model.AcceptAll,
		InitialBaseIDs: []string{"base-a"},
		Nodes: []model.BotNode{
			{ID: "q-hours", Type: model.NodeQuestion, Question: &model.QuestionSpec{
				Global:  true,
				Matcher: model.MatcherContains,
				Question: "opening hours",
				Answer:   "We are open 9 to 5.",
			}},
			{ID: "q-plan", Type: model.NodeQuestion, Question: &model.QuestionSpec{
				BaseID:     "base-a",
				Matcher:    model.MatcherExact,
				Question:   "upgrade",
				Answer:     "Which plan would you like?",
				NextBaseID: "base-b",
			}},
			{ID: "q-pro", Type: model.NodeQuestion, Question: &model.QuestionSpec{
				BaseID:   "base-b",
				Matcher:  model.MatcherExact,
				Question: "pro",
				Answer:   "Upgrading you to pro.",
			}},
			{ID: "q-human", Type: model.NodeQuestion, Question: &model.QuestionSpec{
				BaseID:         "base-a",
				Matcher:        model.MatcherExact,
				Question:       "human",
				Answer:         "Connecting you to an operator.",
				AssignOperator: true,
			}},
		},
	}
}

func TestGlobalQuestionWinsOverActiveBase(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveBot(ctx, questionBot()))
	conv := f.newConversation(t, model.ConversationStatusNew, "bot-1")

	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "what are your opening hours?"))

	msgs := f.botMessages(t, conv.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, "We are open 9 to 5.", msgs[0].Payload)

	// The global match leaves the active base alone.
	bctx, found, err := f.contexts.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []string{"base-a"}, bctx.ActiveBaseIDs)
}

func TestBaseMatchSwitchesActiveBase(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveBot(ctx, questionBot()))
	conv := f.newConversation(t, model.ConversationStatusNew, "bot-1")

	// "pro" only exists in base-b, unreachable before the switch.
	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "pro"))
	msgs := f.botMessages(t, conv.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, f.cfg.Bot.NoMatchMessage, msgs[0].Payload)

	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "upgrade"))
	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "pro"))

	msgs = f.botMessages(t, conv.ID)
	require.Len(t, msgs, 3)
	require.Equal(t, "Which plan would you like?", msgs[1].Payload)
	require.Equal(t, "Upgrading you to pro.", msgs[2].Payload)
}

func TestAssignRequestedOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveBot(ctx, questionBot()))
	conv := f.newConversation(t, model.ConversationStatusNew, "bot-1")

	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "human"))

	bctx, found, err := f.contexts.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, bctx.OperatorAssigned)

	// Matching keeps working while the visitor waits, but the second
	// "human" cannot request assignment again.
	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "human"))
	msgs := f.botMessages(t, conv.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, "Connecting you to an operator.", msgs[1].Payload)
}

func TestQueueFullReplacesAnswerAndKeepsBotInCharge(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Routing.QueueCapacity = 1 })
	ctx := context.Background()
	require.NoError(t, f.store.SaveBot(ctx, questionBot()))
	require.NoError(t, f.queue.Enqueue(ctx, "other-conversation", time.Now().UTC()))
	conv := f.newConversation(t, model.ConversationStatusNew, "bot-1")

	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "human"))

	msgs := f.botMessages(t, conv.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, f.cfg.Routing.QueueFullMessage, msgs[0].Payload)
	bctx, _, err := f.contexts.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, bctx.OperatorAssigned)
}

func TestScriptOverridesAnswer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bot := questionBot()
	bot.Nodes = append(bot.Nodes, model.BotNode{ID: "q-queue", Type: model.NodeQuestion, Question: &model.QuestionSpec{
		Global:   true,
		Matcher:  model.MatcherExact,
		Question: "status",
		Answer:   "You are in line.",
		Script:   `handle.answer = "You are number {{queuePosition}} in line."`,
	}})
	require.NoError(t, f.store.SaveBot(ctx, bot))
	conv := f.newConversation(t, model.ConversationStatusQueued, "bot-1")
	require.NoError(t, f.queue.Enqueue(ctx, conv.ID, time.Now().UTC()))

	require.NoError(t, f.engine.HandleVisitorMessage(ctx, conv.ID, "status"))

	msgs := f.botMessages(t, conv.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, "You are number 1 in line.", msgs[0].Payload)
}

func TestDispatchRunsGreetingChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bot := model.BotDefinition{
		ID:         "bot-greet",
		Name:       "greeter",
		Enabled:    true,
		AcceptRule: model.AcceptAll,
		Nodes: []model.BotNode{
			{ID: "start", Type: model.NodeOnConversationCreated},
			{ID: "hello", Type: model.NodeDoSendMessage, MessagePayload: "Hello!"},
			{ID: "menu", Type: model.NodeDoSendMessage, MessagePayload: "How can I help?"},
		},
		Edges: []model.BotEdge{
			{Source: "start", Target: "hello"},
			{Source: "hello", Target: "menu"},
		},
	}
	require.NoError(t, f.store.SaveBot(ctx, bot))
	f.runProcessor(t)

	conv := f.newConversation(t, model.ConversationStatusNew, "")
	require.NoError(t, f.engine.HandleDispatch(ctx, model.BotDispatchJob{
		TriggerType: model.TriggerConversationCreated,
		Context:     model.JobContext{ConversationID: conv.ID},
	}))

	require.Eventually(t, func() bool {
		return len(f.botMessages(t, conv.ID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs := f.botMessages(t, conv.ID)
	require.Equal(t, "Hello!", msgs[0].Payload)
	require.Equal(t, "How can I help?", msgs[1].Payload)

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "bot-greet", got.BotID)
}

func TestQueuedOnlyBotAttachesOnceQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bot := model.BotDefinition{
		ID:         "bot-wait",
		Name:       "queue companion",
		Enabled:    true,
		AcceptRule: model.AcceptQueuedOnly,
		Nodes: []model.BotNode{
			{ID: "start", Type: model.NodeOnConversationCreated},
			{ID: "hold", Type: model.NodeDoSendMessage, MessagePayload: "All operators are busy, hang tight."},
		},
		Edges: []model.BotEdge{{Source: "start", Target: "hold"}},
	}
	require.NoError(t, f.store.SaveBot(ctx, bot))
	f.runProcessor(t)

	job := func(id string) model.BotDispatchJob {
		return model.BotDispatchJob{
			TriggerType: model.TriggerConversationCreated,
			Context:     model.JobContext{ConversationID: id},
		}
	}

	fresh := f.newConversation(t, model.ConversationStatusNew, "")
	require.NoError(t, f.engine.HandleDispatch(ctx, job(fresh.ID)))
	time.Sleep(50 * time.Millisecond)
	got, err := f.store.GetConversation(ctx, fresh.ID)
	require.NoError(t, err)
	require.Empty(t, got.BotID)

	waiting := f.newConversation(t, model.ConversationStatusQueued, "")
	require.NoError(t, f.engine.HandleDispatch(ctx, job(waiting.ID)))
	require.Eventually(t, func() bool {
		return len(f.botMessages(t, waiting.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got, err = f.store.GetConversation(ctx, waiting.ID)
	require.NoError(t, err)
	require.Equal(t, "bot-wait", got.BotID)
}

func TestProcessNodeOnSolvedConversationIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.newConversation(t, model.ConversationStatusSolved, "bot-1")

	job := model.BotProcessNodeJob{
		BotID:   "bot-1",
		NodeID:  "bye",
		Nodes:   []model.BotNode{{ID: "bye", Type: model.NodeDoSendMessage, MessagePayload: "bye"}},
		Context: model.JobContext{ConversationID: conv.ID},
	}
	require.NoError(t, f.engine.HandleProcessNode(ctx, job))
	require.Empty(t, f.botMessages(t, conv.ID))
}

func TestProcessNodeDropsVanishedNode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.newConversation(t, model.ConversationStatusNew, "bot-1")

	job := model.BotProcessNodeJob{
		BotID:   "bot-1",
		NodeID:  "deleted",
		Nodes:   []model.BotNode{{ID: "other", Type: model.NodeDoSendMessage, MessagePayload: "x"}},
		Context: model.JobContext{ConversationID: conv.ID},
	}
	require.NoError(t, f.engine.HandleProcessNode(ctx, job))
	require.Empty(t, f.botMessages(t, conv.ID))
}

func TestProcessCloseNodeClosesConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.newConversation(t, model.ConversationStatusNew, "bot-1")

	job := model.BotProcessNodeJob{
		BotID:   "bot-1",
		NodeID:  "close",
		Nodes:   []model.BotNode{{ID: "close", Type: model.NodeDoCloseConversation}},
		Context: model.JobContext{ConversationID: conv.ID},
	}
	require.NoError(t, f.engine.HandleProcessNode(ctx, job))

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConversationStatusSolved, got.Status)
}

func TestInactiveTriggerRefireSuppression(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bot := model.BotDefinition{
		ID:         "bot-nudge",
		Name:       "nudger",
		Enabled:    true,
		AcceptRule: model.AcceptAll,
		Nodes: []model.BotNode{
			{ID: "idle", Type: model.NodeOnVisitorInactive, InactiveThresholdSec: 60, RepeatIntervalSec: 300},
			{ID: "nudge", Type: model.NodeDoSendMessage, MessagePayload: "Are you still there?"},
		},
		Edges: []model.BotEdge{{Source: "idle", Target: "nudge"}},
	}
	require.NoError(t, f.store.SaveBot(ctx, bot))
	f.runProcessor(t)

	conv := f.newConversation(t, model.ConversationStatusNew, "bot-nudge")
	now := time.Now().UTC()
	f.addMessage(t, conv.ID, model.SenderTypeVisitor, "hi", now.Add(-10*time.Minute))
	f.addMessage(t, conv.ID, model.SenderTypeBot, "hello", now.Add(-9*time.Minute))

	job := model.BotDispatchJob{
		TriggerType: model.TriggerVisitorInactive,
		Context:     model.JobContext{ConversationID: conv.ID},
	}
	require.NoError(t, f.engine.HandleDispatch(ctx, job))
	require.Eventually(t, func() bool {
		return len(f.botMessages(t, conv.ID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Within the repeat interval the suppression key blocks a second fire.
	require.NoError(t, f.engine.HandleDispatch(ctx, job))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.botMessages(t, conv.ID), 2)

	f.server.FastForward(6 * time.Minute)
	require.NoError(t, f.engine.HandleDispatch(ctx, job))
	require.Eventually(t, func() bool {
		return len(f.botMessages(t, conv.ID)) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInactiveTriggerWaitsForVisitorTurn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bot := model.BotDefinition{
		ID:         "bot-nudge",
		Name:       "nudger",
		Enabled:    true,
		AcceptRule: model.AcceptAll,
		Nodes: []model.BotNode{
			{ID: "idle", Type: model.NodeOnVisitorInactive, InactiveThresholdSec: 60},
			{ID: "nudge", Type: model.NodeDoSendMessage, MessagePayload: "Are you still there?"},
		},
		Edges: []model.BotEdge{{Source: "idle", Target: "nudge"}},
	}
	require.NoError(t, f.store.SaveBot(ctx, bot))
	f.runProcessor(t)

	conv := f.newConversation(t, model.ConversationStatusNew, "bot-nudge")
	now := time.Now().UTC()
	// The visitor spoke last; silence is on our side.
	f.addMessage(t, conv.ID, model.SenderTypeBot, "hello", now.Add(-10*time.Minute))
	f.addMessage(t, conv.ID, model.SenderTypeVisitor, "hi", now.Add(-9*time.Minute))

	require.NoError(t, f.engine.HandleDispatch(ctx, model.BotDispatchJob{
		TriggerType: model.TriggerVisitorInactive,
		Context:     model.JobContext{ConversationID: conv.ID},
	}))
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.botMessages(t, conv.ID), 1)
}
