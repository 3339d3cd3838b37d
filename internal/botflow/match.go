package botflow

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"chatroute/internal/model"
	"chatroute/internal/sandbox"
	"chatroute/internal/store"
)

const queuePositionPlaceholder = "{{queuePosition}}"

// HandleVisitorMessage matches a visitor message against the attached bot's
// question nodes. Global questions win over base-scoped ones; a base-scoped
// match may switch the active base for the next turn.
func (e *Engine) HandleVisitorMessage(ctx context.Context, conversationID, text string) error {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.BotID == "" {
		return nil
	}
	switch conv.Status {
	case model.ConversationStatusNew, model.ConversationStatusQueued:
	default:
		return nil
	}

	bot, err := e.store.GetBot(ctx, conv.BotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	bctx, found, err := e.contexts.Load(ctx, conv.ID)
	if err != nil {
		return err
	}
	if !found {
		bctx = model.BotContext{
			ConversationID: conv.ID,
			BotID:          bot.ID,
			ActiveBaseIDs:  bot.InitialBaseIDs,
		}
	}
	question, matched := matchQuestion(bot, bctx.ActiveBaseIDs, text)
	if !matched {
		noMatch := strings.TrimSpace(bot.NoMatchMessage)
		if noMatch == "" {
			noMatch = e.cfg.Bot.NoMatchMessage
		}
		if _, err := e.dispatcher.SendMessage(ctx, conv.ID, model.SenderTypeBot, bot.ID, model.MessageTypeChat, noMatch); err != nil {
			return err
		}
		return e.contexts.Save(ctx, bctx)
	}

	in := sandbox.In{
		Data:           bctx.Data,
		Input:          text,
		Answer:         question.Answer,
		AssignOperator: question.AssignOperator,
	}
	out := e.runner.Run(ctx, question.Script, in, e.scriptHost(conv.ID))
	bctx.Data = out.Data

	// The flag makes the assignment request fire at most once.
	requestAssign := out.AssignOperator && !bctx.OperatorAssigned
	if requestAssign {
		full, err := e.queueFull(ctx)
		if err != nil {
			return err
		}
		if full {
			// The queue-full notice replaces the answer; the bot stays in
			// charge so the visitor is not left talking to no one.
			if _, err := e.dispatcher.SendMessage(ctx, conv.ID, model.SenderTypeBot, bot.ID, model.MessageTypeChat, e.cfg.Routing.QueueFullMessage); err != nil {
				return err
			}
			return e.contexts.Save(ctx, bctx)
		}
	}

	if answer := strings.TrimSpace(out.Answer); answer != "" {
		rendered, err := e.renderAnswer(ctx, conv.ID, answer)
		if err != nil {
			return err
		}
		if _, err := e.dispatcher.SendMessage(ctx, conv.ID, model.SenderTypeBot, bot.ID, model.MessageTypeChat, rendered); err != nil {
			return err
		}
	}

	if !question.Global && question.NextBaseID != "" {
		bctx.ActiveBaseIDs = []string{question.NextBaseID}
	}

	if requestAssign {
		bctx.OperatorAssigned = true
		if err := e.contexts.Save(ctx, bctx); err != nil {
			return err
		}
		return e.bus.Publish(model.JobAssignConversation, conv.ID, model.AssignJob{ConversationID: conv.ID})
	}
	return e.contexts.Save(ctx, bctx)
}

// matchQuestion scans global questions first, then the questions of the
// currently active bases, in node order.
func matchQuestion(bot model.BotDefinition, activeBaseIDs []string, text string) (model.QuestionSpec, bool) {
	input := normalize(text)
	active := map[string]bool{}
	for _, id := range activeBaseIDs {
		active[id] = true
	}

	var scoped []model.QuestionSpec
	for _, node := range bot.Nodes {
		if node.Type != model.NodeQuestion || node.Question == nil {
			continue
		}
		q := *node.Question
		if q.Global {
			if questionMatches(q, input) {
				return q, true
			}
			continue
		}
		if len(active) == 0 && q.BaseID == "" {
			scoped = append(scoped, q)
		} else if active[q.BaseID] {
			scoped = append(scoped, q)
		}
	}
	for _, q := range scoped {
		if questionMatches(q, input) {
			return q, true
		}
	}
	return model.QuestionSpec{}, false
}

func questionMatches(q model.QuestionSpec, input string) bool {
	for _, candidate := range append([]string{q.Question}, q.Similar...) {
		candidate = normalize(candidate)
		if candidate == "" {
			continue
		}
		switch q.Matcher {
		case model.MatcherContains:
			if strings.Contains(input, candidate) {
				return true
			}
		default:
			if input == candidate {
				return true
			}
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// renderAnswer substitutes the visitor's prospective queue position into the
// answer template.
func (e *Engine) renderAnswer(ctx context.Context, conversationID, answer string) (string, error) {
	if !strings.Contains(answer, queuePositionPlaceholder) {
		return answer, nil
	}
	pos, ok, err := e.queue.Position(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !ok {
		size, err := e.queue.Size(ctx)
		if err != nil {
			return "", err
		}
		pos = size + 1
	}
	return strings.ReplaceAll(answer, queuePositionPlaceholder, strconv.FormatInt(pos, 10)), nil
}

func (e *Engine) queueFull(ctx context.Context) (bool, error) {
	if e.cfg.Routing.QueueCapacity <= 0 {
		return false, nil
	}
	size, err := e.queue.Size(ctx)
	if err != nil {
		return false, err
	}
	return size >= int64(e.cfg.Routing.QueueCapacity), nil
}

type scriptHost struct {
	engine         *Engine
	conversationID string
}

func (e *Engine) scriptHost(conversationID string) sandbox.Host {
	return scriptHost{engine: e, conversationID: conversationID}
}

func (h scriptHost) QueueLength(ctx context.Context) (int64, error) {
	return h.engine.queue.Size(ctx)
}

func (h scriptHost) QueuePosition(ctx context.Context) (int64, error) {
	pos, ok, err := h.engine.queue.Position(ctx, h.conversationID)
	if err != nil || !ok {
		return 0, err
	}
	return pos, nil
}

func (h scriptHost) AnyOperatorReady(ctx context.Context) (bool, error) {
	ready, err := h.engine.capacity.ReadyOperators(ctx)
	if err != nil {
		return false, err
	}
	return len(ready) > 0, nil
}

func (h scriptHost) MaxQueueLength(ctx context.Context) (int64, error) {
	return int64(h.engine.cfg.Routing.QueueCapacity), nil
}
