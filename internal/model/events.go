package model

import "time"

// Event topics consumed by push/notification collaborators.
const (
	EventConversationCreated  = "conversation.created"
	EventConversationQueued   = "conversation.queued"
	EventConversationAssigned = "conversation.assigned"
	EventConversationClosed   = "conversation.closed"
	EventMessageCreated       = "message.created"
	EventOperatorStatus       = "operator.status.changed"
)

// Job topics consumed by the worker.
const (
	JobAssignConversation = "assign-conversation"
	JobBotDispatch        = "bot-dispatch"
	JobBotProcessNode     = "bot-process-node"
	JobConversationStats  = "conversation-stats"
)

type TriggerType string

const (
	TriggerConversationCreated TriggerType = "conversation_created"
	TriggerVisitorInactive     TriggerType = "visitor_inactive"
)

// NodeTypeForTrigger maps a dispatch trigger to the node type that fires on
// it.
func NodeTypeForTrigger(trigger TriggerType) BotNodeType {
	if trigger == TriggerVisitorInactive {
		return NodeOnVisitorInactive
	}
	return NodeOnConversationCreated
}

type AssignJob struct {
	ConversationID string `json:"conversationId"`
}

type JobContext struct {
	ConversationID string `json:"conversationId"`
}

type BotDispatchJob struct {
	TriggerType TriggerType `json:"triggerType"`
	Context     JobContext  `json:"context"`
}

type BotProcessNodeJob struct {
	BotID   string     `json:"botId"`
	NodeID  string     `json:"nodeId"`
	Nodes   []BotNode  `json:"nodes"`
	Edges   []BotEdge  `json:"edges"`
	Context JobContext `json:"context"`
}

type StatsJob struct {
	ConversationID string `json:"conversationId"`
}

// DomainEvent carries the affected entity and the fields the transition
// changed.
type DomainEvent struct {
	Event      string         `json:"event"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Changed    map[string]any `json:"changed,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func NewEvent(event, entityType, entityID string, changed map[string]any) DomainEvent {
	return DomainEvent{
		Event:      event,
		EntityType: entityType,
		EntityID:   entityID,
		Changed:    changed,
		OccurredAt: time.Now().UTC(),
	}
}
