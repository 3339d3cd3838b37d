package model

import "time"

type ConversationStatus string

const (
	ConversationStatusNew        ConversationStatus = "new"
	ConversationStatusQueued     ConversationStatus = "queued"
	ConversationStatusInProgress ConversationStatus = "in_progress"
	ConversationStatusSolved     ConversationStatus = "solved"
)

type OperatorStatus string

const (
	OperatorStatusReady OperatorStatus = "ready"
	OperatorStatusBusy  OperatorStatus = "busy"
	OperatorStatusAway  OperatorStatus = "away"
)

type SenderType string

const (
	SenderTypeVisitor  SenderType = "visitor"
	SenderTypeOperator SenderType = "operator"
	SenderTypeBot      SenderType = "bot"
	SenderTypeSystem   SenderType = "system"
)

type MessageType string

const (
	MessageTypeChat  MessageType = "chat"
	MessageTypeLog   MessageType = "log"
	MessageTypeEvent MessageType = "event"
)

type Conversation struct {
	ID                 string             `json:"id" gorm:"primaryKey"`
	VisitorID          string             `json:"visitor_id" gorm:"index"`
	OperatorID         string             `json:"operator_id,omitempty" gorm:"index"`
	BotID              string             `json:"bot_id,omitempty"`
	Status             ConversationStatus `json:"status" gorm:"index"`
	CategoryID         string             `json:"category_id,omitempty"`
	QueuedAt           *time.Time         `json:"queued_at,omitempty"`
	ClosedAt           *time.Time         `json:"closed_at,omitempty"`
	EvaluationStar     int                `json:"evaluation_star,omitempty"`
	EvaluationFeedback string             `json:"evaluation_feedback,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

type Operator struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	Name             string    `json:"name"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Message rows are append-only; nothing in the system updates them.
type Message struct {
	ID             string      `json:"id" gorm:"primaryKey"`
	ConversationID string      `json:"conversation_id" gorm:"index"`
	SenderType     SenderType  `json:"sender_type"`
	SenderID       string      `json:"sender_id,omitempty"`
	Type           MessageType `json:"type"`
	Payload        string      `json:"payload"`
	CreatedAt      time.Time   `json:"created_at" gorm:"index"`
}

type ConversationStats struct {
	ConversationID       string    `json:"conversation_id" gorm:"primaryKey"`
	VisitorMessageCount  int       `json:"visitor_message_count"`
	OperatorMessageCount int       `json:"operator_message_count"`
	BotMessageCount      int       `json:"bot_message_count"`
	FirstResponseSeconds float64   `json:"first_response_seconds"`
	TotalResponseSeconds float64   `json:"total_response_seconds"`
	AvgResponseSeconds   float64   `json:"avg_response_seconds"`
	ReceptionSeconds     float64   `json:"reception_seconds"`
	QueueWaitSeconds     float64   `json:"queue_wait_seconds"`
	ComputedAt           time.Time `json:"computed_at"`
}

// BotContext is the ephemeral per-conversation automation state. Author
// scripts may only mutate Data; the remaining fields are engine-internal.
type BotContext struct {
	ConversationID   string         `json:"conversation_id" msgpack:"conversation_id"`
	BotID            string         `json:"bot_id" msgpack:"bot_id"`
	ActiveBaseIDs    []string       `json:"active_base_ids" msgpack:"active_base_ids"`
	OperatorAssigned bool           `json:"operator_assigned" msgpack:"operator_assigned"`
	Data             map[string]any `json:"data,omitempty" msgpack:"data"`
}
