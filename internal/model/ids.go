package model

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

func NewConversationID() string {
	return uuid.NewString()
}

func NewBotID() string {
	return uuid.NewString()
}

// NewMessageID returns a ULID so message ids sort by creation time within
// the append-only log.
func NewMessageID(t time.Time) string {
	id, err := ulid.New(ulid.Timestamp(t), rand.Reader)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
