package entity

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
)

// MessageMeta is extra per-message context persisted alongside assistant
// replies (which model produced it, whether the stream was cut short).
type MessageMeta struct {
	Model     string `json:"model,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type ChatMessage struct {
	Id            uuid.UUID
	ChatSessionId uuid.UUID
	Role          string
	Content       string
	Done          bool
	Meta          *MessageMeta
	CreatedAt     time.Time
}
