package dto

import (
	"time"

	"github.com/google/uuid"
)

// Inbound websocket requests. Every frame is an Envelope whose Data decodes
// into one of the request types below, keyed by Event.

const (
	EventChatSend        = "chat:send"
	EventChatStop        = "chat:stop"
	EventSessionCreate   = "session:create"
	EventSessionOpen     = "session:open"
	EventSessionLoad     = "session:load"
	EventSessionRename   = "session:rename"
	EventSessionRegen    = "session:regenerateTitle"
	EventSessionSearch   = "session:search"
	EventSessionDelete   = "session:delete"

	EventChatMessage    = "chat:message"
	EventChatHistory    = "chat:history"
	EventSessionCreated = "session:created"
	EventSessionList    = "session:list"
	EventError          = "error"
)

type SendChatRequest struct {
	SessionId uuid.UUID `json:"session_id" validate:"required"`
	Message   string    `json:"message" validate:"required"`
	Model     string    `json:"model" validate:"required"`
}

type StopChatRequest struct {
	SessionId uuid.UUID `json:"session_id" validate:"required"`
}

type OpenSessionRequest struct {
	SessionId uuid.UUID `json:"session_id" validate:"required"`
}

type RenameSessionRequest struct {
	SessionId uuid.UUID `json:"session_id" validate:"required"`
	Name      string    `json:"name" validate:"required,max=200"`
}

type RegenerateTitleRequest struct {
	SessionId uuid.UUID `json:"session_id" validate:"required"`
}

type SearchSessionsRequest struct {
	Query string `json:"query" validate:"required,max=200"`
}

type DeleteSessionRequest struct {
	SessionId uuid.UUID `json:"session_id" validate:"required"`
}

// Outbound websocket events.

type ChatMessageEvent struct {
	Content   string    `json:"content"`
	Done      bool      `json:"done"`
	SessionId uuid.UUID `json:"session_id"`
}

type ChatHistoryEvent struct {
	SessionId uuid.UUID            `json:"session_id"`
	Messages  []ChatHistoryMessage `json:"messages"`
}

type ChatHistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionCreatedEvent struct {
	Id    uuid.UUID `json:"id"`
	Title string    `json:"title"`
}

type SessionListItem struct {
	Id        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	UpdatedAt *time.Time `json:"updated_at"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

// SessionChangedMessage rides the in-process pubsub; the consumer refreshes
// the owner's session list on every device.
type SessionChangedMessage struct {
	UserId uuid.UUID `json:"user_id"`
}
