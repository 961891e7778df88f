package events

import "time"

// Event defines the contract for all system events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "USER_LOGIN").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// Event type codes published by this service.
const (
	TypeUserRegistered = "USER_REGISTERED"
	TypeUserLogin      = "USER_LOGIN"
	TypeModelLoaded    = "MODEL_LOADED"
	TypeModelUnloaded  = "MODEL_UNLOADED"
)

func NewUserRegistered(userId, username string) Event {
	return BaseEvent{
		Type:       TypeUserRegistered,
		Data:       map[string]interface{}{"user_id": userId, "username": username},
		OccurredAt: time.Now(),
	}
}

func NewUserLogin(userId, username string) Event {
	return BaseEvent{
		Type:       TypeUserLogin,
		Data:       map[string]interface{}{"user_id": userId, "username": username},
		OccurredAt: time.Now(),
	}
}

func NewModelLoaded(model string) Event {
	return BaseEvent{
		Type:       TypeModelLoaded,
		Data:       map[string]interface{}{"model": model},
		OccurredAt: time.Now(),
	}
}

func NewModelUnloaded(model string) Event {
	return BaseEvent{
		Type:       TypeModelUnloaded,
		Data:       map[string]interface{}{"model": model},
		OccurredAt: time.Now(),
	}
}
