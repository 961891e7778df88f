package specification

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ByChatSessionID struct {
	ChatSessionID uuid.UUID
}

func (s ByChatSessionID) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("chat_session_id = ?", s.ChatSessionID)
}

// MessageContentSearch filters sessions whose messages contain the query,
// case-insensitive. Requires the base query to target chat_sessions.
type MessageContentSearch struct {
	Query string
}

func (s MessageContentSearch) Apply(db *gorm.DB) *gorm.DB {
	pattern := "%" + s.Query + "%"
	return db.
		Joins("JOIN chat_messages ON chat_messages.chat_session_id = chat_sessions.id").
		Where("chat_messages.content ILIKE ?", pattern).
		Where("chat_messages.deleted_at IS NULL").
		Distinct("chat_sessions.*")
}
