package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/entity"
	"ollama-chat-be/internal/repository/specification"
	"ollama-chat-be/internal/repository/unitofwork"

	"github.com/google/uuid"
)

// PlaceholderTitle names a session until a real title is generated.
const PlaceholderTitle = "New Conversation"

var ErrSessionNotFound = errors.New("session not found")

type ISessionService interface {
	Create(ctx context.Context, userId uuid.UUID) (*entity.ChatSession, error)
	List(ctx context.Context, userId uuid.UUID) ([]dto.SessionListItem, error)
	History(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) (*dto.ChatHistoryEvent, error)
	Rename(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, name string) error
	Search(ctx context.Context, userId uuid.UUID, query string) ([]dto.SessionListItem, error)
	Delete(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error
}

type sessionService struct {
	uowFactory       unitofwork.RepositoryFactory
	publisherService IPublisherService
}

func NewSessionService(uowFactory unitofwork.RepositoryFactory, publisherService IPublisherService) ISessionService {
	return &sessionService{
		uowFactory:       uowFactory,
		publisherService: publisherService,
	}
}

// findOwned resolves a session only when it belongs to userId. A session
// owned by someone else is reported exactly like a missing one.
func findOwned(ctx context.Context, uow unitofwork.UnitOfWork, userId, sessionId uuid.UUID) (*entity.ChatSession, error) {
	session, err := uow.ChatSessionRepository().FindOne(ctx,
		specification.ByID{ID: sessionId},
		specification.UserOwnedBy{UserID: userId},
	)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// notifySessionsChanged fans a list refresh out to every device of the owner.
func notifySessionsChanged(ctx context.Context, publisher IPublisherService, userId uuid.UUID) {
	if publisher == nil {
		return
	}
	payload, err := json.Marshal(dto.SessionChangedMessage{UserId: userId})
	if err != nil {
		return
	}
	if err := publisher.Publish(ctx, payload); err != nil {
		fmt.Printf("[WARN] Failed to publish session-changed message: %v\n", err)
	}
}

func (s *sessionService) Create(ctx context.Context, userId uuid.UUID) (*entity.ChatSession, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	session := &entity.ChatSession{
		Id:        uuid.New(),
		UserId:    userId,
		Title:     PlaceholderTitle,
		CreatedAt: time.Now(),
	}

	if err := uow.ChatSessionRepository().Create(ctx, session); err != nil {
		return nil, err
	}

	notifySessionsChanged(ctx, s.publisherService, userId)
	return session, nil
}

func (s *sessionService) List(ctx context.Context, userId uuid.UUID) ([]dto.SessionListItem, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	sessions, err := uow.ChatSessionRepository().FindAll(ctx,
		specification.UserOwnedBy{UserID: userId},
		specification.OrderBy{Field: "updated_at", Desc: true},
	)
	if err != nil {
		return nil, err
	}

	items := make([]dto.SessionListItem, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, dto.SessionListItem{
			Id:        session.Id,
			Title:     session.Title,
			UpdatedAt: session.UpdatedAt,
		})
	}
	return items, nil
}

func (s *sessionService) History(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) (*dto.ChatHistoryEvent, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	session, err := findOwned(ctx, uow, userId, sessionId)
	if err != nil {
		return nil, err
	}

	messages, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: session.Id},
		specification.OrderBy{Field: "created_at", Desc: false},
	)
	if err != nil {
		return nil, err
	}

	history := &dto.ChatHistoryEvent{
		SessionId: session.Id,
		Messages:  make([]dto.ChatHistoryMessage, 0, len(messages)),
	}
	for _, m := range messages {
		history.Messages = append(history.Messages, dto.ChatHistoryMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			Done:      m.Done,
			CreatedAt: m.CreatedAt,
		})
	}
	return history, nil
}

func (s *sessionService) Rename(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, name string) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	session, err := findOwned(ctx, uow, userId, sessionId)
	if err != nil {
		return err
	}

	session.Title = name
	if err := uow.ChatSessionRepository().Update(ctx, session); err != nil {
		return err
	}

	notifySessionsChanged(ctx, s.publisherService, userId)
	return nil
}

func (s *sessionService) Search(ctx context.Context, userId uuid.UUID, query string) ([]dto.SessionListItem, error) {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	sessions, err := uow.ChatSessionRepository().FindAll(ctx,
		specification.UserOwnedBy{UserID: userId},
		specification.MessageContentSearch{Query: query},
		specification.OrderBy{Field: "chat_sessions.updated_at", Desc: true},
	)
	if err != nil {
		return nil, err
	}

	items := make([]dto.SessionListItem, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, dto.SessionListItem{
			Id:        session.Id,
			Title:     session.Title,
			UpdatedAt: session.UpdatedAt,
		})
	}
	return items, nil
}

func (s *sessionService) Delete(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	session, err := findOwned(ctx, uow, userId, sessionId)
	if err != nil {
		return err
	}

	// Session and its messages disappear together
	if err := uow.Begin(ctx); err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.ChatMessageRepository().DeleteBySessionId(ctx, session.Id); err != nil {
		return err
	}
	if err := uow.ChatSessionRepository().Delete(ctx, session.Id); err != nil {
		return err
	}

	if err := uow.Commit(); err != nil {
		return err
	}

	notifySessionsChanged(ctx, s.publisherService, userId)
	return nil
}
