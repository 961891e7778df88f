package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/entity"
	"ollama-chat-be/internal/pkg/logger"
	"ollama-chat-be/internal/repository/specification"
	"ollama-chat-be/internal/repository/unitofwork"
	"ollama-chat-be/pkg/ollama"

	"github.com/google/uuid"
)

const titlePrompt = `Create a concise title for the AI conversation based on the topic below.
Most importantly, only include the title, absolutely nothing else.
Don't answer the question, just create a title for this message %s`

var (
	ErrModelNotReady = errors.New("selected model is not loaded")
	ErrStreamActive  = errors.New("a reply is already streaming for this session")
)

// StreamEmitter pushes a named event to the connection that issued the
// request. Implemented by the websocket client.
type StreamEmitter interface {
	Emit(event string, data interface{})
}

// StreamRegistry tracks the live stream bound to each session on one
// connection. Register reserves the slot before any row is written so a
// duplicate send is rejected without side effects.
type StreamRegistry interface {
	Register(sessionId uuid.UUID) error
	Bind(sessionId uuid.UUID, stream *ollama.ChatStream)
	Remove(sessionId uuid.UUID)
	Stop(sessionId uuid.UUID) bool
	StopAll()
}

type IChatService interface {
	StartStream(ctx context.Context, userId uuid.UUID, req *dto.SendChatRequest, emitter StreamEmitter, registry StreamRegistry) error
	StopStream(sessionId uuid.UUID, registry StreamRegistry)
	RegenerateTitle(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error
}

type chatService struct {
	uowFactory       unitofwork.RepositoryFactory
	client           *ollama.Client
	modelService     IModelService
	publisherService IPublisherService
	log              logger.ILogger
	titleModel       string
}

func NewChatService(
	uowFactory unitofwork.RepositoryFactory,
	client *ollama.Client,
	modelService IModelService,
	publisherService IPublisherService,
	log logger.ILogger,
	titleModel string,
) IChatService {
	return &chatService{
		uowFactory:       uowFactory,
		client:           client,
		modelService:     modelService,
		publisherService: publisherService,
		log:              log,
		titleModel:       titleModel,
	}
}

func (s *chatService) StartStream(ctx context.Context, userId uuid.UUID, req *dto.SendChatRequest, emitter StreamEmitter, registry StreamRegistry) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	session, err := findOwned(ctx, uow, userId, req.SessionId)
	if err != nil {
		return err
	}

	if !s.modelService.IsModelReady(ctx, req.Model) {
		return ErrModelNotReady
	}

	// Reserve the slot before touching the database so a duplicate send
	// leaves no rows behind.
	if err := registry.Register(session.Id); err != nil {
		return ErrStreamActive
	}

	history, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: session.Id},
		specification.OrderBy{Field: "created_at", Desc: false},
	)
	if err != nil {
		registry.Remove(session.Id)
		return err
	}
	firstExchange := len(history) == 0

	messages := make([]ollama.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, ollama.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, ollama.Message{Role: string(entity.ChatMessageRoleUser), Content: req.Message})

	userMessage := &entity.ChatMessage{
		Id:            uuid.New(),
		ChatSessionId: session.Id,
		Role:          entity.ChatMessageRoleUser,
		Content:       req.Message,
		Done:          true,
		CreatedAt:     time.Now(),
	}
	if err := uow.ChatMessageRepository().Create(ctx, userMessage); err != nil {
		registry.Remove(session.Id)
		return err
	}

	var buf strings.Builder
	sessionId := session.Id

	stream, err := s.client.StreamChat(ctx, req.Model, messages, func(frag ollama.Fragment) {
		if frag.Content != "" {
			buf.WriteString(frag.Content)
		}
		emitter.Emit(dto.EventChatMessage, dto.ChatMessageEvent{
			Content:   frag.Content,
			Done:      frag.Done,
			SessionId: sessionId,
		})
	})
	if err != nil {
		registry.Remove(sessionId)
		return err
	}
	registry.Bind(sessionId, stream)

	go s.finishStream(userId, sessionId, req, stream, &buf, firstExchange, emitter, registry)
	return nil
}

// finishStream waits for the reader goroutine to exit, then writes the single
// assistant row for the exchange. Wait returning is the only ordering
// guarantee needed: no handler invocation can follow it.
func (s *chatService) finishStream(
	userId uuid.UUID,
	sessionId uuid.UUID,
	req *dto.SendChatRequest,
	stream *ollama.ChatStream,
	buf *strings.Builder,
	firstExchange bool,
	emitter StreamEmitter,
	registry StreamRegistry,
) {
	streamErr := stream.Wait()
	content := buf.String()

	ctx := context.Background()
	uow := s.uowFactory.NewUnitOfWork(ctx)

	switch {
	case stream.Cancelled():
		if content != "" {
			partial := &entity.ChatMessage{
				Id:            uuid.New(),
				ChatSessionId: sessionId,
				Role:          entity.ChatMessageRoleAssistant,
				Content:       content,
				Done:          false,
				Meta:          &entity.MessageMeta{Model: req.Model, Cancelled: true},
				CreatedAt:     time.Now(),
			}
			if err := uow.ChatMessageRepository().Create(ctx, partial); err != nil {
				s.log.Error("chat", "failed to persist partial assistant message", map[string]interface{}{"session_id": sessionId, "error": err.Error()})
				emitter.Emit(dto.EventError, dto.ErrorEvent{Message: "failed to save partial reply"})
			}
		}
		emitter.Emit(dto.EventChatMessage, dto.ChatMessageEvent{Content: "", Done: true, SessionId: sessionId})

	case streamErr != nil:
		s.log.Error("chat", "stream failed", map[string]interface{}{"session_id": sessionId, "error": streamErr.Error()})
		if content != "" {
			partial := &entity.ChatMessage{
				Id:            uuid.New(),
				ChatSessionId: sessionId,
				Role:          entity.ChatMessageRoleAssistant,
				Content:       content,
				Done:          false,
				Meta:          &entity.MessageMeta{Model: req.Model, Cancelled: true},
				CreatedAt:     time.Now(),
			}
			if err := uow.ChatMessageRepository().Create(ctx, partial); err != nil {
				s.log.Error("chat", "failed to persist partial assistant message", map[string]interface{}{"session_id": sessionId, "error": err.Error()})
			}
		}
		emitter.Emit(dto.EventError, dto.ErrorEvent{Message: "failed to generate chat response"})
		emitter.Emit(dto.EventChatMessage, dto.ChatMessageEvent{Content: "", Done: true, SessionId: sessionId})

	default:
		final := &entity.ChatMessage{
			Id:            uuid.New(),
			ChatSessionId: sessionId,
			Role:          entity.ChatMessageRoleAssistant,
			Content:       content,
			Done:          true,
			Meta:          &entity.MessageMeta{Model: req.Model},
			CreatedAt:     time.Now(),
		}
		// The client already saw every fragment; a failed save is reported
		// but nothing is rolled back.
		if err := uow.ChatMessageRepository().Create(ctx, final); err != nil {
			s.log.Error("chat", "failed to persist assistant message", map[string]interface{}{"session_id": sessionId, "error": err.Error()})
			emitter.Emit(dto.EventError, dto.ErrorEvent{Message: "failed to save reply"})
		}
	}

	if err := uow.ChatSessionRepository().Touch(ctx, sessionId); err != nil {
		s.log.Warn("chat", "failed to touch session", map[string]interface{}{"session_id": sessionId, "error": err.Error()})
	}
	registry.Remove(sessionId)

	if firstExchange && !stream.Cancelled() && streamErr == nil {
		go s.generateTitle(ctx, userId, sessionId, req.Message)
	}
}

// StopStream cancels the stream bound to sessionId, if any. The partial flush
// and terminal done frame are emitted by the finisher once the reader exits,
// and the session keeps rejecting sends until that flush has landed. Stop on
// an idle session is a pure no-op.
func (s *chatService) StopStream(sessionId uuid.UUID, registry StreamRegistry) {
	registry.Stop(sessionId)
}

func (s *chatService) RegenerateTitle(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error {
	uow := s.uowFactory.NewUnitOfWork(ctx)

	session, err := findOwned(ctx, uow, userId, sessionId)
	if err != nil {
		return err
	}

	messages, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: session.Id},
		specification.OrderBy{Field: "created_at", Desc: false},
	)
	if err != nil {
		return err
	}

	var seed string
	for _, m := range messages {
		if m.Role == entity.ChatMessageRoleUser {
			seed = m.Content
			break
		}
	}
	if seed == "" {
		return errors.New("session has no messages to title")
	}

	s.generateTitle(ctx, userId, session.Id, seed)
	return nil
}

// generateTitle asks the title model for a name and renames the session.
// Failure is logged, never surfaced; the placeholder title stays.
func (s *chatService) generateTitle(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, message string) {
	if !s.modelService.IsModelReady(ctx, s.titleModel) {
		s.log.Warn("chat", "title model not loaded, keeping placeholder title", map[string]interface{}{"model": s.titleModel})
		return
	}

	raw, err := s.client.Generate(ctx, s.titleModel, strings.Replace(titlePrompt, "%s", message, 1))
	if err != nil {
		s.log.Warn("chat", "title generation failed", map[string]interface{}{"session_id": sessionId, "error": err.Error()})
		return
	}

	title := strings.TrimSpace(strings.ReplaceAll(raw, `"`, ""))
	if title == "" {
		return
	}

	uow := s.uowFactory.NewUnitOfWork(ctx)
	session, err := findOwned(ctx, uow, userId, sessionId)
	if err != nil {
		return
	}
	session.Title = title
	if err := uow.ChatSessionRepository().Update(ctx, session); err != nil {
		s.log.Warn("chat", "failed to save generated title", map[string]interface{}{"session_id": sessionId, "error": err.Error()})
		return
	}

	notifySessionsChanged(ctx, s.publisherService, userId)
}
