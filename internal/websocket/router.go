package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/pkg/logger"
	"ollama-chat-be/internal/pkg/serverutils"
	"ollama-chat-be/internal/service"
)

// Router dispatches inbound envelopes to the chat and session services.
// Handlers run on the connection's reader goroutine, so requests from one
// client are processed strictly in arrival order.
type Router struct {
	chatService    service.IChatService
	sessionService service.ISessionService
	logger         logger.ILogger
}

func NewRouter(chatService service.IChatService, sessionService service.ISessionService, log logger.ILogger) *Router {
	return &Router{
		chatService:    chatService,
		sessionService: sessionService,
		logger:         log,
	}
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var req T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
	}
	if err := serverutils.ValidateStruct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Dispatch handles one inbound frame. Failures surface to the client as a
// single error event; they never tear the connection down.
func (r *Router) Dispatch(ctx context.Context, client *Client, env Envelope) {
	var err error

	switch env.Event {
	case dto.EventChatSend:
		err = r.handleChatSend(ctx, client, env.Data)
	case dto.EventChatStop:
		err = r.handleChatStop(client, env.Data)
	case dto.EventSessionCreate:
		err = r.handleSessionCreate(ctx, client)
	case dto.EventSessionOpen:
		err = r.handleSessionOpen(ctx, client, env.Data)
	case dto.EventSessionLoad:
		err = r.handleSessionLoad(ctx, client)
	case dto.EventSessionRename:
		err = r.handleSessionRename(ctx, client, env.Data)
	case dto.EventSessionRegen:
		err = r.handleSessionRegen(ctx, client, env.Data)
	case dto.EventSessionSearch:
		err = r.handleSessionSearch(ctx, client, env.Data)
	case dto.EventSessionDelete:
		err = r.handleSessionDelete(ctx, client, env.Data)
	default:
		err = fmt.Errorf("unknown event: %s", env.Event)
	}

	if err != nil {
		r.logger.Warn("Router", "Event handling failed", map[string]interface{}{
			"event":   env.Event,
			"user_id": client.UserID,
			"error":   err.Error(),
		})
		client.Emit(dto.EventError, dto.ErrorEvent{Message: err.Error()})
	}
}

func (r *Router) handleChatSend(ctx context.Context, client *Client, raw json.RawMessage) error {
	req, err := decode[dto.SendChatRequest](raw)
	if err != nil {
		return err
	}
	return r.chatService.StartStream(ctx, client.UserID, req, client, client.Registry)
}

func (r *Router) handleChatStop(client *Client, raw json.RawMessage) error {
	req, err := decode[dto.StopChatRequest](raw)
	if err != nil {
		return err
	}
	r.chatService.StopStream(req.SessionId, client.Registry)
	return nil
}

func (r *Router) handleSessionCreate(ctx context.Context, client *Client) error {
	session, err := r.sessionService.Create(ctx, client.UserID)
	if err != nil {
		return err
	}
	client.Emit(dto.EventSessionCreated, dto.SessionCreatedEvent{Id: session.Id, Title: session.Title})
	return nil
}

func (r *Router) handleSessionOpen(ctx context.Context, client *Client, raw json.RawMessage) error {
	req, err := decode[dto.OpenSessionRequest](raw)
	if err != nil {
		return err
	}
	history, err := r.sessionService.History(ctx, client.UserID, req.SessionId)
	if err != nil {
		return err
	}
	client.Emit(dto.EventChatHistory, history)
	return nil
}

func (r *Router) handleSessionLoad(ctx context.Context, client *Client) error {
	items, err := r.sessionService.List(ctx, client.UserID)
	if err != nil {
		return err
	}
	client.Emit(dto.EventSessionList, items)
	return nil
}

func (r *Router) handleSessionRename(ctx context.Context, client *Client, raw json.RawMessage) error {
	req, err := decode[dto.RenameSessionRequest](raw)
	if err != nil {
		return err
	}
	return r.sessionService.Rename(ctx, client.UserID, req.SessionId, req.Name)
}

func (r *Router) handleSessionRegen(ctx context.Context, client *Client, raw json.RawMessage) error {
	req, err := decode[dto.RegenerateTitleRequest](raw)
	if err != nil {
		return err
	}
	return r.chatService.RegenerateTitle(ctx, client.UserID, req.SessionId)
}

func (r *Router) handleSessionSearch(ctx context.Context, client *Client, raw json.RawMessage) error {
	req, err := decode[dto.SearchSessionsRequest](raw)
	if err != nil {
		return err
	}
	items, err := r.sessionService.Search(ctx, client.UserID, req.Query)
	if err != nil {
		return err
	}
	client.Emit(dto.EventSessionList, items)
	return nil
}

func (r *Router) handleSessionDelete(ctx context.Context, client *Client, raw json.RawMessage) error {
	req, err := decode[dto.DeleteSessionRequest](raw)
	if err != nil {
		return err
	}
	// A stream bound to the session dies with it. The delete waits for the
	// finisher to release the slot so no partial row lands after the cascade.
	r.chatService.StopStream(req.SessionId, client.Registry)
	if err := client.Registry.WaitIdle(ctx, req.SessionId); err != nil {
		return err
	}
	return r.sessionService.Delete(ctx, client.UserID, req.SessionId)
}
