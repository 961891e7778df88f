package service

import (
	"context"

	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/pkg/logger"
	"ollama-chat-be/pkg/events"
	pktNats "ollama-chat-be/pkg/nats"
)

// BroadcastService relays model lifecycle events from the event bus to every
// connected client, so model pickers refresh without polling.
type BroadcastService struct {
	subscriber *pktNats.Subscriber
	delivery   RealtimeDelivery
	logger     logger.ILogger
}

func NewBroadcastService(sub *pktNats.Subscriber, delivery RealtimeDelivery, log logger.ILogger) *BroadcastService {
	return &BroadcastService{
		subscriber: sub,
		delivery:   delivery,
		logger:     log,
	}
}

func (s *BroadcastService) Start() {
	err := s.subscriber.Subscribe("events.>", "broadcast-service-worker", s.handleEvent)
	if err != nil {
		s.logger.Error("BroadcastService", "Failed to start broadcast subscriber", map[string]interface{}{"error": err})
		return
	}
	s.logger.Info("BroadcastService", "Broadcast service started, listening to events.>", nil)
}

func (s *BroadcastService) handleEvent(ctx context.Context, event events.Event) error {
	if s.delivery == nil {
		return nil
	}

	model, _ := event.Payload()["model"].(string)

	switch event.EventType() {
	case events.TypeModelLoaded:
		s.delivery.Broadcast(dto.EventModelLoaded, dto.ModelLifecycleEvent{Model: model})
	case events.TypeModelUnloaded:
		s.delivery.Broadcast(dto.EventModelUnloaded, dto.ModelLifecycleEvent{Model: model})
	}
	return nil
}
