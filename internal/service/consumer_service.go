package service

import (
	"context"
	"encoding/json"
	"log"

	"ollama-chat-be/internal/dto"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// RealtimeDelivery pushes events to connected websocket clients.
// Implemented by the websocket Hub.
type RealtimeDelivery interface {
	Send(userID uuid.UUID, event string, data interface{})
	Broadcast(event string, data interface{})
}

type IConsumerService interface {
	Consume(ctx context.Context) error
}

type consumerService struct {
	pubSub         *gochannel.GoChannel
	topicName      string
	sessionService ISessionService
	delivery       RealtimeDelivery
}

func NewConsumerService(
	pubSub *gochannel.GoChannel,
	topicName string,
	sessionService ISessionService,
	delivery RealtimeDelivery,
) IConsumerService {
	return &consumerService{
		pubSub:         pubSub,
		topicName:      topicName,
		sessionService: sessionService,
		delivery:       delivery,
	}
}

func (cs *consumerService) Consume(ctx context.Context) error {
	messages, err := cs.pubSub.Subscribe(ctx, cs.topicName)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			cs.processMessage(ctx, msg)
		}
	}()

	return nil
}

func (cs *consumerService) processMessage(ctx context.Context, msg *message.Message) {
	var payload dto.SessionChangedMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Printf("[ERROR] Failed to unmarshal session-changed message: %v", err)
		msg.Ack() // Ack invalid messages to prevent infinite retry
		return
	}

	items, err := cs.sessionService.List(ctx, payload.UserId)
	if err != nil {
		log.Printf("[ERROR] Failed to load session list for %s: %v", payload.UserId, err)
		msg.Nack()
		return
	}

	if cs.delivery != nil {
		cs.delivery.Send(payload.UserId, dto.EventSessionList, items)
	}
	msg.Ack()
}
