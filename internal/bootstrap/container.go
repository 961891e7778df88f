package bootstrap

import (
	"context"
	"log"

	"ollama-chat-be/internal/config"
	"ollama-chat-be/internal/controller"
	"ollama-chat-be/internal/handler"
	"ollama-chat-be/internal/pkg/logger"
	"ollama-chat-be/internal/pkg/mailer"
	"ollama-chat-be/internal/repository/unitofwork"
	"ollama-chat-be/internal/service"
	"ollama-chat-be/internal/websocket"
	"ollama-chat-be/pkg/ollama"

	pktNats "ollama-chat-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const sessionChangedTopic = "sessions.changed"

type Container struct {
	// Controllers
	AuthController  controller.IAuthController
	ModelController controller.IModelController

	// Background Services (Exposed for main.go to run)
	ConsumerService service.IConsumerService

	// WebSockets
	ChatWSHandler *handler.ChatWSHandler
	WebSocketHub  *websocket.Hub
}

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	uowFactory := unitofwork.NewRepositoryFactory(db)
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	emailService := mailer.NewEmailService(
		cfg.SMTP.Host,
		cfg.SMTP.Port,
		cfg.SMTP.Email,
		cfg.SMTP.Password,
		cfg.SMTP.SenderName,
		cfg.App.ClientURL,
	)

	ollamaClient := ollama.NewClient(
		cfg.Ollama.BaseURL,
		cfg.Ollama.RequestTimeout,
		cfg.Ollama.StreamTimeout,
	)

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)

	// NATS
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL)
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
	}
	natsSub, err := pktNats.NewSubscriber(cfg.App.NatsURL)
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Subscriber: %v", err)
	}

	// Redis
	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{
			Addr: cfg.App.RedisURL,
		}
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Printf("[WARN] Failed to connect to Redis: %v", err)
		rdb = nil
	}

	// WebSocket Hub
	chatLogger := logger.NewIsolatedLogger(cfg.App.ChatLogFilePath)
	wsHub := websocket.NewHub(rdb, chatLogger)
	go wsHub.Run()

	// 3. Services
	publisherService := service.NewPublisherService(pubSub, sessionChangedTopic)

	authService := service.NewAuthService(uowFactory, emailService, natsPub, cfg.Auth.TokenTTL)
	modelService := service.NewModelService(ollamaClient, sysLogger, natsPub)
	sessionService := service.NewSessionService(uowFactory, publisherService)
	chatService := service.NewChatService(
		uowFactory,
		ollamaClient,
		modelService,
		publisherService,
		chatLogger,
		cfg.Ollama.TitleModel,
	)

	consumerService := service.NewConsumerService(
		pubSub,
		sessionChangedTopic,
		sessionService,
		wsHub,
	)

	if natsSub != nil {
		broadcastService := service.NewBroadcastService(natsSub, wsHub, chatLogger)
		go broadcastService.Start()
	}

	// 4. Realtime wiring
	wsRouter := websocket.NewRouter(chatService, sessionService, chatLogger)
	wsHandler := handler.NewChatWSHandler(wsHub, wsRouter, chatLogger)

	return &Container{
		AuthController:  controller.NewAuthController(authService),
		ModelController: controller.NewModelController(modelService),

		ConsumerService: consumerService,

		ChatWSHandler: wsHandler,
		WebSocketHub:  wsHub,
	}
}
