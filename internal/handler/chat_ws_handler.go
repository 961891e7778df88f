package handler

import (
	"ollama-chat-be/internal/pkg/logger"
	"ollama-chat-be/internal/pkg/serverutils"
	internalWS "ollama-chat-be/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ChatWSHandler upgrades authenticated clients onto the chat websocket.
type ChatWSHandler struct {
	hub    *internalWS.Hub
	router *internalWS.Router
	logger logger.ILogger
}

func NewChatWSHandler(hub *internalWS.Hub, router *internalWS.Router, log logger.ILogger) *ChatWSHandler {
	return &ChatWSHandler{
		hub:    hub,
		router: router,
		logger: log,
	}
}

// ServeWs handles websocket requests from the peer.
func (h *ChatWSHandler) ServeWs(c *fiber.Ctx) error {
	// Browsers cannot set headers on websocket handshakes, so the query
	// param comes first.
	tokenStr := c.Query("token")
	if tokenStr == "" {
		authHeader := c.Get("Authorization")
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			tokenStr = authHeader[7:]
		}
	}

	if tokenStr == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing token (Query 'token' or Header 'Authorization')"})
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.ErrUnauthorized
		}
		return serverutils.JWTSecret(), nil
	})
	if err != nil || !token.Valid {
		h.logger.Warn("ChatWSHandler", "Invalid token in WS handshake", map[string]interface{}{"error": err})
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	userIDStr, ok := claims["user_id"].(string)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Token missing user_id"})
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user ID format in token"})
	}

	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(func(conn *websocket.Conn) {
			h.logger.Info("ChatWSHandler", "Starting chat session", map[string]interface{}{"user_id": userID})
			internalWS.ServeWs(h.hub, h.router, conn, userID)
			h.logger.Info("ChatWSHandler", "Chat session ended", map[string]interface{}{"user_id": userID})
		})(c)
	}
	return fiber.ErrUpgradeRequired
}

// RegisterRoutes registers the websocket endpoint.
func (h *ChatWSHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/ws", h.ServeWs)
}
