package websocket

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	Hub *Hub

	// The websocket connection.
	Conn *websocket.Conn

	// UserID associated with this connection
	UserID uuid.UUID

	// Buffered channel of outbound messages.
	Send chan []byte

	// Registry holds the streams started by this connection. They are
	// cancelled when the connection goes away.
	Registry *StreamRegistry

	router *Router

	// ctx lives as long as the connection; streams started from it are
	// bounded by connection lifetime plus their own stream timeout.
	ctx    context.Context
	cancel context.CancelFunc
}

// Emit queues one outbound event for this connection only. Safe to call from
// any goroutine; a slow consumer drops frames rather than blocking a stream.
func (c *Client) Emit(event string, data interface{}) {
	frame, err := marshalEnvelope(event, data)
	if err != nil {
		log.Printf("emit marshal error for user %s: %v", c.UserID, err)
		return
	}
	select {
	case c.Send <- frame:
	default:
		log.Printf("send buffer full for user %s, dropping %s", c.UserID, event)
	}
}

// readPump pumps messages from the websocket connection into the router.
func (c *Client) readPump() {
	defer func() {
		c.Registry.StopAll()
		c.cancel()
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("readPump error for user %s: %v", c.UserID, err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			log.Printf("malformed frame from user %s", c.UserID)
			continue
		}

		c.router.Dispatch(c.ctx, c, env)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs wires one authenticated connection into the hub and runs its pumps.
// Blocks until the connection closes.
func ServeWs(hub *Hub, router *Router, conn *websocket.Conn, userID uuid.UUID) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		Hub:      hub,
		Conn:     conn,
		UserID:   userID,
		Send:     make(chan []byte, 256),
		Registry: NewStreamRegistry(),
		router:   router,
		ctx:      ctx,
		cancel:   cancel,
	}
	client.Hub.register <- client

	go client.writePump()
	client.readPump()
}
