package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Hub fans events out to websocket subscribers by topic. Publish is
// fire-and-forget: a dead connection is dropped, never retried.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) subscribe(topic string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*websocket.Conn]struct{})
	}
	h.subs[topic][c] = struct{}{}
}

func (h *Hub) unsubscribe(topic string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[topic], c)
}

// Publish sends the payload to every subscriber of the topic. Connections that
// fail to accept the write are removed.
func (h *Hub) Publish(topic string, payload any) error {
	msg, err := json.Marshal(map[string]any{
		"topic":   topic,
		"payload": payload,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[topic] {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("Dropping dead websocket subscriber", "topic", topic, "error", err)
			delete(h.subs[topic], c)
			c.Close()
		}
	}
	return nil
}

// UpgradeCheck is middleware that rejects non-websocket requests.
func UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// Handler subscribes the connection to the topic in the "topic" query param
// (default "alerts") and keeps it open until the client goes away.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		topic := c.Query("topic", "alerts")
		h.subscribe(topic, c)
		defer func() {
			h.unsubscribe(topic, c)
			c.Close()
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
}
