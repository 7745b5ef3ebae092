package events

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Broadcaster relays hub events to websocket clients. It is the only
// transport the core ships; richer surfaces consume the hub directly.
type Broadcaster struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewBroadcaster creates a websocket broadcaster attached to a hub.
func NewBroadcaster(hub *Hub, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()

	b.logger.Info().Int("clients", count).Msg("Websocket client connected")

	events, unsubscribe := b.hub.Subscribe(128)

	go func() {
		defer func() {
			unsubscribe()
			b.mu.Lock()
			delete(b.clients, conn)
			b.mu.Unlock()
			conn.Close()
		}()

		for event := range events {
			data, err := json.Marshal(event)
			if err != nil {
				b.logger.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal event")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Debug().Err(err).Msg("Websocket write failed, dropping client")
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
