// Package realtime pushes session events (state changes, room readiness, presence) to
// connected parties over WebSocket, fanning out across instances through Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Presence events.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// Broker carries events between instances.
type Broker interface {
	PublishSessionEvent(ctx context.Context, sessionID uuid.UUID, event string, payload []byte) error
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> set of connections and broadcasts messages.
type Hub struct {
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func()
	mu       sync.RWMutex
	broker   Broker
	logger   *zap.Logger
}

// NewHub creates a hub. broker may be nil for a single instance.
func NewHub(broker Broker, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		broker:   broker,
		logger:   logger,
	}
}

// Register adds a client to its session room, subscribing to the session channel on
// the first local client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.broker != nil {
			sessionID := c.SessionID
			cancel, err := h.broker.SubscribeSession(sessionID, func(event string, payload []byte) {
				h.Broadcast(sessionID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("subscribe session channel failed", zap.Error(err), zap.String("session_id", sessionID.String()))
			} else {
				h.subs[sessionID] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client and closes its send channel. The channel subscription
// ends with the last local client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionID]; ok {
		if _, ok := m[c.ID]; ok {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Broadcast sends a message to the clients of a session on this instance.
func (h *Hub) Broadcast(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("encode event failed", zap.Error(err), zap.String("event", event))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions[sessionID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("client buffer full, dropping event", zap.String("client_id", c.ID), zap.String("event", event))
		}
	}
}

// Publish delivers an event to every connected party of a session on every instance.
// With a broker the event goes out on Redis only, so the subscriber callback delivers it
// once here too.
func (h *Hub) Publish(ctx context.Context, sessionID uuid.UUID, event string, data interface{}) error {
	if h.broker == nil {
		h.Broadcast(sessionID, event, data)
		return nil
	}
	body, err := encode(data)
	if err != nil {
		return err
	}
	return h.broker.PublishSessionEvent(ctx, sessionID, event, body)
}

// ConnectedCount returns the number of local connections for a session.
func (h *Hub) ConnectedCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	return json.Marshal(payload)
}
