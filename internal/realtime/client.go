package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/auth"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

const (
	sendBuffer   = 64
	readLimit    = 4096
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TokenValidator validates bearer tokens passed on the query string.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// SessionReader loads sessions for party checks.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// Presence records participants connecting and disconnecting.
type Presence interface {
	ParticipantJoined(ctx context.Context, sessionID, userID uuid.UUID)
	ParticipantLeft(ctx context.Context, sessionID, userID uuid.UUID)
}

// Client represents a single WebSocket connection to a session.
type Client struct {
	ID        string
	SessionID uuid.UUID
	UserID    uuid.UUID
	Role      string
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger
}

// Handler upgrades authenticated parties to WebSocket connections.
type Handler struct {
	hub      *Hub
	tokens   TokenValidator
	sessions SessionReader
	presence Presence
	logger   *zap.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, tokens TokenValidator, sessions SessionReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, tokens: tokens, sessions: sessions, logger: logger}
}

// SetPresence sets the optional presence recorder.
func (h *Handler) SetPresence(p Presence) { h.presence = p }

// ServeWs handles GET /ws?session_id=&token=.
func (h *Handler) ServeWs(c *gin.Context) {
	sessionIDStr, token := c.Query("session_id"), c.Query("token")
	if sessionIDStr == "" || token == "" {
		response.BadRequest(c, "session_id and token required")
		return
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		response.BadRequest(c, "invalid session_id")
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		response.Unauthorized(c, "invalid token")
		return
	}
	s, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !s.IsParty(claims.UserID) && models.Role(claims.Role) != models.RoleAdmin {
		response.Error(c, apperr.ErrForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    claims.UserID,
		Role:      claims.Role,
		hub:       h.hub,
		conn:      conn,
		send:      make(chan WSMessage, sendBuffer),
		logger:    h.logger,
	}
	h.hub.Register(client)
	h.announce(client, EventParticipantJoined)
	go client.writePump()
	client.readPump()
	h.announce(client, EventParticipantLeft)
}

func (h *Handler) announce(c *Client, event string) {
	ctx := context.Background()
	if h.presence != nil && models.Role(c.Role) != models.RoleAdmin {
		if event == EventParticipantJoined {
			h.presence.ParticipantJoined(ctx, c.SessionID, c.UserID)
		} else {
			h.presence.ParticipantLeft(ctx, c.SessionID, c.UserID)
		}
	}
	payload := map[string]string{"user_id": c.UserID.String(), "role": c.Role}
	if err := h.hub.Publish(ctx, c.SessionID, event, payload); err != nil {
		h.logger.Warn("publish presence failed", zap.Error(err), zap.String("session_id", c.SessionID.String()))
	}
}

// readPump keeps the read deadline fresh. Clients only listen; inbound messages other
// than pongs are discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed", zap.Error(err), zap.String("client_id", c.ID))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
