package access

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/video"
	"github.com/aura-coaching/backend/pkg/response"
)

// RoomEnsurer creates or fetches the session's room.
type RoomEnsurer interface {
	EnsureRoom(ctx context.Context, sessionID uuid.UUID, idempotencyKey string) (*video.RoomResult, error)
}

// JoinLinkRequest is the body for POST /sessions/:id/join-link.
type JoinLinkRequest struct {
	TTLMinutes int `json:"ttl_minutes" binding:"omitempty,min=1,max=10080"`
}

// Handler handles join endpoints.
type Handler struct {
	issuer *Issuer
	rooms  RoomEnsurer
	appURL string
	logger *zap.Logger
}

// NewHandler creates an access handler. appURL is the web app root used for redirects.
func NewHandler(issuer *Issuer, rooms RoomEnsurer, appURL string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{issuer: issuer, rooms: rooms, appURL: appURL, logger: logger}
}

// Join handles POST /sessions/:id/join. Ensures the room then issues a credential.
func (h *Handler) Join(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	s, err := h.issuer.sessions.Get(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !s.IsParty(userID) {
		response.Error(c, apperr.Wrap(apperr.ErrUnauthorized, nil, "not a participant of this session"))
		return
	}
	room, err := h.rooms.EnsureRoom(ctx, id, c.GetHeader("Idempotency-Key"))
	if err != nil {
		response.Error(c, err)
		return
	}
	tok, err := h.issuer.IssueJoinToken(ctx, id, userID)
	if err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonInternal {
			h.logger.Error("issue join token failed", zap.Error(err), zap.String("session_id", id.String()))
		}
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"room": room, "token": tok})
}

// CreateJoinLink handles POST /sessions/:id/join-link. Coach only.
func (h *Handler) CreateJoinLink(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req JoinLinkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	s, err := h.issuer.sessions.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if s.CoachID != middleware.UserID(c) {
		response.Error(c, apperr.Wrap(apperr.ErrForbidden, nil, "only the coach can share a join link"))
		return
	}
	link, err := h.issuer.CreateJoinLink(c.Request.Context(), id, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, link)
}

// Participants handles GET /sessions/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.issuer.sessions.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !s.IsParty(middleware.UserID(c)) && middleware.UserRole(c) != models.RoleAdmin {
		response.Error(c, apperr.ErrForbidden)
		return
	}
	list, err := h.issuer.store.ListParticipants(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list participants failed", zap.Error(err))
		response.Internal(c, "failed to list participants")
		return
	}
	if list == nil {
		list = []models.SessionParticipant{}
	}
	response.OK(c, list)
}

// Redirect handles GET /join?token=. Public; always answers with a redirect to the web app.
func (h *Handler) Redirect(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		h.redirectError(c, "missing-token")
		return
	}
	ctx := c.Request.Context()
	pub, err := h.issuer.ResolveJoinToken(ctx, token)
	if err != nil {
		reason := errorReason(err)
		if reason == "database-error" {
			h.logger.Error("resolve join token failed", zap.Error(err))
		}
		h.redirectError(c, reason)
		return
	}
	if h.rooms != nil && (pub.Status == models.SessionScheduled || pub.Status.Active()) {
		if _, err := h.rooms.EnsureRoom(ctx, pub.ID, ""); err != nil {
			if apperr.ReasonOf(err) == apperr.ReasonVideoProviderDown {
				h.redirectError(c, "video-provider-down")
				return
			}
			// The app retries room creation on its own when it calls /join.
			h.logger.Warn("ensure room on join link failed", zap.Error(err), zap.String("session_id", pub.ID.String()))
		}
	}
	c.Redirect(http.StatusFound, h.appURL+"/sessions/"+pub.ID.String())
}

func (h *Handler) redirectError(c *gin.Context, reason string) {
	c.Redirect(http.StatusFound, h.appURL+"/session-error?reason="+url.QueryEscape(reason))
}
