package video

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

// Handler handles video room HTTP endpoints.
type Handler struct {
	provisioner *Provisioner
	logger      *zap.Logger
}

// NewHandler creates a video handler.
func NewHandler(p *Provisioner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{provisioner: p, logger: logger}
}

// EnsureRoom handles POST /sessions/:id/room. Party only; honours Idempotency-Key.
func (h *Handler) EnsureRoom(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.provisioner.store.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !s.IsParty(middleware.UserID(c)) && middleware.UserRole(c) != models.RoleAdmin {
		response.Error(c, apperr.ErrForbidden)
		return
	}
	res, err := h.provisioner.EnsureRoom(c.Request.Context(), id, c.GetHeader("Idempotency-Key"))
	if err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonInternal {
			h.logger.Error("ensure room failed", zap.Error(err), zap.String("session_id", id.String()))
		}
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}
