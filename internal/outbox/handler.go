package outbox

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

// Handler exposes outbox history to operators.
type Handler struct {
	outbox *Outbox
	logger *zap.Logger
}

// NewHandler creates an outbox handler.
func NewHandler(o *Outbox, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{outbox: o, logger: logger}
}

// Register mounts admin-only routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	admin := middleware.RequireRole(models.RoleAdmin)
	rg.GET("/sessions/:id/outbox", admin, h.ListBySession)
}

// ListBySession handles GET /sessions/:id/outbox.
func (h *Handler) ListBySession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	msgs, err := h.outbox.ListBySession(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list outbox failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to load outbox")
		return
	}
	if msgs == nil {
		msgs = []models.OutboxMessage{}
	}
	response.OK(c, msgs)
}
