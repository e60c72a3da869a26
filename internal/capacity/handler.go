package capacity

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

// Handler exposes the capacity row to operators.
type Handler struct {
	gate   *Gate
	logger *zap.Logger
}

// NewHandler creates a capacity handler.
func NewHandler(g *Gate, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gate: g, logger: logger}
}

// LimitsRequest is the body for PUT /admin/capacity.
type LimitsRequest struct {
	MaxSessions      int `json:"max_sessions" binding:"min=0"`
	MaxDBConnections int `json:"max_db_connections" binding:"min=0"`
}

// Register mounts admin-only routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("/admin/capacity", middleware.RequireRole(models.RoleAdmin))
	admin.GET("", h.Show)
	admin.POST("/recompute", h.Recompute)
	admin.PUT("", h.SetLimits)
}

// Show handles GET /admin/capacity.
func (h *Handler) Show(c *gin.Context) {
	s, err := h.gate.Check(c.Request.Context())
	if err != nil {
		h.logger.Error("read capacity failed", zap.Error(err))
		response.Internal(c, "failed to read capacity")
		return
	}
	response.OK(c, s)
}

// Recompute handles POST /admin/capacity/recompute.
func (h *Handler) Recompute(c *gin.Context) {
	s, err := h.gate.Recompute(c.Request.Context())
	if err != nil {
		h.logger.Error("recompute capacity failed", zap.Error(err))
		response.Internal(c, "failed to recompute capacity")
		return
	}
	response.OK(c, s)
}

// SetLimits handles PUT /admin/capacity.
func (h *Handler) SetLimits(c *gin.Context) {
	var req LimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.gate.SetLimits(c.Request.Context(), req.MaxSessions, req.MaxDBConnections); err != nil {
		h.logger.Error("set capacity limits failed", zap.Error(err))
		response.Internal(c, "failed to set capacity limits")
		return
	}
	h.Show(c)
}
