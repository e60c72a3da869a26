package booking

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

// BookRequest is the body for POST /booking.
type BookRequest struct {
	Action  Action          `json:"action" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// ConnectRequest is the body for POST /connection-requests.
type ConnectRequest struct {
	CoachID string `json:"coach_id" binding:"required,uuid"`
}

// AssessmentRequest is the body for POST /guest-sessions.
type AssessmentRequest struct {
	GuestSessionID string          `json:"guest_session_id" binding:"required,max=128"`
	Assessment     json.RawMessage `json:"assessment"`
	Answers        json.RawMessage `json:"answers"`
}

// QuestionnaireRequest is the body for POST /questionnaire-responses.
type QuestionnaireRequest struct {
	Answers json.RawMessage `json:"answers" binding:"required"`
}

// Handler handles booking HTTP endpoints.
type Handler struct {
	bridge *Bridge
	logger *zap.Logger
}

// NewHandler creates a booking handler.
func NewHandler(b *Bridge, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{bridge: b, logger: logger}
}

// Register mounts the authenticated booking routes.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/booking", h.Book)
	rg.POST("/connection-requests", middleware.RequireRole(models.RoleClient), h.RequestConnection)
	rg.POST("/questionnaire-responses", h.SaveQuestionnaire)
}

// RegisterPublic mounts the pre-auth routes.
func (h *Handler) RegisterPublic(rg *gin.RouterGroup) {
	rg.POST("/guest-sessions", h.SaveAssessment)
}

// Book handles POST /booking.
func (h *Handler) Book(c *gin.Context) {
	var req BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res := h.bridge.BookFromRequest(c.Request.Context(), middleware.UserID(c), req.Action, req.Payload)
	if !res.Success {
		c.JSON(apperr.StatusOf(apperr.New(res.Reason, res.Message)), response.Body{Success: false, Data: res, Error: res.Message, Reason: res.Reason})
		return
	}
	status := http.StatusCreated
	if res.Idempotent || res.SessionID == nil {
		status = http.StatusOK
	}
	c.JSON(status, response.Body{Success: true, Data: res})
}

// RequestConnection handles POST /connection-requests.
func (h *Handler) RequestConnection(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	r, err := h.bridge.RequestConnection(c.Request.Context(), middleware.UserID(c), uuid.MustParse(req.CoachID))
	if err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonInternal {
			h.logger.Error("request connection failed", zap.Error(err))
		}
		response.Error(c, err)
		return
	}
	response.Created(c, r)
}

// SaveAssessment handles POST /guest-sessions.
func (h *Handler) SaveAssessment(c *gin.Context) {
	var req AssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	g, err := h.bridge.SaveAssessment(c.Request.Context(), req.GuestSessionID, req.Assessment, req.Answers)
	if err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonInternal {
			h.logger.Error("save assessment failed", zap.Error(err))
		}
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"guest_session_id": g.GuestSessionID, "migrated": g.MigratedUserID != nil})
}

// SaveQuestionnaire handles POST /questionnaire-responses.
func (h *Handler) SaveQuestionnaire(c *gin.Context) {
	var req QuestionnaireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q, err := h.bridge.SaveQuestionnaire(c.Request.Context(), middleware.UserID(c), req.Answers)
	if err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonInternal {
			h.logger.Error("save questionnaire failed", zap.Error(err))
		}
		response.Error(c, err)
		return
	}
	response.Created(c, q)
}
