package sessions

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

// CapacityChecker is the read side of the capacity gate.
type CapacityChecker interface {
	Check(ctx context.Context) (capacity.Snapshot, error)
}

// BookRequest is the body for POST /sessions.
type BookRequest struct {
	CoachID         string    `json:"coach_id" binding:"required,uuid"`
	ScheduledAt     time.Time `json:"scheduled_at" binding:"required"`
	DurationMinutes int       `json:"duration_minutes" binding:"required,min=15,max=240"`
}

// RespondRequest is the body for POST /sessions/:id/respond.
type RespondRequest struct {
	Accept *bool  `json:"accept" binding:"required"`
	Reason string `json:"reason"`
}

// CancelRequest is the body for POST /sessions/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	machine        *Machine
	gate           CapacityChecker
	coinsPerMinute int
	logger         *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(machine *Machine, gate CapacityChecker, coinsPerMinute int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{machine: machine, gate: gate, coinsPerMinute: coinsPerMinute, logger: logger}
}

// Register mounts the session routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/sessions", middleware.RequireRole(models.RoleClient), h.Book)
	rg.GET("/sessions", h.ListMine)
	rg.GET("/sessions/:id", h.Get)
	rg.GET("/sessions/:id/transitions", h.Transitions)
	rg.POST("/sessions/:id/respond", h.Respond)
	rg.POST("/sessions/:id/start", h.Start)
	rg.POST("/sessions/:id/complete", h.Complete)
	rg.POST("/sessions/:id/no-show", h.NoShow)
	rg.POST("/sessions/:id/cancel", h.Cancel)
}

// Book handles POST /sessions. Creates a session awaiting the coach's response.
func (h *Handler) Book(c *gin.Context) {
	var req BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if h.gate != nil {
		snap, err := h.gate.Check(ctx)
		if err != nil {
			h.logger.Error("capacity check failed", zap.Error(err))
			response.Error(c, err)
			return
		}
		if !snap.CanAdmit {
			response.Error(c, apperr.ErrCapacityExceeded)
			return
		}
	}

	clientID := middleware.UserID(c)
	s := &models.Session{
		CoachID:         uuid.MustParse(req.CoachID),
		ClientID:        &clientID,
		ScheduledAt:     req.ScheduledAt.UTC(),
		DurationMinutes: req.DurationMinutes,
		PriceCoins:      PriceCoins(req.DurationMinutes, h.coinsPerMinute),
		Status:          models.SessionPendingCoachResponse,
	}
	if s.CoachID == clientID {
		response.BadRequest(c, "cannot book a session with yourself")
		return
	}
	if err := h.machine.store.Create(ctx, s); err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	h.notify(ctx, s, s.CoachID, models.EmailTypeBookingRequested)
	response.Created(c, s)
}

func (h *Handler) notify(ctx context.Context, s *models.Session, to uuid.UUID, emailType string) {
	if h.machine.outbox == nil {
		return
	}
	if err := h.machine.outbox.Enqueue(ctx, models.NewEmailMessage(s.ID, to, emailType)); err != nil {
		h.logger.Warn("enqueue notification failed", zap.Error(err), zap.String("session_id", s.ID.String()), zap.String("email_type", emailType))
	}
}

// ListMine handles GET /sessions.
func (h *Handler) ListMine(c *gin.Context) {
	list, err := h.machine.store.ListForUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, list)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	s, ok := h.loadAuthorized(c)
	if !ok {
		return
	}
	response.OK(c, s)
}

// Transitions handles GET /sessions/:id/transitions.
func (h *Handler) Transitions(c *gin.Context) {
	s, ok := h.loadAuthorized(c)
	if !ok {
		return
	}
	list, err := h.machine.store.ListTransitions(c.Request.Context(), s.ID)
	if err != nil {
		h.logger.Error("list transitions failed", zap.Error(err), zap.String("session_id", s.ID.String()))
		response.Internal(c, "failed to list transitions")
		return
	}
	if list == nil {
		list = []models.StateTransition{}
	}
	response.OK(c, list)
}

// Respond handles POST /sessions/:id/respond. Coach accepts or declines a booking.
func (h *Handler) Respond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, ok := h.loadAuthorized(c)
	if !ok {
		return
	}
	if s.CoachID != middleware.UserID(c) {
		response.Error(c, apperr.Wrap(apperr.ErrForbidden, nil, "only the coach can respond"))
		return
	}
	to := models.SessionDeclined
	if *req.Accept {
		to = models.SessionScheduled
	}
	h.transition(c, s, to, req.Reason)
}

// Start handles POST /sessions/:id/start.
func (h *Handler) Start(c *gin.Context) {
	if s, ok := h.loadAuthorized(c); ok {
		h.transition(c, s, models.SessionInProgress, "started")
	}
}

// Complete handles POST /sessions/:id/complete.
func (h *Handler) Complete(c *gin.Context) {
	if s, ok := h.loadAuthorized(c); ok {
		h.transition(c, s, models.SessionCompleted, "completed")
	}
}

// NoShow handles POST /sessions/:id/no-show. Coach only.
func (h *Handler) NoShow(c *gin.Context) {
	s, ok := h.loadAuthorized(c)
	if !ok {
		return
	}
	if s.CoachID != middleware.UserID(c) {
		response.Error(c, apperr.Wrap(apperr.ErrForbidden, nil, "only the coach can mark a no-show"))
		return
	}
	h.transition(c, s, models.SessionNoShow, "no_show")
}

// Cancel handles POST /sessions/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)
	if s, ok := h.loadAuthorized(c); ok {
		reason := req.Reason
		if reason == "" {
			reason = "cancelled"
		}
		h.transition(c, s, models.SessionCancelled, reason)
	}
}

func (h *Handler) transition(c *gin.Context, s *models.Session, to models.SessionStatus, reason string) {
	holder := lock.NewHolder("user:" + middleware.UserID(c).String())
	updated, err := h.machine.Transition(c.Request.Context(), Request{SessionID: s.ID, To: to, Holder: holder, Reason: reason})
	if err != nil {
		if apperr.ReasonOf(err) == apperr.ReasonInternal {
			h.logger.Error("transition failed", zap.Error(err), zap.String("session_id", s.ID.String()))
		}
		response.Error(c, err)
		return
	}
	if to == models.SessionScheduled || to == models.SessionCancelled {
		emailType := models.EmailTypeBookingConfirmed
		if to == models.SessionCancelled {
			emailType = models.EmailTypeSessionCancelled
		}
		if updated.ClientID != nil {
			h.notify(c.Request.Context(), updated, *updated.ClientID, emailType)
		}
	}
	response.OK(c, updated)
}

// loadAuthorized parses :id, loads the session and checks the caller is a party or admin.
func (h *Handler) loadAuthorized(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	s, err := h.machine.store.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	if !s.IsParty(middleware.UserID(c)) && middleware.UserRole(c) != models.RoleAdmin {
		response.Error(c, apperr.ErrForbidden)
		return nil, false
	}
	return s, true
}
