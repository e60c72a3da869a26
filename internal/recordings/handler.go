package recordings

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/response"
)

// maxChunkBytes bounds one uploaded audio chunk.
const maxChunkBytes = 25 << 20

// SessionReader loads sessions for authorization.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// OffsetRequest is the body for pause and resume.
type OffsetRequest struct {
	At *float64 `json:"at" binding:"required,min=0"`
}

// TextChunkRequest is the JSON form of POST /sessions/:id/recording/chunks.
type TextChunkRequest struct {
	Start   float64 `json:"start" binding:"min=0"`
	End     float64 `json:"end" binding:"min=0"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text" binding:"required"`
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	pipeline *Pipeline
	sessions SessionReader
	logger   *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(p *Pipeline, sessions SessionReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pipeline: p, sessions: sessions, logger: logger}
}

// Register mounts the recording routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/recording", h.Get)
	rg.POST("/sessions/:id/recording/chunks", h.IngestChunk)
	rg.POST("/sessions/:id/recording/pause", h.Pause)
	rg.POST("/sessions/:id/recording/resume", h.Resume)
	rg.PUT("/sessions/:id/recording/privacy", h.SetPrivacy)
	rg.GET("/sessions/:id/recording/download-url", h.DownloadURL)
}

// authorize resolves :id and checks the caller is a party or an admin.
func (h *Handler) authorize(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	s, err := h.sessions.Get(c.Request.Context(), id)
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

func (h *Handler) fail(c *gin.Context, err error, msg string, sessionID uuid.UUID) {
	if apperr.ReasonOf(err) == apperr.ReasonInternal {
		h.logger.Error(msg, zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	response.Error(c, err)
}

// Get handles GET /sessions/:id/recording.
func (h *Handler) Get(c *gin.Context) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}
	rec, err := h.pipeline.Get(c.Request.Context(), s.ID)
	if err != nil {
		h.fail(c, err, "get recording failed", s.ID)
		return
	}
	response.OK(c, rec)
}

// IngestChunk handles POST /sessions/:id/recording/chunks. Accepts multipart audio
// (fields audio, start, end, speaker) or a JSON text chunk.
func (h *Handler) IngestChunk(c *gin.Context) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}
	if s.Status != models.SessionInProgress {
		response.Error(c, apperr.Invalid("session is not in progress"))
		return
	}
	chunk := Chunk{SessionID: s.ID}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("audio")
		if err != nil {
			response.BadRequest(c, "audio file required")
			return
		}
		if fh.Size > maxChunkBytes {
			response.BadRequest(c, "audio chunk too large")
			return
		}
		start, err1 := strconv.ParseFloat(c.PostForm("start"), 64)
		end, err2 := strconv.ParseFloat(c.PostForm("end"), 64)
		if err1 != nil || err2 != nil {
			response.BadRequest(c, "start and end seconds required")
			return
		}
		f, err := fh.Open()
		if err != nil {
			response.BadRequest(c, "unreadable audio file")
			return
		}
		defer f.Close()
		chunk.Start, chunk.End, chunk.Speaker = start, end, c.PostForm("speaker")
		chunk.Audio, chunk.Filename = f, fh.Filename
	} else {
		var req TextChunkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
		chunk.Start, chunk.End, chunk.Speaker, chunk.Text = req.Start, req.End, req.Speaker, req.Text
	}
	rec, err := h.pipeline.IngestChunk(c.Request.Context(), chunk)
	if err != nil {
		h.fail(c, err, "ingest chunk failed", s.ID)
		return
	}
	response.Created(c, gin.H{"status": rec.Status, "segments": len(rec.Segments)})
}

// Pause handles POST /sessions/:id/recording/pause.
func (h *Handler) Pause(c *gin.Context) {
	h.offset(c, h.pipeline.Pause)
}

// Resume handles POST /sessions/:id/recording/resume.
func (h *Handler) Resume(c *gin.Context) {
	h.offset(c, h.pipeline.Resume)
}

func (h *Handler) offset(c *gin.Context, fn func(context.Context, uuid.UUID, float64) (*models.SessionRecording, error)) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}
	var req OffsetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	rec, err := fn(c.Request.Context(), s.ID, *req.At)
	if err != nil {
		h.fail(c, err, "update paused segments failed", s.ID)
		return
	}
	response.OK(c, gin.H{"paused": rec.Paused(), "paused_segments": rec.PausedSegments})
}

// SetPrivacy handles PUT /sessions/:id/recording/privacy.
func (h *Handler) SetPrivacy(c *gin.Context) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}
	var req models.PrivacySettings
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	rec, err := h.pipeline.SetPrivacy(c.Request.Context(), s.ID, req)
	if err != nil {
		h.fail(c, err, "set privacy failed", s.ID)
		return
	}
	response.OK(c, rec.Privacy)
}

// DownloadURL handles GET /sessions/:id/recording/download-url.
func (h *Handler) DownloadURL(c *gin.Context) {
	s, ok := h.authorize(c)
	if !ok {
		return
	}
	url, expires, err := h.pipeline.DownloadURL(c.Request.Context(), s.ID)
	if err != nil {
		h.fail(c, err, "presign recording failed", s.ID)
		return
	}
	response.OK(c, gin.H{"url": url, "expires_at": expires})
}
