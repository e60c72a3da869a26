package recordings

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/video"
	"github.com/aura-coaching/backend/pkg/queue"
	"github.com/aura-coaching/backend/pkg/response"
)

// DefaultSignatureHeader carries hex(HMAC-SHA256(secret, body)).
const DefaultSignatureHeader = "x-provider-signature"

// maxWebhookBody bounds the raw body read before verification.
const maxWebhookBody = 5 << 20

// Provider event types.
const (
	EventTranscriptReady        = "transcript.ready-to-download"
	EventTranscriptionCompleted = "transcription.completed"
	EventRecordingReady         = "recording.ready-to-download"
)

// Event is a verified webhook delivery projected to the fields the pipeline consumes.
type Event interface {
	Session() uuid.UUID
}

// TranscriptReady announces a finished transcript.
type TranscriptReady struct {
	SessionID       uuid.UUID
	SourceURL       string
	Segments        []models.TranscriptSegment
	DurationSeconds int
}

// Session implements Event.
func (e TranscriptReady) Session() uuid.UUID { return e.SessionID }

// RecordingReady announces a downloadable recording file.
type RecordingReady struct {
	SessionID   uuid.UUID
	RecordingID string
	DownloadURL string
}

// Session implements Event.
func (e RecordingReady) Session() uuid.UUID { return e.SessionID }

// errIgnoredEvent marks a delivery of a type this service does not handle.
var errIgnoredEvent = errors.New("ignored event type")

type rawEvent struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

type rawPayload struct {
	SessionID   string                     `json:"session_id"`
	RoomName    string                     `json:"room_name"`
	Room        string                     `json:"room"`
	SourceURL   string                     `json:"source_url"`
	DownloadURL string                     `json:"download_url"`
	RecordingID string                     `json:"recording_id"`
	Duration    float64                    `json:"duration"`
	Segments    []models.TranscriptSegment `json:"segments"`
}

// ParseEvent decodes a verified body into a typed event.
func ParseEvent(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperr.Invalid("invalid webhook body")
	}
	kind := raw.Type
	if kind == "" {
		kind = raw.Event
	}
	var p rawPayload
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return nil, apperr.Invalid("invalid webhook payload")
		}
	}
	if p.SessionID == "" {
		p.SessionID = raw.SessionID
	}

	switch kind {
	case EventTranscriptReady, EventTranscriptionCompleted:
		id, err := p.session()
		if err != nil {
			return nil, err
		}
		url := firstNonEmpty(p.SourceURL, p.DownloadURL)
		if url == "" && len(p.Segments) == 0 {
			return nil, apperr.Invalid("transcript event has neither segments nor source url")
		}
		return TranscriptReady{SessionID: id, SourceURL: url, Segments: p.Segments, DurationSeconds: int(math.Ceil(p.Duration))}, nil
	case EventRecordingReady:
		id, err := p.session()
		if err != nil {
			return nil, err
		}
		url := firstNonEmpty(p.DownloadURL, p.SourceURL)
		if url == "" {
			return nil, apperr.Invalid("recording event has no download url")
		}
		return RecordingReady{SessionID: id, RecordingID: p.RecordingID, DownloadURL: url}, nil
	}
	return nil, fmt.Errorf("%w: %q", errIgnoredEvent, kind)
}

func (p rawPayload) session() (uuid.UUID, error) {
	if p.SessionID != "" {
		id, err := uuid.Parse(p.SessionID)
		if err != nil {
			return uuid.Nil, apperr.Invalid("invalid session_id")
		}
		return id, nil
	}
	if id, ok := video.SessionIDFromRoom(firstNonEmpty(p.RoomName, p.Room)); ok {
		return id, nil
	}
	return uuid.Nil, apperr.Invalid("webhook does not identify a session")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// VerifySignature reports whether sig is hex(HMAC-SHA256(secret, body)). Empty secret or sig never verify.
func VerifySignature(secret string, body []byte, sig string) bool {
	if secret == "" || sig == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Enqueuer is the job queue the webhook hands work to.
type Enqueuer interface {
	EnqueueTranscript(ctx context.Context, payload queue.TranscriptPayload) error
	EnqueueRecordingUpload(ctx context.Context, payload queue.RecordingUploadPayload) error
}

// ProcessedChecker reports transcripts already completed for a source URL.
type ProcessedChecker interface {
	AlreadyProcessed(ctx context.Context, sessionID uuid.UUID, sourceURL string) (bool, error)
}

// WebhookHandler receives provider transcription and recording webhooks.
type WebhookHandler struct {
	checker ProcessedChecker
	queue   Enqueuer
	secret  string
	header  string
	logger  *zap.Logger
}

// NewWebhookHandler creates a webhook handler. An empty header selects DefaultSignatureHeader.
func NewWebhookHandler(checker ProcessedChecker, q Enqueuer, secret, header string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if header == "" {
		header = DefaultSignatureHeader
	}
	return &WebhookHandler{checker: checker, queue: q, secret: secret, header: header, logger: logger}
}

// Transcription handles POST /webhooks/transcription.
func (h *WebhookHandler) Transcription(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if !VerifySignature(h.secret, body, c.GetHeader(h.header)) {
		h.logger.Warn("webhook signature rejected", zap.String("remote", c.ClientIP()))
		response.Unauthorized(c, "invalid signature")
		return
	}

	ev, err := ParseEvent(body)
	if errors.Is(err, errIgnoredEvent) {
		h.logger.Debug("webhook ignored", zap.Error(err))
		response.OK(c, gin.H{"ignored": true})
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	ctx := c.Request.Context()
	log := h.logger.With(zap.String("session_id", ev.Session().String()))

	switch e := ev.(type) {
	case TranscriptReady:
		if e.SourceURL != "" {
			done, err := h.checker.AlreadyProcessed(ctx, e.SessionID, e.SourceURL)
			if err != nil {
				log.Error("idempotency check failed", zap.Error(err))
				response.Internal(c, "failed to check transcript")
				return
			}
			if done {
				response.OK(c, gin.H{"idempotent": true})
				return
			}
		}
		if err := h.queue.EnqueueTranscript(ctx, queue.TranscriptPayload{
			SessionID:       e.SessionID,
			SourceURL:       e.SourceURL,
			Segments:        e.Segments,
			DurationSeconds: e.DurationSeconds,
		}); err != nil {
			log.Error("enqueue transcript failed", zap.Error(err))
			response.Internal(c, "failed to enqueue transcript")
			return
		}
		log.Info("transcript webhook accepted", zap.String("source_url", e.SourceURL))
	case RecordingReady:
		if err := h.queue.EnqueueRecordingUpload(ctx, queue.RecordingUploadPayload{
			SessionID:   e.SessionID,
			RecordingID: e.RecordingID,
			OriginalURL: e.DownloadURL,
		}); err != nil {
			log.Error("enqueue recording upload failed", zap.Error(err))
			response.Internal(c, "failed to enqueue upload")
			return
		}
		log.Info("recording webhook accepted", zap.String("recording_id", e.RecordingID))
	}
	c.JSON(http.StatusAccepted, response.Body{Success: true, Data: gin.H{"session_id": ev.Session(), "queued": true}})
}
