// Package recordings owns session transcripts: provider webhooks, live audio chunks,
// privacy redaction of paused ranges, post-session analysis and recording archive.
package recordings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/insights"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/queue"
	"github.com/aura-coaching/backend/pkg/storage"
)

// TranscriptUpdate is a provider-delivered transcript applied in one write.
type TranscriptUpdate struct {
	Segments        []models.TranscriptSegment
	Text            string
	SourceURL       string
	DurationSeconds int
	ArchiveKey      string
}

// Finalization is the end-of-session aggregate.
type Finalization struct {
	DurationSeconds int
	Summary         string
	KeyTopics       []string
	Sentiment       *models.Sentiment
}

// Store persists session recordings. Every method except Init and Get returns
// apperr.ErrNotFound when the session has no recording row.
type Store interface {
	Init(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecording, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecording, error)
	AppendSegments(ctx context.Context, sessionID uuid.UUID, segs []models.TranscriptSegment, text, status string) (*models.SessionRecording, error)
	CompleteTranscript(ctx context.Context, sessionID uuid.UUID, u TranscriptUpdate) (*models.SessionRecording, error)
	SetPaused(ctx context.Context, sessionID uuid.UUID, paused []models.PausedSegment) error
	SetPrivacy(ctx context.Context, sessionID uuid.UUID, p models.PrivacySettings) error
	Finalize(ctx context.Context, sessionID uuid.UUID, f Finalization) (*models.SessionRecording, error)
	SetRecordingArchive(ctx context.Context, sessionID uuid.UUID, url, key string) error
	SetStatus(ctx context.Context, sessionID uuid.UUID, status string) error
}

// Archiver stores transcripts and recordings in object storage.
type Archiver interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	ObjectURL(bucket, key string) string
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
	RecordingsBucket() string
	TranscriptsBucket() string
}

// Chunk is one slice of live audio or already-transcribed text.
type Chunk struct {
	SessionID uuid.UUID
	Start     float64
	End       float64
	Speaker   string
	Text      string
	Audio     io.Reader
	Filename  string
}

// lock contention between concurrent chunk uploads of one session
const (
	lockAttempts = 5
	lockBackoff  = 100 * time.Millisecond
)

// Pipeline processes transcripts and recordings.
type Pipeline struct {
	store       Store
	locker      lock.Locker
	generator   insights.Generator
	transcriber insights.Transcriber
	archive     Archiver
	http        *http.Client
	now         func() time.Time
	logger      *zap.Logger
}

// NewPipeline creates a pipeline. Generator, transcriber and archive are optional.
func NewPipeline(store Store, locker lock.Locker, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:  store,
		locker: locker,
		http:   &http.Client{Timeout: 60 * time.Second},
		now:    time.Now,
		logger: logger,
	}
}

// SetGenerator sets the post-session insights generator.
func (p *Pipeline) SetGenerator(g insights.Generator) { p.generator = g }

// SetTranscriber sets the audio chunk transcriber.
func (p *Pipeline) SetTranscriber(t insights.Transcriber) { p.transcriber = t }

// SetArchive sets object storage for transcripts and recordings.
func (p *Pipeline) SetArchive(a Archiver) { p.archive = a }

// SetHTTPClient replaces the client used to fetch provider transcripts and recordings.
func (p *Pipeline) SetHTTPClient(c *http.Client) { p.http = c }

// Init creates the session's recording if it does not exist yet.
func (p *Pipeline) Init(ctx context.Context, sessionID uuid.UUID) error {
	_, err := p.store.Init(ctx, sessionID)
	return err
}

// Get returns the session's recording.
func (p *Pipeline) Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecording, error) {
	return p.store.Get(ctx, sessionID)
}

// AlreadyProcessed reports whether sourceURL was already turned into a completed transcript.
func (p *Pipeline) AlreadyProcessed(ctx context.Context, sessionID uuid.UUID, sourceURL string) (bool, error) {
	rec, err := p.store.Get(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sourceURL != "" && rec.Status == models.RecordingStatusCompleted && rec.SourceURL == sourceURL, nil
}

// ProcessTranscript applies a provider transcript: fetch when not inline, redact, archive, append.
// Re-delivery of an already completed source URL is a no-op.
func (p *Pipeline) ProcessTranscript(ctx context.Context, job queue.TranscriptPayload) (*models.SessionRecording, error) {
	log := p.logger.With(zap.String("session_id", job.SessionID.String()))
	rec, err := p.store.Init(ctx, job.SessionID)
	if err != nil {
		return nil, fmt.Errorf("init recording: %w", err)
	}
	if job.SourceURL != "" && rec.Status == models.RecordingStatusCompleted && rec.SourceURL == job.SourceURL {
		log.Info("transcript already processed", zap.String("source_url", job.SourceURL))
		return p.analyzeLate(ctx, rec, job.SourceURL, log)
	}

	segs := job.Segments
	if len(segs) == 0 {
		if job.SourceURL == "" {
			return nil, apperr.Invalid("transcript has neither segments nor source url")
		}
		if segs, err = p.fetchVTT(ctx, job.SourceURL); err != nil {
			return nil, err
		}
	}

	var out *models.SessionRecording
	err = lock.WithLockRetry(ctx, p.locker, lock.RecordingKey(job.SessionID), lock.NewHolder("transcript"), lockAttempts, lockBackoff,
		func(ctx context.Context) error {
			cur, err := p.store.Get(ctx, job.SessionID)
			if err != nil {
				return err
			}
			redacted := Redact(segs, cur.PausedSegments, cur.Privacy)
			duration := job.DurationSeconds
			if d := int(math.Ceil(maxEnd(redacted))); d > duration {
				duration = d
			}
			out, err = p.store.CompleteTranscript(ctx, job.SessionID, TranscriptUpdate{
				Segments:        redacted,
				Text:            RenderTranscript(redacted),
				SourceURL:       job.SourceURL,
				DurationSeconds: duration,
				ArchiveKey:      p.archiveTranscript(ctx, job.SessionID, redacted, log),
			})
			return err
		})
	if err != nil {
		return nil, err
	}
	log.Info("transcript processed", zap.Int("segments", len(segs)), zap.Int("duration_seconds", out.DurationSeconds))
	return p.analyzeLate(ctx, out, job.SourceURL, log)
}

func (p *Pipeline) fetchVTT(ctx context.Context, url string) ([]models.TranscriptSegment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download transcript: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download transcript status: %d", resp.StatusCode)
	}
	return ParseVTT(resp.Body)
}

// archiveTranscript stores the redacted transcript as JSON. Failures are logged and yield "".
func (p *Pipeline) archiveTranscript(ctx context.Context, sessionID uuid.UUID, segs []models.TranscriptSegment, log *zap.Logger) string {
	if p.archive == nil {
		return ""
	}
	body, err := json.Marshal(segs)
	if err != nil {
		log.Warn("marshal transcript archive failed", zap.Error(err))
		return ""
	}
	key := storage.TranscriptKey(sessionID.String(), p.now())
	if _, err := p.archive.Upload(ctx, p.archive.TranscriptsBucket(), key, "application/json", bytes.NewReader(body), int64(len(body))); err != nil {
		log.Warn("transcript archive failed", zap.Error(err), zap.String("key", key))
		return ""
	}
	return key
}

// IngestChunk transcribes one live chunk when it carries audio, redacts it and appends it.
func (p *Pipeline) IngestChunk(ctx context.Context, c Chunk) (*models.SessionRecording, error) {
	if c.End < c.Start || c.Start < 0 {
		return nil, apperr.Invalid("chunk end must not precede start")
	}
	if c.Audio == nil && strings.TrimSpace(c.Text) == "" {
		return nil, apperr.Invalid("chunk needs audio or text")
	}
	if c.Audio != nil && p.transcriber == nil {
		return nil, apperr.Invalid("audio transcription is not configured")
	}
	if _, err := p.store.Init(ctx, c.SessionID); err != nil {
		return nil, fmt.Errorf("init recording: %w", err)
	}

	var out *models.SessionRecording
	err := lock.WithLockRetry(ctx, p.locker, lock.RecordingKey(c.SessionID), lock.NewHolder("chunk"), lockAttempts, lockBackoff,
		func(ctx context.Context) error {
			rec, err := p.store.Get(ctx, c.SessionID)
			if err != nil {
				return err
			}
			if rec.Status == models.RecordingStatusCompleted {
				return apperr.Invalid("recording already finalized")
			}
			seg := models.TranscriptSegment{Start: c.Start, End: c.End, Speaker: c.Speaker, Text: strings.TrimSpace(c.Text)}
			redacted := Redact([]models.TranscriptSegment{seg}, rec.PausedSegments, rec.Privacy)
			// Paused audio never leaves the service.
			if c.Audio != nil && !redacted[0].Redacted {
				text, err := p.transcriber.Transcribe(ctx, c.Audio, c.Filename)
				if err != nil {
					return apperr.Wrap(apperr.ErrVideoProviderUnavailable, err, "transcription unavailable")
				}
				if text == "" {
					out = rec
					return nil
				}
				redacted[0].Text = text
			}
			out, err = p.store.AppendSegments(ctx, c.SessionID, redacted, RenderTranscript(redacted), models.RecordingStatusInProgress)
			return err
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Pause opens a paused range at offset at. Pausing twice is rejected.
func (p *Pipeline) Pause(ctx context.Context, sessionID uuid.UUID, at float64) (*models.SessionRecording, error) {
	return p.updatePaused(ctx, sessionID, func(rec *models.SessionRecording) error {
		if rec.Paused() {
			return apperr.Invalid("transcription already paused")
		}
		if n := len(rec.PausedSegments); n > 0 && at < *rec.PausedSegments[n-1].End {
			return apperr.Invalid("pause must not precede the previous resume")
		}
		rec.PausedSegments = append(rec.PausedSegments, models.PausedSegment{Start: at})
		return nil
	})
}

// Resume closes the open paused range at offset at.
func (p *Pipeline) Resume(ctx context.Context, sessionID uuid.UUID, at float64) (*models.SessionRecording, error) {
	return p.updatePaused(ctx, sessionID, func(rec *models.SessionRecording) error {
		if !rec.Paused() {
			return apperr.Invalid("transcription is not paused")
		}
		last := &rec.PausedSegments[len(rec.PausedSegments)-1]
		if at < last.Start {
			return apperr.Invalid("resume must not precede pause")
		}
		end := at
		last.End = &end
		return nil
	})
}

func (p *Pipeline) updatePaused(ctx context.Context, sessionID uuid.UUID, mutate func(*models.SessionRecording) error) (*models.SessionRecording, error) {
	if sessionID == uuid.Nil {
		return nil, apperr.Invalid("session id required")
	}
	if _, err := p.store.Init(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("init recording: %w", err)
	}
	var out *models.SessionRecording
	err := lock.WithLock(ctx, p.locker, lock.RecordingKey(sessionID), lock.NewHolder("pause"), func(ctx context.Context) error {
		rec, err := p.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		if err := p.store.SetPaused(ctx, sessionID, rec.PausedSegments); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// SetPrivacy updates redaction settings. They apply to lines ingested afterwards.
func (p *Pipeline) SetPrivacy(ctx context.Context, sessionID uuid.UUID, settings models.PrivacySettings) (*models.SessionRecording, error) {
	switch settings.RedactionMethod {
	case "":
		settings.RedactionMethod = models.RedactionMarker
	case models.RedactionMarker, models.RedactionSpeakerMarker:
	default:
		return nil, apperr.Invalid("unknown redaction method %q", settings.RedactionMethod)
	}
	if _, err := p.store.Init(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("init recording: %w", err)
	}
	if err := p.store.SetPrivacy(ctx, sessionID, settings); err != nil {
		return nil, err
	}
	return p.store.Get(ctx, sessionID)
}

// Finalize marks the recording completed with aggregate duration and, when a generator is
// configured, a summary, key topics and sentiment. Insight failures never fail Finalize.
func (p *Pipeline) Finalize(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecording, error) {
	log := p.logger.With(zap.String("session_id", sessionID.String()))
	if _, err := p.store.Init(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("init recording: %w", err)
	}
	var out *models.SessionRecording
	err := lock.WithLockRetry(ctx, p.locker, lock.RecordingKey(sessionID), lock.NewHolder("finalize"), lockAttempts, lockBackoff,
		func(ctx context.Context) error {
			rec, err := p.store.Get(ctx, sessionID)
			if err != nil {
				return err
			}
			if rec.Status == models.RecordingStatusCompleted && rec.AISummary != "" {
				out = rec
				return nil
			}
			f := Finalization{DurationSeconds: int(math.Ceil(maxEnd(rec.Segments)))}
			if p.generator != nil && strings.TrimSpace(rec.Transcript) != "" {
				res, err := p.generator.Generate(ctx, insights.Input{SessionID: sessionID, Transcript: rec.Transcript, Segments: rec.Segments})
				if err != nil {
					log.Warn("session insights failed", zap.Error(err))
				} else {
					f.Summary, f.KeyTopics, f.Sentiment = res.Summary, res.KeyTopics, res.Sentiment
				}
			}
			out, err = p.store.Finalize(ctx, sessionID, f)
			return err
		})
	if err != nil {
		return nil, err
	}
	log.Info("recording finalized", zap.Int("duration_seconds", out.DurationSeconds), zap.Bool("summary", out.AISummary != ""))
	return out, nil
}

// needsAnalysis reports whether a finalized recording gained a transcript without insights.
func (p *Pipeline) needsAnalysis(rec *models.SessionRecording) bool {
	return p.generator != nil && rec.FinalizedAt != nil && rec.AISummary == "" && strings.TrimSpace(rec.Transcript) != ""
}

// analyzeLate runs Finalize for a transcript that landed after the session was finalized.
// Errors are returned only for source-URL jobs, whose re-delivery is deduplicated.
func (p *Pipeline) analyzeLate(ctx context.Context, rec *models.SessionRecording, sourceURL string, log *zap.Logger) (*models.SessionRecording, error) {
	if !p.needsAnalysis(rec) {
		return rec, nil
	}
	out, err := p.Finalize(ctx, rec.SessionID)
	if err != nil {
		if sourceURL != "" {
			return nil, fmt.Errorf("analyze late transcript: %w", err)
		}
		log.Warn("late transcript analysis failed", zap.Error(err))
		return rec, nil
	}
	return out, nil
}

// ArchiveRecording copies the provider's recording file into object storage.
func (p *Pipeline) ArchiveRecording(ctx context.Context, job queue.RecordingUploadPayload) error {
	if p.archive == nil {
		return errors.New("recording archive is not configured")
	}
	log := p.logger.With(zap.String("session_id", job.SessionID.String()))
	rec, err := p.store.Init(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("init recording: %w", err)
	}
	if rec.RecordingArchiveKey != "" {
		log.Info("recording already archived", zap.String("key", rec.RecordingArchiveKey))
		return nil
	}

	recordingID := job.RecordingID
	if recordingID == "" {
		recordingID = rec.ID.String()
	}
	bucket := p.archive.RecordingsBucket()
	key := storage.RecordingKey(job.SessionID.String(), recordingID)
	// A previous attempt may have uploaded before failing to record the key.
	exists, err := p.archive.Exists(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("check archive: %w", err)
	}
	url := p.archive.ObjectURL(bucket, key)
	if !exists {
		if url, err = p.download(ctx, job.OriginalURL, bucket, key); err != nil {
			return err
		}
	}
	if err := p.store.SetRecordingArchive(ctx, job.SessionID, url, key); err != nil {
		return fmt.Errorf("update db: %w", err)
	}
	log.Info("recording archived", zap.String("s3_key", key))
	return nil
}

func (p *Pipeline) download(ctx context.Context, src, bucket, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	url, err := p.archive.Upload(ctx, bucket, key, contentType, resp.Body, resp.ContentLength)
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return url, nil
}

// DownloadURL returns a presigned link to the archived recording.
func (p *Pipeline) DownloadURL(ctx context.Context, sessionID uuid.UUID) (string, time.Time, error) {
	if p.archive == nil {
		return "", time.Time{}, apperr.Wrap(apperr.ErrNotFound, nil, "recording archive is not configured")
	}
	rec, err := p.store.Get(ctx, sessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	if rec.RecordingArchiveKey == "" {
		return "", time.Time{}, apperr.Wrap(apperr.ErrNotFound, nil, "recording not archived yet")
	}
	ttl := p.archive.PresignExpire()
	url, err := p.archive.GeneratePresignedDownloadURL(ctx, p.archive.RecordingsBucket(), rec.RecordingArchiveKey, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign: %w", err)
	}
	return url, p.now().Add(ttl), nil
}

// RenderTranscript formats segments as speaker-labelled lines.
func RenderTranscript(segs []models.TranscriptSegment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Speaker != "" {
			b.WriteString(s.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(s.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func maxEnd(segs []models.TranscriptSegment) float64 {
	var m float64
	for _, s := range segs {
		if s.End > m {
			m = s.End
		}
	}
	return m
}
