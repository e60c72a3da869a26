package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/models"
)

const (
	// QueueTranscripts is the Redis list key for transcript processing jobs.
	QueueTranscripts = "worker:transcripts"
	// QueueAnalysis is the Redis list key for post-session analysis jobs.
	QueueAnalysis = "worker:analysis"
	// QueueRecordings is the Redis list key for recording upload jobs.
	QueueRecordings = "worker:recordings"
	// QueueEmails is the Redis list key for email jobs.
	QueueEmails = "worker:emails"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// Queues lists every work queue in priority order for Dequeue.
var Queues = []string{QueueTranscripts, QueueAnalysis, QueueRecordings, QueueEmails}

// JobType identifies the job kind.
type JobType string

const (
	JobTypeTranscriptProcess JobType = "transcript_process"
	JobTypeSessionAnalysis   JobType = "session_analysis"
	JobTypeRecordingUpload   JobType = "recording_upload"
	JobTypeEmail             JobType = "email"
)

// QueueFor returns the list a job type is pushed to.
func QueueFor(t JobType) (string, error) {
	switch t {
	case JobTypeTranscriptProcess:
		return QueueTranscripts, nil
	case JobTypeSessionAnalysis:
		return QueueAnalysis, nil
	case JobTypeRecordingUpload:
		return QueueRecordings, nil
	case JobTypeEmail:
		return QueueEmails, nil
	}
	return "", fmt.Errorf("unknown job type %q", t)
}

// TranscriptPayload is the payload for transcript processing jobs. Segments are inline
// when the provider delivered them; otherwise they are fetched from SourceURL.
type TranscriptPayload struct {
	SessionID       uuid.UUID                  `json:"session_id"`
	SourceURL       string                     `json:"source_url,omitempty"`
	Segments        []models.TranscriptSegment `json:"segments,omitempty"`
	DurationSeconds int                        `json:"duration_seconds,omitempty"`
}

// AnalysisPayload is the payload for post-session analysis jobs.
type AnalysisPayload struct {
	SessionID uuid.UUID  `json:"session_id"`
	OutboxID  *uuid.UUID `json:"outbox_id,omitempty"`
}

// RecordingUploadPayload is the payload for recording upload jobs.
type RecordingUploadPayload struct {
	SessionID   uuid.UUID `json:"session_id"`
	RecordingID string    `json:"recording_id,omitempty"`
	OriginalURL string    `json:"original_url"`
}

// EmailPayload is the payload for email jobs.
type EmailPayload struct {
	OutboxID       uuid.UUID  `json:"outbox_id"`
	EmailType      string     `json:"email_type"`
	SessionID      *uuid.UUID `json:"session_id,omitempty"`
	ToUserID       uuid.UUID  `json:"to_user_id,omitempty"`
	RecipientEmail string     `json:"recipient_email,omitempty"`
	Subject        string     `json:"subject"`
	BodyHTML       string     `json:"body_html,omitempty"`
	JoinURL        string     `json:"join_url,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.UniversalClient, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue pushes a job of type t onto its queue.
func (q *Queue) Enqueue(ctx context.Context, t JobType, payload interface{}) error {
	name, err := QueueFor(t)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, name, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(t)))
	return nil
}

// EnqueueTranscript enqueues a transcript processing job.
func (q *Queue) EnqueueTranscript(ctx context.Context, payload TranscriptPayload) error {
	return q.Enqueue(ctx, JobTypeTranscriptProcess, payload)
}

// EnqueueAnalysis enqueues a post-session analysis job.
func (q *Queue) EnqueueAnalysis(ctx context.Context, payload AnalysisPayload) error {
	return q.Enqueue(ctx, JobTypeSessionAnalysis, payload)
}

// EnqueueRecordingUpload enqueues a recording upload job.
func (q *Queue) EnqueueRecordingUpload(ctx context.Context, payload RecordingUploadPayload) error {
	return q.Enqueue(ctx, JobTypeRecordingUpload, payload)
}

// EnqueueEmail enqueues an email job.
func (q *Queue) EnqueueEmail(ctx context.Context, payload EmailPayload) error {
	return q.Enqueue(ctx, JobTypeEmail, payload)
}

// Dequeue blocks up to timeout (0 = forever) for a job from any work queue. Returns a nil
// job on timeout or on an unreadable payload.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, timeout, Queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ
// instead and reports dead == true.
func (q *Queue) Retry(ctx context.Context, job *Job) (dead bool, err error) {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return false, err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return true, nil
	}
	name, err := QueueFor(job.Type)
	if err != nil {
		return false, err
	}
	if err := q.client.RPush(ctx, name, raw).Err(); err != nil {
		return false, err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return false, nil
}

// Len returns the length of a queue, for operator tooling.
func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	return q.client.LLen(ctx, name).Result()
}
