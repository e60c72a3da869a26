// Package worker runs the background side of the platform: queued jobs (transcripts,
// post-session analysis, recording archival, emails) and the periodic maintenance that
// keeps locks, the outbox and the capacity row healthy.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/queue"
)

const (
	// DefaultConcurrency is the pool size when none is configured.
	DefaultConcurrency = 4
	// DefaultPollTimeout bounds each blocking dequeue so shutdown is noticed.
	DefaultPollTimeout = 5 * time.Second
)

// Jobs is the job queue the processor drains.
type Jobs interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) (dead bool, err error)
}

// Recordings runs the recording pipeline steps behind queued jobs.
type Recordings interface {
	ProcessTranscript(ctx context.Context, job queue.TranscriptPayload) (*models.SessionRecording, error)
	Finalize(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecording, error)
	ArchiveRecording(ctx context.Context, job queue.RecordingUploadPayload) error
}

// Settler settles outbox rows once their job finished or died.
type Settler interface {
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// UserReader resolves email recipients.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// permanentError marks a job that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(format string, args ...interface{}) error {
	return permanentError{err: fmt.Errorf(format, args...)}
}

// Processor executes queued jobs on a bounded goroutine pool.
type Processor struct {
	jobs        Jobs
	recordings  Recordings
	outbox      Settler
	users       UserReader
	sender      Sender
	concurrency int
	pollTimeout time.Duration
	backoff     time.Duration
	logger      *zap.Logger
}

// NewProcessor creates a job processor. outbox and users may be nil.
func NewProcessor(jobs Jobs, recordings Recordings, outbox Settler, users UserReader, sender Sender, concurrency int, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if sender == nil {
		sender = NewLogSender(logger)
	}
	return &Processor{
		jobs:        jobs,
		recordings:  recordings,
		outbox:      outbox,
		users:       users,
		sender:      sender,
		concurrency: concurrency,
		pollTimeout: DefaultPollTimeout,
		backoff:     queue.RetryBackoff,
		logger:      logger,
	}
}

// SetRetryBackoff overrides the pause before a failed job is requeued.
func (p *Processor) SetRetryBackoff(d time.Duration) { p.backoff = d }

// SetPollTimeout overrides how long each dequeue blocks.
func (p *Processor) SetPollTimeout(d time.Duration) { p.pollTimeout = d }

// Run dequeues and executes jobs until ctx is cancelled, then waits for in-flight jobs.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(p.concurrency, func(arg interface{}) {
		defer wg.Done()
		job, ok := arg.(*queue.Job)
		if !ok {
			return
		}
		p.handle(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()
	p.logger.Info("worker started", zap.Int("concurrency", p.concurrency))

	for ctx.Err() == nil {
		job, _, err := p.jobs.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		wg.Add(1)
		if err := pool.Invoke(job); err != nil {
			wg.Done()
			p.logger.Error("submit job failed", zap.Error(err), zap.String("job_id", job.ID))
			p.retry(ctx, job, err)
		}
	}
	wg.Wait()
	p.logger.Info("worker stopping")
	return nil
}

func (p *Processor) handle(ctx context.Context, job *queue.Job) {
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
	log.Debug("processing job")
	err := p.Process(ctx, job)
	if err == nil {
		return
	}
	var perm permanentError
	if errors.As(err, &perm) {
		log.Error("job failed permanently", zap.Error(err))
		p.settleFailed(ctx, job, err)
		return
	}
	log.Warn("job failed", zap.Error(err))
	sleep(ctx, p.backoff)
	p.retry(ctx, job, err)
}

func (p *Processor) retry(ctx context.Context, job *queue.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	dead, err := p.jobs.Retry(ctx, job)
	if err != nil {
		p.logger.Error("retry enqueue failed", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	if dead {
		p.settleFailed(ctx, job, cause)
	}
}

func (p *Processor) settleFailed(ctx context.Context, job *queue.Job, cause error) {
	id := outboxID(job)
	if id == nil || p.outbox == nil {
		return
	}
	if err := p.outbox.MarkFailed(context.WithoutCancel(ctx), *id, cause.Error()); err != nil {
		p.logger.Warn("mark outbox failed", zap.Error(err), zap.String("outbox_id", id.String()))
	}
}

func (p *Processor) settleSent(ctx context.Context, id uuid.UUID) {
	if p.outbox == nil || id == uuid.Nil {
		return
	}
	if err := p.outbox.MarkSent(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn("mark outbox sent failed", zap.Error(err), zap.String("outbox_id", id.String()))
	}
}

// outboxID returns the outbox row behind a job, if any.
func outboxID(job *queue.Job) *uuid.UUID {
	switch job.Type {
	case queue.JobTypeEmail:
		var p queue.EmailPayload
		if json.Unmarshal(job.Payload, &p) == nil && p.OutboxID != uuid.Nil {
			return &p.OutboxID
		}
	case queue.JobTypeSessionAnalysis:
		var p queue.AnalysisPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			return p.OutboxID
		}
	}
	return nil
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeTranscriptProcess:
		var payload queue.TranscriptPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return permanent("unmarshal payload: %w", err)
		}
		_, err := p.recordings.ProcessTranscript(ctx, payload)
		return classify(err)
	case queue.JobTypeSessionAnalysis:
		var payload queue.AnalysisPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return permanent("unmarshal payload: %w", err)
		}
		if _, err := p.recordings.Finalize(ctx, payload.SessionID); err != nil {
			return classify(err)
		}
		if payload.OutboxID != nil {
			p.settleSent(ctx, *payload.OutboxID)
		}
		return nil
	case queue.JobTypeRecordingUpload:
		var payload queue.RecordingUploadPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return permanent("unmarshal payload: %w", err)
		}
		return classify(p.recordings.ArchiveRecording(ctx, payload))
	case queue.JobTypeEmail:
		var payload queue.EmailPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return permanent("unmarshal payload: %w", err)
		}
		if err := p.sendEmail(ctx, payload); err != nil {
			return err
		}
		p.settleSent(ctx, payload.OutboxID)
		return nil
	}
	return permanent("unknown job type: %s", job.Type)
}

// classify turns client-side failures into permanent ones.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch apperr.ReasonOf(err) {
	case apperr.ReasonNotFound, apperr.ReasonInvalidInput:
		return permanentError{err: err}
	}
	return err
}

func (p *Processor) sendEmail(ctx context.Context, payload queue.EmailPayload) error {
	msg := Email{
		To:      payload.RecipientEmail,
		Type:    payload.EmailType,
		Subject: payload.Subject,
		HTML:    payload.BodyHTML,
		JoinURL: payload.JoinURL,
	}
	if msg.To == "" {
		if payload.ToUserID == uuid.Nil || p.users == nil {
			return permanent("email has no recipient")
		}
		u, err := p.users.GetByID(ctx, payload.ToUserID)
		if err != nil {
			return classify(fmt.Errorf("resolve recipient: %w", err))
		}
		msg.To, msg.Name = u.Email, u.DisplayName()
	}
	if payload.SessionID != nil {
		msg.SessionID = *payload.SessionID
	}
	render(&msg)
	if err := p.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
