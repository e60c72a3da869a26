// Package outbox is the durable pending-work table behind every best-effort side effect
// (emails, post-session analysis). Producers insert rows in the request path; the worker's
// maintenance loop hands them to the job queue.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/queue"
)

// DefaultBatch is the number of rows DispatchPending claims per call.
const DefaultBatch = 50

// Store persists outbox rows.
type Store interface {
	Insert(ctx context.Context, msg *models.OutboxMessage) error
	// ClaimPending marks up to limit pending rows dispatched and returns them. Concurrent
	// callers never claim the same row.
	ClaimPending(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	// Requeue returns a dispatched row to pending, recording why.
	Requeue(ctx context.Context, id uuid.UUID, reason string) error
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// RequeueStale returns rows dispatched before cutoff and never settled to pending.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.OutboxMessage, error)
}

// Dispatcher pushes jobs onto the work queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, t queue.JobType, payload interface{}) error
}

// Outbox writes and dispatches outbox rows.
type Outbox struct {
	store  Store
	queue  Dispatcher
	logger *zap.Logger
}

// New creates an outbox. queue may be nil for processes that only produce rows.
func New(store Store, q Dispatcher, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{store: store, queue: q, logger: logger}
}

// Enqueue records msg as pending.
func (o *Outbox) Enqueue(ctx context.Context, msg *models.OutboxMessage) error {
	switch msg.Kind {
	case models.OutboxKindEmail, models.OutboxKindSessionAnalysis:
	default:
		return apperr.Invalid("unknown outbox kind %q", msg.Kind)
	}
	msg.Status = models.OutboxStatusPending
	if err := o.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// DispatchPending moves up to limit pending rows onto the job queue and returns how many went.
// Rows that cannot be queued return to pending for the next pass.
func (o *Outbox) DispatchPending(ctx context.Context, limit int) (int, error) {
	if o.queue == nil {
		return 0, fmt.Errorf("outbox: no dispatcher configured")
	}
	if limit <= 0 {
		limit = DefaultBatch
	}
	msgs, err := o.store.ClaimPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	sent := 0
	for i := range msgs {
		m := &msgs[i]
		log := o.logger.With(zap.String("outbox_id", m.ID.String()), zap.String("kind", m.Kind))
		jobType, payload, err := jobFor(m)
		if err != nil {
			log.Error("undeliverable outbox message", zap.Error(err))
			if ferr := o.store.MarkFailed(ctx, m.ID, err.Error()); ferr != nil {
				log.Error("mark outbox failed", zap.Error(ferr))
			}
			continue
		}
		if err := o.queue.Enqueue(ctx, jobType, payload); err != nil {
			log.Warn("outbox dispatch failed", zap.Error(err))
			if rerr := o.store.Requeue(ctx, m.ID, err.Error()); rerr != nil {
				log.Error("requeue outbox failed", zap.Error(rerr))
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		o.logger.Debug("outbox dispatched", zap.Int("count", sent))
	}
	return sent, nil
}

func jobFor(m *models.OutboxMessage) (queue.JobType, interface{}, error) {
	id := m.ID
	switch m.Kind {
	case models.OutboxKindEmail:
		var p models.EmailPayload
		if len(m.Payload) > 0 {
			if err := json.Unmarshal(m.Payload, &p); err != nil {
				return "", nil, fmt.Errorf("decode email payload: %w", err)
			}
		}
		if p.ToUserID == uuid.Nil && m.Recipient == "" {
			return "", nil, fmt.Errorf("email has no recipient")
		}
		return queue.JobTypeEmail, queue.EmailPayload{
			OutboxID:       id,
			EmailType:      p.EmailType,
			SessionID:      m.SessionID,
			ToUserID:       p.ToUserID,
			RecipientEmail: m.Recipient,
			Subject:        m.Subject,
			BodyHTML:       m.Body,
			JoinURL:        p.JoinURL,
		}, nil
	case models.OutboxKindSessionAnalysis:
		if m.SessionID == nil {
			return "", nil, fmt.Errorf("analysis message has no session")
		}
		return queue.JobTypeSessionAnalysis, queue.AnalysisPayload{SessionID: *m.SessionID, OutboxID: &id}, nil
	}
	return "", nil, fmt.Errorf("unknown kind %q", m.Kind)
}

// MarkSent settles a row after the worker finished it.
func (o *Outbox) MarkSent(ctx context.Context, id uuid.UUID) error {
	return o.store.MarkSent(ctx, id)
}

// MarkFailed settles a row the worker gave up on.
func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return o.store.MarkFailed(ctx, id, reason)
}

// RequeueStale recovers rows whose jobs were lost after dispatch.
func (o *Outbox) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return o.store.RequeueStale(ctx, time.Now().Add(-olderThan))
}

// ListBySession returns a session's outbox history, newest first.
func (o *Outbox) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.OutboxMessage, error) {
	return o.store.ListBySession(ctx, sessionID)
}
