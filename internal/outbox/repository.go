package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
)

// Repository handles email_outbox persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an outbox repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const outboxCols = `id, kind, session_id, COALESCE(recipient,''), COALESCE(subject,''), COALESCE(body,''),
	payload, status, attempts, COALESCE(last_error,''), created_at`

func scanMessage(row pgx.Row) (*models.OutboxMessage, error) {
	var m models.OutboxMessage
	var payload []byte
	if err := row.Scan(&m.ID, &m.Kind, &m.SessionID, &m.Recipient, &m.Subject, &m.Body,
		&payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Payload = payload
	return &m, nil
}

func collect(rows pgx.Rows) ([]models.OutboxMessage, error) {
	defer rows.Close()
	var list []models.OutboxMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// Insert implements Store.
func (r *Repository) Insert(ctx context.Context, m *models.OutboxMessage) error {
	var payload []byte
	if len(m.Payload) > 0 {
		payload = m.Payload
	}
	const q = `INSERT INTO email_outbox (kind, session_id, recipient, subject, body, payload, status)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), $6, $7)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, m.Kind, m.SessionID, m.Recipient, m.Subject, m.Body, payload, m.Status).Scan(&m.ID, &m.CreatedAt)
}

// ClaimPending implements Store.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	const q = `UPDATE email_outbox SET status = 'dispatched', attempts = attempts + 1,
			dispatched_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_outbox
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + outboxCols
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Requeue implements Store.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID, reason string) error {
	return r.settle(ctx, `UPDATE email_outbox SET status = 'pending', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'dispatched'`, id, reason)
}

// MarkSent implements Store.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	return r.settle(ctx, `UPDATE email_outbox SET status = 'sent', sent_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1`, id)
}

// MarkFailed implements Store.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.settle(ctx, `UPDATE email_outbox SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, reason)
}

func (r *Repository) settle(ctx context.Context, q string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// RequeueStale implements Store.
func (r *Repository) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE email_outbox SET status = 'pending', updated_at = NOW()
		WHERE status = 'dispatched' AND dispatched_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListBySession implements Store.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.OutboxMessage, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+outboxCols+` FROM email_outbox WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}
