package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
)

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionCols = `id, coach_id, client_id, scheduled_at, duration_minutes, price_coins, status,
	COALESCE(lock_holder,''), lock_acquired_at, COALESCE(lock_reason,''),
	COALESCE(state_reason,''), state_metadata,
	COALESCE(join_token,''), join_token_expires_at, join_token_used_at,
	COALESCE(video_room_name,''), COALESCE(video_room_url,''), COALESCE(video_provider,''),
	COALESCE(guest_session_id,''), created_at, updated_at`

// ScanSession scans one row selected with the sessions column list.
func ScanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	var meta []byte
	err := row.Scan(&s.ID, &s.CoachID, &s.ClientID, &s.ScheduledAt, &s.DurationMinutes, &s.PriceCoins, &s.Status,
		&s.LockHolder, &s.LockAcquiredAt, &s.LockReason,
		&s.StateReason, &meta,
		&s.JoinToken, &s.JoinTokenExpiresAt, &s.JoinTokenUsedAt,
		&s.VideoRoomName, &s.VideoRoomURL, &s.VideoProvider,
		&s.GuestSessionID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	s.StateMetadata = meta
	return &s, nil
}

// SessionColumns is the select list matching ScanSession.
func SessionColumns() string { return sessionCols }

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create inserts a new session.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, coach_id, client_id, scheduled_at, duration_minutes, price_coins, status, guest_session_id)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.CoachID, s.ClientID, s.ScheduledAt, s.DurationMinutes, s.PriceCoins, s.Status, nullIfEmpty(s.GuestSessionID)).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// Get returns a session by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE id = $1`
	return ScanSession(r.pool.QueryRow(ctx, q, id))
}

// GetByGuestSession returns the session booked from a guest session.
func (r *Repository) GetByGuestSession(ctx context.Context, guestSessionID string) (*models.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE guest_session_id = $1`
	return ScanSession(r.pool.QueryRow(ctx, q, guestSessionID))
}

// ListForUser returns sessions where userID is coach or client, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE coach_id = $1 OR client_id = $1 ORDER BY scheduled_at DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := ScanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// ClaimLease implements Store.
func (r *Repository) ClaimLease(ctx context.Context, id uuid.UUID, holder, reason string, ttl time.Duration) (*models.Session, error) {
	q := `UPDATE sessions SET lock_holder = $2, lock_acquired_at = NOW(), lock_reason = $3
		WHERE id = $1 AND (lock_holder IS NULL OR lock_holder = $2 OR lock_acquired_at < NOW() - $4::float8 * INTERVAL '1 second')
		RETURNING ` + sessionCols
	s, err := ScanSession(r.pool.QueryRow(ctx, q, id, holder, nullIfEmpty(reason), ttl.Seconds()))
	if errors.Is(err, apperr.ErrNotFound) {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, apperr.Wrap(apperr.ErrLockUnavailable, nil, "session is being updated by another request")
		}
		return nil, apperr.ErrNotFound
	}
	return s, err
}

// ReleaseLease clears the row lease if holder still owns it.
func (r *Repository) ReleaseLease(ctx context.Context, id uuid.UUID, holder string) error {
	const q = `UPDATE sessions SET lock_holder = NULL, lock_acquired_at = NULL, lock_reason = NULL
		WHERE id = $1 AND lock_holder = $2`
	_, err := r.pool.Exec(ctx, q, id, holder)
	return err
}

// ClearExpiredLeases implements Store.
func (r *Repository) ClearExpiredLeases(ctx context.Context, ttl time.Duration) (int, error) {
	const q = `UPDATE sessions SET lock_holder = NULL, lock_acquired_at = NULL, lock_reason = NULL
		WHERE lock_holder IS NOT NULL AND lock_acquired_at < NOW() - $1::float8 * INTERVAL '1 second'`
	tag, err := r.pool.Exec(ctx, q, ttl.Seconds())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ApplyTransition writes the new state, optional room and the audit row in one transaction.
func (r *Repository) ApplyTransition(ctx context.Context, p ApplyParams) (*models.Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var roomName, roomURL, provider *string
	if p.Room != nil {
		roomName, roomURL, provider = &p.Room.Name, &p.Room.URL, &p.Room.Provider
	}
	q := `UPDATE sessions SET status = $3, state_reason = $4, state_metadata = $5,
			video_room_name = COALESCE(video_room_name, $6),
			video_room_url = COALESCE(video_room_url, $7),
			video_provider = COALESCE(video_provider, $8),
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND lock_holder = $9
		RETURNING ` + sessionCols
	s, err := ScanSession(tx.QueryRow(ctx, q, p.SessionID, p.From, p.To, nullIfEmpty(p.Reason), nullJSON(p.Metadata), roomName, roomURL, provider, p.Holder))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Wrap(apperr.ErrLockUnavailable, nil, "session changed while transitioning")
	}
	if err != nil {
		return nil, err
	}

	const audit = `INSERT INTO session_state_transitions (id, session_id, from_status, to_status, lock_holder, reason, metadata)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, audit, p.SessionID, p.From, p.To, p.Holder, nullIfEmpty(p.Reason), nullJSON(p.Metadata)); err != nil {
		return nil, fmt.Errorf("insert transition audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}

// SetRoom implements Store.
func (r *Repository) SetRoom(ctx context.Context, id uuid.UUID, room models.VideoRoom) (*models.Session, error) {
	q := `UPDATE sessions SET video_room_name = $2, video_room_url = $3, video_provider = $4, updated_at = NOW()
		WHERE id = $1 AND video_room_url IS NULL AND status IN ('ready', 'in_progress')
		RETURNING ` + sessionCols
	s, err := ScanSession(r.pool.QueryRow(ctx, q, id, room.Name, room.URL, room.Provider))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, nil, "session already has a room or is not active")
	}
	return s, err
}

// ListTransitions returns the audit trail of a session, oldest first.
func (r *Repository) ListTransitions(ctx context.Context, id uuid.UUID) ([]models.StateTransition, error) {
	const q = `SELECT id, session_id, from_status, to_status, lock_holder, COALESCE(reason,''), metadata, created_at
		FROM session_state_transitions WHERE session_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.StateTransition
	for rows.Next() {
		var t models.StateTransition
		var meta []byte
		if err := rows.Scan(&t.ID, &t.SessionID, &t.FromStatus, &t.ToStatus, &t.LockHolder, &t.Reason, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Metadata = meta
		list = append(list, t)
	}
	return list, rows.Err()
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
