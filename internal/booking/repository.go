package booking

import (
	"context"
	"errors"
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

// NewRepository creates a booking repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	return err
}

const guestCols = `id, guest_session_id, assessment, migrated_user_id, migrated_at, session_id, created_at`

func scanGuest(row pgx.Row) (*models.GuestSession, error) {
	var g models.GuestSession
	var assessment []byte
	if err := row.Scan(&g.ID, &g.GuestSessionID, &assessment, &g.MigratedUserID, &g.MigratedAt, &g.SessionID, &g.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	g.Assessment = assessment
	return &g, nil
}

// UpsertGuestSession implements Store. A migrated guest session keeps its assessment.
func (r *Repository) UpsertGuestSession(ctx context.Context, g *models.GuestSession) (*models.GuestSession, error) {
	const q = `INSERT INTO guest_sessions (guest_session_id, assessment) VALUES ($1, $2)
		ON CONFLICT (guest_session_id) DO UPDATE SET assessment = CASE
			WHEN guest_sessions.migrated_user_id IS NULL THEN EXCLUDED.assessment
			ELSE guest_sessions.assessment END
		RETURNING ` + guestCols
	return scanGuest(r.pool.QueryRow(ctx, q, g.GuestSessionID, jsonOrNil(g.Assessment)))
}

// GetGuestSession implements Store.
func (r *Repository) GetGuestSession(ctx context.Context, guestSessionID string) (*models.GuestSession, error) {
	return scanGuest(r.pool.QueryRow(ctx, `SELECT `+guestCols+` FROM guest_sessions WHERE guest_session_id = $1`, guestSessionID))
}

// MigrateGuestSession implements Store.
func (r *Repository) MigrateGuestSession(ctx context.Context, guestSessionID string, userID uuid.UUID, at time.Time) (*models.GuestSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const claim = `UPDATE guest_sessions SET migrated_user_id = $2, migrated_at = COALESCE(migrated_at, $3)
		WHERE guest_session_id = $1 AND (migrated_user_id IS NULL OR migrated_user_id = $2)
		RETURNING ` + guestCols
	g, err := scanGuest(tx.QueryRow(ctx, claim, guestSessionID, userID, at))
	if errors.Is(err, apperr.ErrNotFound) {
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM guest_sessions WHERE guest_session_id = $1)`, guestSessionID).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, apperr.ErrAlreadyClaimed
		}
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE questionnaire_responses SET user_id = $2
		WHERE guest_session_id = $1 AND user_id IS NULL`, guestSessionID, userID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// LinkGuestSession implements Store.
func (r *Repository) LinkGuestSession(ctx context.Context, guestSessionID string, sessionID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE guest_sessions SET session_id = $2
		WHERE guest_session_id = $1 AND (session_id IS NULL OR session_id = $2)`, guestSessionID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrAlreadyClaimed
	}
	return nil
}

const questionnaireCols = `id, user_id, COALESCE(guest_session_id, ''), answers, session_id, created_at`

// CreateQuestionnaire implements Store.
func (r *Repository) CreateQuestionnaire(ctx context.Context, q *models.QuestionnaireResponse) error {
	const sql = `INSERT INTO questionnaire_responses (user_id, guest_session_id, answers)
		VALUES ($1, NULLIF($2, ''), $3) RETURNING id, created_at`
	return r.pool.QueryRow(ctx, sql, q.UserID, q.GuestSessionID, []byte(q.Answers)).Scan(&q.ID, &q.CreatedAt)
}

// GetQuestionnaire implements Store.
func (r *Repository) GetQuestionnaire(ctx context.Context, id uuid.UUID) (*models.QuestionnaireResponse, error) {
	var q models.QuestionnaireResponse
	var answers []byte
	err := r.pool.QueryRow(ctx, `SELECT `+questionnaireCols+` FROM questionnaire_responses WHERE id = $1`, id).
		Scan(&q.ID, &q.UserID, &q.GuestSessionID, &answers, &q.SessionID, &q.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	q.Answers = answers
	return &q, nil
}

// LinkQuestionnaire implements Store.
func (r *Repository) LinkQuestionnaire(ctx context.Context, id, sessionID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE questionnaire_responses SET session_id = $2
		WHERE id = $1 AND (session_id IS NULL OR session_id = $2)`, id, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrAlreadyClaimed
	}
	return nil
}

const connectionCols = `id, client_id, coach_id, status, session_id, expires_at, created_at`

// CreateConnectionRequest implements Store.
func (r *Repository) CreateConnectionRequest(ctx context.Context, c *models.ConnectionRequest) error {
	const q = `INSERT INTO connection_requests (client_id, coach_id, status, expires_at)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, c.ClientID, c.CoachID, c.Status, c.ExpiresAt).Scan(&c.ID, &c.CreatedAt)
}

// GetConnectionRequest implements Store.
func (r *Repository) GetConnectionRequest(ctx context.Context, id uuid.UUID) (*models.ConnectionRequest, error) {
	var c models.ConnectionRequest
	err := r.pool.QueryRow(ctx, `SELECT `+connectionCols+` FROM connection_requests WHERE id = $1`, id).
		Scan(&c.ID, &c.ClientID, &c.CoachID, &c.Status, &c.SessionID, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// SetConnectionStatus implements Store. A nil sessionID keeps the current one.
func (r *Repository) SetConnectionStatus(ctx context.Context, id uuid.UUID, status string, sessionID *uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE connection_requests SET status = $2, session_id = COALESCE($3, session_id) WHERE id = $1`,
		id, status, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func jsonOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
