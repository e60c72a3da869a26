package access

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/sessions"
)

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an access repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const participantCols = `session_id, user_id, role, is_owner, token_issued_at, issue_count, joined_at, left_at`

func scanParticipant(row pgx.Row) (*models.SessionParticipant, error) {
	var p models.SessionParticipant
	if err := row.Scan(&p.SessionID, &p.UserID, &p.Role, &p.IsOwner, &p.TokenIssuedAt, &p.IssueCount, &p.JoinedAt, &p.LeftAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertParticipant implements Store.
func (r *Repository) UpsertParticipant(ctx context.Context, p *models.SessionParticipant) (*models.SessionParticipant, error) {
	const q = `INSERT INTO session_participants (session_id, user_id, role, is_owner, token_issued_at, issue_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			is_owner = EXCLUDED.is_owner,
			token_issued_at = EXCLUDED.token_issued_at,
			issue_count = session_participants.issue_count + 1
		RETURNING ` + participantCols
	return scanParticipant(r.pool.QueryRow(ctx, q, p.SessionID, p.UserID, p.Role, p.IsOwner, p.TokenIssuedAt))
}

// MarkJoined implements Store.
func (r *Repository) MarkJoined(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	const q = `UPDATE session_participants SET joined_at = $3, left_at = NULL WHERE session_id = $1 AND user_id = $2`
	_, err := r.pool.Exec(ctx, q, sessionID, userID, at)
	return err
}

// MarkLeft implements Store.
func (r *Repository) MarkLeft(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	const q = `UPDATE session_participants SET left_at = $3 WHERE session_id = $1 AND user_id = $2`
	_, err := r.pool.Exec(ctx, q, sessionID, userID, at)
	return err
}

// ListParticipants implements Store.
func (r *Repository) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.SessionParticipant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+participantCols+` FROM session_participants WHERE session_id = $1 ORDER BY role`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SessionParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// SetJoinToken implements Store.
func (r *Repository) SetJoinToken(ctx context.Context, sessionID uuid.UUID, token string, expiresAt time.Time) error {
	const q = `UPDATE sessions SET join_token = $2, join_token_expires_at = $3, join_token_used_at = NULL, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, sessionID, token, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ConsumeJoinToken implements Store. The update is the single point of truth: of two
// concurrent consumers exactly one gets the row.
func (r *Repository) ConsumeJoinToken(ctx context.Context, token string) (*models.Session, error) {
	q := `UPDATE sessions SET join_token_used_at = NOW()
		WHERE join_token = $1 AND join_token_used_at IS NULL AND join_token_expires_at > NOW()
		RETURNING ` + sessions.SessionColumns()
	s, err := sessions.ScanSession(r.pool.QueryRow(ctx, q, token))
	if !errors.Is(err, apperr.ErrNotFound) {
		return s, err
	}
	var usedAt *time.Time
	err = r.pool.QueryRow(ctx, `SELECT join_token_used_at FROM sessions WHERE join_token = $1`, token).Scan(&usedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, apperr.ErrTokenNotFound
	case err != nil:
		return nil, err
	case usedAt != nil:
		return nil, apperr.ErrTokenUsed
	default:
		return nil, apperr.ErrTokenExpired
	}
}
