package capacity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-coaching/backend/internal/models"
)

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a capacity repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PoolUsage returns a ConnUsage reading acquired connections from pool.
func PoolUsage(pool *pgxpool.Pool) ConnUsage {
	return func() int { return int(pool.Stat().AcquiredConns()) }
}

const capacityCols = `active_sessions_count, max_sessions_limit, db_connections_used, max_db_connections, updated_at`

func scanCapacity(row pgx.Row) (*models.SystemCapacity, error) {
	var c models.SystemCapacity
	if err := row.Scan(&c.ActiveSessionsCount, &c.MaxSessionsLimit, &c.DBConnectionsUsed, &c.MaxDBConnections, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns the singleton row, creating it with zero limits if missing.
func (r *Repository) Get(ctx context.Context) (*models.SystemCapacity, error) {
	const q = `SELECT ` + capacityCols + ` FROM system_capacity WHERE id = 1`
	c, err := scanCapacity(r.pool.QueryRow(ctx, q))
	if errors.Is(err, pgx.ErrNoRows) {
		const ins = `INSERT INTO system_capacity (id) VALUES (1) ON CONFLICT (id) DO NOTHING`
		if _, err := r.pool.Exec(ctx, ins); err != nil {
			return nil, err
		}
		return scanCapacity(r.pool.QueryRow(ctx, q))
	}
	return c, err
}

// Recompute implements Store. A negative dbUsed keeps the stored value.
func (r *Repository) Recompute(ctx context.Context, dbUsed int) (*models.SystemCapacity, error) {
	const q = `UPDATE system_capacity SET
			active_sessions_count = (SELECT COUNT(*) FROM sessions WHERE status IN ('ready', 'in_progress')),
			db_connections_used = CASE WHEN $1 < 0 THEN db_connections_used ELSE $1 END,
			updated_at = NOW()
		WHERE id = 1
		RETURNING ` + capacityCols
	c, err := scanCapacity(r.pool.QueryRow(ctx, q, dbUsed))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := r.Get(ctx); err != nil {
			return nil, err
		}
		return scanCapacity(r.pool.QueryRow(ctx, q, dbUsed))
	}
	return c, err
}

// SetLimits implements Store.
func (r *Repository) SetLimits(ctx context.Context, maxSessions, maxDB int) error {
	const q = `INSERT INTO system_capacity (id, max_sessions_limit, max_db_connections, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET max_sessions_limit = $1, max_db_connections = $2, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, maxSessions, maxDB)
	return err
}
