package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
)

// PostgresLocker implements Locker with session-level advisory locks. Each lease pins
// one pooled connection until released; a crashed process drops its connection and
// Postgres frees the lock.
type PostgresLocker struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLocker creates a Postgres-backed locker.
func NewPostgresLocker(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLocker{pool: pool, logger: logger}
}

// TryAcquire implements Locker.
func (l *PostgresLocker) TryAcquire(ctx context.Context, key, holder string) (Lease, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	id := KeyID(key)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, apperr.ErrLockUnavailable
	}
	l.logger.Debug("advisory lock acquired", zap.String("key", key), zap.Int64("lock_id", id), zap.String("holder", holder))
	return &pgLease{locker: l, conn: conn, key: key, id: id, holder: holder}, nil
}

// Reclaim implements Locker. Advisory locks die with their connection, so there is
// nothing to reclaim.
func (l *PostgresLocker) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

type pgLease struct {
	locker *PostgresLocker
	conn   *pgxpool.Conn
	key    string
	id     int64
	holder string
}

func (p *pgLease) Key() string    { return p.key }
func (p *pgLease) Holder() string { return p.holder }

func (p *pgLease) Release(ctx context.Context) error {
	if p.conn == nil {
		return nil
	}
	conn := p.conn
	p.conn = nil
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, p.id).Scan(&ok); err != nil {
		// Closing the connection releases every lock it holds.
		p.locker.logger.Error("advisory unlock failed, closing connection", zap.String("key", p.key), zap.Error(err))
		_ = conn.Hijack().Close(ctx)
		return fmt.Errorf("advisory unlock %s: %w", p.key, err)
	}
	conn.Release()
	if !ok {
		p.locker.logger.Warn("advisory lock was not held on release", zap.String("key", p.key))
	}
	return nil
}
