package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/sessions"
)

const (
	// DefaultTick is how often the outbox is drained.
	DefaultTick = 2 * time.Second
	// DefaultCleanupInterval is how often locks are reclaimed and capacity recomputed.
	DefaultCleanupInterval = time.Minute
	// StaleDispatchAge is how long a dispatched outbox row may stay unsettled before it
	// is handed out again.
	StaleDispatchAge = 15 * time.Minute
)

// LockCleaner reclaims expired session leases and lock entries.
type LockCleaner interface {
	CleanupExpiredLocks(ctx context.Context) (sessions.CleanupResult, error)
}

// OutboxDrainer moves outbox rows onto the job queue.
type OutboxDrainer interface {
	DispatchPending(ctx context.Context, limit int) (int, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// CapacityRecomputer refreshes the capacity row from live counts.
type CapacityRecomputer interface {
	Recompute(ctx context.Context) (capacity.Snapshot, error)
}

// Maintenance runs periodic housekeeping.
type Maintenance struct {
	locks    LockCleaner
	outbox   OutboxDrainer
	capacity CapacityRecomputer
	tick     time.Duration
	cleanup  time.Duration
	batch    int
	logger   *zap.Logger
}

// NewMaintenance creates the maintenance loop. Any collaborator may be nil.
func NewMaintenance(locks LockCleaner, outbox OutboxDrainer, capacity CapacityRecomputer, tick, cleanup time.Duration, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	return &Maintenance{locks: locks, outbox: outbox, capacity: capacity, tick: tick, cleanup: cleanup, logger: logger}
}

// Run loops until ctx is cancelled. Cleanup runs once at start.
func (m *Maintenance) Run(ctx context.Context) {
	m.Cleanup(ctx)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance stopping")
			return
		case now := <-ticker.C:
			m.Drain(ctx)
			if now.Sub(last) >= m.cleanup {
				m.Cleanup(ctx)
				last = now
			}
		}
	}
}

// Drain dispatches one batch of pending outbox rows.
func (m *Maintenance) Drain(ctx context.Context) {
	if m.outbox == nil {
		return
	}
	if _, err := m.outbox.DispatchPending(ctx, m.batch); err != nil && ctx.Err() == nil {
		m.logger.Warn("outbox dispatch failed", zap.Error(err))
	}
}

// Cleanup reclaims expired locks, recovers stale outbox rows and recomputes capacity.
// Each step is independent; one failing does not skip the rest.
func (m *Maintenance) Cleanup(ctx context.Context) {
	if m.locks != nil {
		if _, err := m.locks.CleanupExpiredLocks(ctx); err != nil {
			m.logger.Warn("lock cleanup failed", zap.Error(err))
		}
	}
	if m.outbox != nil {
		n, err := m.outbox.RequeueStale(ctx, StaleDispatchAge)
		if err != nil {
			m.logger.Warn("requeue stale outbox failed", zap.Error(err))
		} else if n > 0 {
			m.logger.Info("stale outbox rows requeued", zap.Int("count", n))
		}
	}
	if m.capacity != nil {
		if _, err := m.capacity.Recompute(ctx); err != nil {
			m.logger.Warn("capacity recompute failed", zap.Error(err))
		}
	}
}
