// Package capacity implements admission control against the system_capacity singleton.
package capacity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/models"
)

// Snapshot is a point-in-time view of system load.
type Snapshot struct {
	CanAdmit    bool `json:"can_admit"`
	ActiveCount int  `json:"active_count"`
	MaxCount    int  `json:"max_count"`
	DBUsed      int  `json:"db_used"`
	MaxDB       int  `json:"max_db"`
}

// Admit reports whether a new active session fits under both limits.
func Admit(s Snapshot) bool {
	return s.ActiveCount < s.MaxCount && s.DBUsed < s.MaxDB
}

func snapshotOf(c *models.SystemCapacity) Snapshot {
	s := Snapshot{
		ActiveCount: c.ActiveSessionsCount,
		MaxCount:    c.MaxSessionsLimit,
		DBUsed:      c.DBConnectionsUsed,
		MaxDB:       c.MaxDBConnections,
	}
	s.CanAdmit = Admit(s)
	return s
}

// Store persists the capacity row.
type Store interface {
	Get(ctx context.Context) (*models.SystemCapacity, error)
	// Recompute recounts active sessions and stores dbUsed in one write.
	Recompute(ctx context.Context, dbUsed int) (*models.SystemCapacity, error)
	SetLimits(ctx context.Context, maxSessions, maxDB int) error
}

// ConnUsage reports the number of database connections currently in use.
type ConnUsage func() int

// Gate is the capacity admission check. It reserves nothing: two callers can both see
// room for one more session.
type Gate struct {
	store  Store
	usage  ConnUsage
	logger *zap.Logger
}

// NewGate creates a gate. usage may be nil, in which case the stored value is kept.
func NewGate(store Store, usage ConnUsage, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, usage: usage, logger: logger}
}

// Check reads the current snapshot.
func (g *Gate) Check(ctx context.Context) (Snapshot, error) {
	c, err := g.store.Get(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read capacity: %w", err)
	}
	return snapshotOf(c), nil
}

// Recompute recounts active sessions and connection usage.
func (g *Gate) Recompute(ctx context.Context) (Snapshot, error) {
	dbUsed := -1
	if g.usage != nil {
		dbUsed = g.usage()
	}
	c, err := g.store.Recompute(ctx, dbUsed)
	if err != nil {
		return Snapshot{}, fmt.Errorf("recompute capacity: %w", err)
	}
	s := snapshotOf(c)
	g.logger.Debug("capacity recomputed",
		zap.Int("active", s.ActiveCount), zap.Int("max", s.MaxCount),
		zap.Int("db_used", s.DBUsed), zap.Int("max_db", s.MaxDB))
	return s, nil
}

// SetLimits stores configured limits.
func (g *Gate) SetLimits(ctx context.Context, maxSessions, maxDB int) error {
	if maxSessions < 0 || maxDB < 0 {
		return fmt.Errorf("capacity limits must be non-negative")
	}
	if err := g.store.SetLimits(ctx, maxSessions, maxDB); err != nil {
		return fmt.Errorf("set capacity limits: %w", err)
	}
	g.logger.Info("capacity limits set", zap.Int("max_sessions", maxSessions), zap.Int("max_db", maxDB))
	return nil
}
