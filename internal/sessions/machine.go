package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
)

// EventStateChanged is published after every committed transition.
const EventStateChanged = "state_changed"

// DefaultLeaseTTL is how long a row lease is honoured before it may be reclaimed.
const DefaultLeaseTTL = 10 * time.Minute

// CapacityRecomputer refreshes the capacity row.
type CapacityRecomputer interface {
	Recompute(ctx context.Context) (capacity.Snapshot, error)
}

// Publisher fans session events out to connected clients.
type Publisher interface {
	Publish(ctx context.Context, sessionID uuid.UUID, event string, data interface{}) error
}

// Outbox records follow-up work that must not block a transition.
type Outbox interface {
	Enqueue(ctx context.Context, msg *models.OutboxMessage) error
}

// Request asks for one state transition.
type Request struct {
	SessionID uuid.UUID
	To        models.SessionStatus
	// Holder identifies the caller in the lock and the audit row. Generated when empty.
	Holder   string
	Reason   string
	Metadata json.RawMessage
	Room     *models.VideoRoom
}

// CleanupResult reports what CleanupExpiredLocks removed.
type CleanupResult struct {
	ExpiredLeases  int `json:"expired_leases"`
	ReclaimedLocks int `json:"reclaimed_locks"`
}

// Machine applies lock-guarded state transitions.
type Machine struct {
	store    Store
	locker   lock.Locker
	leaseTTL time.Duration
	capacity CapacityRecomputer
	events   Publisher
	outbox   Outbox
	logger   *zap.Logger
}

// NewMachine creates a state machine. leaseTTL <= 0 uses DefaultLeaseTTL.
func NewMachine(store Store, locker lock.Locker, leaseTTL time.Duration, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Machine{store: store, locker: locker, leaseTTL: leaseTTL, logger: logger}
}

// SetCapacity sets the optional capacity recomputer run after active-set changes.
func (m *Machine) SetCapacity(c CapacityRecomputer) { m.capacity = c }

// SetPublisher sets the optional realtime publisher.
func (m *Machine) SetPublisher(p Publisher) { m.events = p }

// SetOutbox sets the optional outbox used to schedule post-session analysis.
func (m *Machine) SetOutbox(o Outbox) { m.outbox = o }

// Store returns the underlying session store.
func (m *Machine) Store() Store { return m.store }

// Transition moves a session to req.To. It fails fast with apperr.ErrLockUnavailable if
// another caller is transitioning the same session, apperr.ErrInvalidTransition if the
// edge is not allowed and apperr.ErrNotFound if the session does not exist.
func (m *Machine) Transition(ctx context.Context, req Request) (*models.Session, error) {
	if !req.To.Valid() {
		return nil, apperr.Invalid("unknown status %q", req.To)
	}
	if req.Holder == "" {
		req.Holder = lock.NewHolder("transition")
	}
	log := m.logger.With(zap.String("session_id", req.SessionID.String()), zap.String("holder", req.Holder))

	var from models.SessionStatus
	var updated *models.Session
	err := lock.WithLock(ctx, m.locker, lock.SessionStateKey(req.SessionID), req.Holder, func(ctx context.Context) error {
		current, err := m.store.ClaimLease(ctx, req.SessionID, req.Holder, req.Reason, m.leaseTTL)
		if err != nil {
			return err
		}
		defer m.releaseLease(ctx, req.SessionID, req.Holder, log)

		from = current.Status
		if !CanTransition(from, req.To) {
			return apperr.Wrap(apperr.ErrInvalidTransition, nil, fmt.Sprintf("cannot move session from %s to %s", from, req.To))
		}
		updated, err = m.store.ApplyTransition(ctx, ApplyParams{
			SessionID: req.SessionID,
			From:      from,
			To:        req.To,
			Holder:    req.Holder,
			Reason:    req.Reason,
			Metadata:  req.Metadata,
			Room:      req.Room,
		})
		return err
	})
	if err != nil {
		log.Info("transition rejected", zap.String("to", string(req.To)), zap.String("reason", string(apperr.ReasonOf(err))), zap.Error(err))
		return nil, err
	}
	log.Info("session transitioned", zap.String("from", string(from)), zap.String("to", string(req.To)))
	m.afterCommit(ctx, from, updated, log)
	return updated, nil
}

func (m *Machine) releaseLease(ctx context.Context, id uuid.UUID, holder string, log *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.ReleaseLease(rctx, id, holder); err != nil {
		log.Warn("release row lease failed", zap.Error(err))
	}
}

// afterCommit runs best-effort follow-ups. Failures are logged, never returned.
func (m *Machine) afterCommit(ctx context.Context, from models.SessionStatus, s *models.Session, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if m.capacity != nil && from.Active() != s.Status.Active() {
		if _, err := m.capacity.Recompute(ctx); err != nil {
			log.Warn("capacity recompute after transition failed", zap.Error(err))
		}
	}
	if m.events != nil {
		data := map[string]interface{}{"from": from, "to": s.Status, "reason": s.StateReason}
		if err := m.events.Publish(ctx, s.ID, EventStateChanged, data); err != nil {
			log.Warn("publish state change failed", zap.Error(err))
		}
	}
	if m.outbox != nil && s.Status == models.SessionCompleted {
		id := s.ID
		msg := &models.OutboxMessage{Kind: models.OutboxKindSessionAnalysis, SessionID: &id}
		if err := m.outbox.Enqueue(ctx, msg); err != nil {
			log.Warn("enqueue session analysis failed", zap.Error(err))
		}
	}
}

// CleanupExpiredLocks clears row leases older than the lease TTL and reclaims stale
// entries in the lock store.
func (m *Machine) CleanupExpiredLocks(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	n, err := m.store.ClearExpiredLeases(ctx, m.leaseTTL)
	if err != nil {
		return res, fmt.Errorf("clear expired leases: %w", err)
	}
	res.ExpiredLeases = n
	n, err = m.locker.Reclaim(ctx, m.leaseTTL)
	if err != nil {
		return res, fmt.Errorf("reclaim locks: %w", err)
	}
	res.ReclaimedLocks = n
	if res.ExpiredLeases > 0 || res.ReclaimedLocks > 0 {
		m.logger.Info("expired locks cleaned", zap.Int("leases", res.ExpiredLeases), zap.Int("locks", res.ReclaimedLocks))
	}
	return res, nil
}
