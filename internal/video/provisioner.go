package video

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/sessions"
)

// EventRoomReady is published once a session has a room.
const EventRoomReady = "room_ready"

// RoomResult is the outcome of EnsureRoom.
type RoomResult struct {
	RoomURL  string `json:"room_url"`
	RoomName string `json:"room_name"`
	Provider string `json:"provider"`
	// Idempotent is true when the room already existed and no provider call was made.
	Idempotent bool `json:"idempotent"`
}

// SessionStore is the slice of sessions.Store the provisioner needs.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	SetRoom(ctx context.Context, id uuid.UUID, room models.VideoRoom) (*models.Session, error)
}

// Transitioner applies state transitions.
type Transitioner interface {
	Transition(ctx context.Context, req sessions.Request) (*models.Session, error)
}

// CapacityChecker is the read side of the capacity gate.
type CapacityChecker interface {
	Check(ctx context.Context) (capacity.Snapshot, error)
}

// RecordingInitializer creates the empty recording row of a session.
type RecordingInitializer interface {
	Init(ctx context.Context, sessionID uuid.UUID) error
}

// provisionMargin covers the state transition and lock round trips after the provider call.
const provisionMargin = 2 * time.Second

// ProvisionerConfig tunes lock retry. A caller that loses the race waits until the
// winner's provider call has had time to finish, so LockAttempts is raised to cover
// ProviderTimeout plus a margin when it is set.
type ProvisionerConfig struct {
	LockAttempts    int
	LockBackoff     time.Duration
	ProviderTimeout time.Duration
}

// Provisioner creates at most one room per session.
type Provisioner struct {
	store      SessionStore
	machine    Transitioner
	locker     lock.Locker
	gate       CapacityChecker
	primary    Provider
	fallback   Provider
	recordings RecordingInitializer
	events     sessions.Publisher
	cfg        ProvisionerConfig
	logger     *zap.Logger
}

// NewProvisioner creates a provisioner. fallback may be nil.
func NewProvisioner(store SessionStore, machine Transitioner, locker lock.Locker, gate CapacityChecker, primary, fallback Provider, cfg ProvisionerConfig, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = 250 * time.Millisecond
	}
	if cfg.ProviderTimeout > 0 {
		if n := lock.AttemptsFor(cfg.ProviderTimeout+provisionMargin, cfg.LockBackoff); cfg.LockAttempts < n {
			cfg.LockAttempts = n
		}
	}
	if cfg.LockAttempts <= 0 {
		cfg.LockAttempts = 3
	}
	return &Provisioner{store: store, machine: machine, locker: locker, gate: gate, primary: primary, fallback: fallback, cfg: cfg, logger: logger}
}

// SetRecordings sets the optional recording initializer.
func (p *Provisioner) SetRecordings(r RecordingInitializer) { p.recordings = r }

// SetPublisher sets the optional realtime publisher.
func (p *Provisioner) SetPublisher(e sessions.Publisher) { p.events = e }

// EnsureRoom returns the session's room, creating it if needed. Concurrent calls for one
// session converge on a single room.
func (p *Provisioner) EnsureRoom(ctx context.Context, sessionID uuid.UUID, idempotencyKey string) (*RoomResult, error) {
	holder := lock.NewHolder("provision")
	if idempotencyKey != "" {
		holder = "provision:" + idempotencyKey
	}
	log := p.logger.With(zap.String("session_id", sessionID.String()), zap.String("holder", holder))

	var result *RoomResult
	err := lock.WithLockRetry(ctx, p.locker, lock.RoomCreateKey(sessionID), holder, p.cfg.LockAttempts, p.cfg.LockBackoff, func(ctx context.Context) error {
		s, err := p.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.HasRoom() {
			result = &RoomResult{RoomURL: s.VideoRoomURL, RoomName: s.VideoRoomName, Provider: s.VideoProvider, Idempotent: true}
			return nil
		}
		switch s.Status {
		case models.SessionScheduled, models.SessionReady, models.SessionInProgress:
		default:
			return apperr.Wrap(apperr.ErrInvalidTransition, nil, "session is not open for a video room")
		}
		// ready and in_progress sessions are already counted as active.
		if s.Status == models.SessionScheduled && p.gate != nil {
			snap, err := p.gate.Check(ctx)
			if err != nil {
				return err
			}
			if !snap.CanAdmit {
				return apperr.ErrCapacityExceeded
			}
		}

		room, err := p.createRoom(ctx, RoomName(sessionID), log)
		if err != nil {
			return err
		}

		if s.Status == models.SessionScheduled {
			_, err = p.machine.Transition(ctx, sessions.Request{
				SessionID: sessionID,
				To:        models.SessionReady,
				Holder:    holder,
				Reason:    "room_provisioned",
				Room:      room,
			})
		} else {
			_, err = p.store.SetRoom(ctx, sessionID, *room)
		}
		if err != nil {
			log.Error("persist room failed", zap.String("room", room.Name), zap.Error(err))
			return err
		}
		result = &RoomResult{RoomURL: room.URL, RoomName: room.Name, Provider: room.Provider}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Idempotent {
		p.afterCreate(ctx, sessionID, result, log)
	}
	return result, nil
}

func (p *Provisioner) createRoom(ctx context.Context, name string, log *zap.Logger) (*models.VideoRoom, error) {
	room, err := p.primary.CreateRoom(ctx, name)
	if err == nil {
		log.Info("video room created", zap.String("provider", room.Provider), zap.String("room", room.Name))
		return room, nil
	}
	log.Warn("primary video provider failed", zap.String("provider", p.primary.Name()), zap.Error(err))
	if ctx.Err() != nil {
		return nil, apperr.Wrap(apperr.ErrVideoProviderUnavailable, ctx.Err(), "")
	}
	if p.fallback == nil {
		return nil, apperr.Wrap(apperr.ErrVideoProviderUnavailable, err, "")
	}
	room, ferr := p.fallback.CreateRoom(ctx, name)
	if ferr != nil {
		log.Error("fallback video provider failed", zap.String("provider", p.fallback.Name()), zap.Error(ferr))
		return nil, apperr.Wrap(apperr.ErrVideoProviderUnavailable, errors.Join(err, ferr), "")
	}
	log.Warn("video room created on fallback provider (degraded)", zap.String("provider", room.Provider), zap.String("room", room.Name))
	return room, nil
}

func (p *Provisioner) afterCreate(ctx context.Context, sessionID uuid.UUID, r *RoomResult, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if p.recordings != nil {
		if err := p.recordings.Init(ctx, sessionID); err != nil {
			log.Warn("init session recording failed", zap.Error(err))
		}
	}
	if p.events != nil {
		if err := p.events.Publish(ctx, sessionID, EventRoomReady, r); err != nil {
			log.Warn("publish room ready failed", zap.Error(err))
		}
	}
}
