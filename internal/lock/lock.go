// Package lock provides non-blocking advisory locks shared across service instances.
//
// A lock is identified by a string key such as "session_state:<id>". Acquisition never
// waits: a held lock yields apperr.ErrLockUnavailable immediately. Callers that must
// converge use WithLockRetry with a bounded number of attempts.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/aura-coaching/backend/internal/apperr"
)

// releaseTimeout bounds Release when the caller's context is already done.
const releaseTimeout = 5 * time.Second

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Key() string
	Holder() string
	Release(ctx context.Context) error
}

// Locker acquires advisory locks.
type Locker interface {
	// TryAcquire returns apperr.ErrLockUnavailable when another holder owns key.
	TryAcquire(ctx context.Context, key, holder string) (Lease, error)
	// Reclaim removes locks older than maxAge whose holders are presumed dead.
	Reclaim(ctx context.Context, maxAge time.Duration) (int, error)
}

// SessionStateKey is the lock guarding state transitions of one session.
func SessionStateKey(sessionID uuid.UUID) string {
	return "session_state:" + sessionID.String()
}

// RoomCreateKey is the lock guarding video room creation for one session.
func RoomCreateKey(sessionID uuid.UUID) string {
	return "video_room_create:" + sessionID.String()
}

// RecordingKey is the lock guarding read-modify-write updates of one session's recording.
func RecordingKey(sessionID uuid.UUID) string {
	return "recording:" + sessionID.String()
}

// NewHolder returns a unique holder id with a readable prefix, e.g. "transition:3f9c...".
func NewHolder(prefix string) string {
	return prefix + ":" + uuid.NewString()
}

// KeyID maps key to a stable non-negative 31-bit integer for integer-keyed lock stores.
func KeyID(key string) int64 {
	return int64(murmur3.Sum32([]byte(key)) & 0x7fffffff)
}

// WithLock acquires key, runs fn and always releases, including when fn panics.
// A release failure is logged by the backend and never replaces fn's result.
func WithLock(ctx context.Context, l Locker, key, holder string, fn func(ctx context.Context) error) error {
	lease, err := l.TryAcquire(ctx, key, holder)
	if err != nil {
		return err
	}
	return runHeld(ctx, lease, fn)
}

// AttemptsFor returns how many acquisitions spaced by backoff cover window.
func AttemptsFor(window, backoff time.Duration) int {
	if backoff <= 0 || window <= 0 {
		return 1
	}
	n := int(window / backoff)
	if window%backoff != 0 {
		n++
	}
	return n + 1
}

// WithLockRetry is WithLock with up to attempts acquisitions spaced by backoff.
// Only lock contention is retried; fn errors are returned as is.
func WithLockRetry(ctx context.Context, l Locker, key, holder string, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		var lease Lease
		lease, err = l.TryAcquire(ctx, key, holder)
		if errors.Is(err, apperr.ErrLockUnavailable) {
			continue
		}
		if err != nil {
			return err
		}
		return runHeld(ctx, lease, fn)
	}
	return err
}

func runHeld(ctx context.Context, lease Lease, fn func(ctx context.Context) error) error {
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = lease.Release(rctx)
	}()
	return fn(ctx)
}
