package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
)

// redisKeyPrefix namespaces lock keys in Redis.
const redisKeyPrefix = "lock:"

// releaseScript deletes the key only if it still carries our value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisEntry struct {
	Token      string    `json:"token"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// RedisLocker implements Locker with SET NX. Keys also carry a TTL so a crashed holder
// cannot wedge a lock forever.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisLocker creates a Redis-backed locker. ttl is the hard expiry of every key.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger, now: time.Now}
}

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, key, holder string) (Lease, error) {
	entry := redisEntry{Token: uuid.NewString(), Holder: holder, AcquiredAt: l.now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal lock entry: %w", err)
	}
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+key, raw, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, apperr.ErrLockUnavailable
	}
	l.logger.Debug("lock acquired", zap.String("key", key), zap.String("holder", holder))
	return &redisLease{locker: l, key: key, holder: holder, value: string(raw)}, nil
}

// Reclaim implements Locker. Entries whose acquired_at is older than maxAge are deleted.
func (l *RedisLocker) Reclaim(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge)
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := l.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan locks: %w", err)
		}
		for _, k := range keys {
			val, err := l.client.Get(ctx, k).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("get %s: %w", k, err)
			}
			var e redisEntry
			if err := json.Unmarshal([]byte(val), &e); err != nil || e.AcquiredAt.Before(cutoff) {
				n, err := releaseScript.Run(ctx, l.client, []string{k}, val).Int()
				if err != nil {
					return removed, fmt.Errorf("reclaim %s: %w", k, err)
				}
				if n > 0 {
					removed++
					l.logger.Warn("reclaimed stale lock", zap.String("key", k), zap.String("holder", e.Holder))
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

type redisLease struct {
	locker   *RedisLocker
	key      string
	holder   string
	value    string
	released bool
}

func (r *redisLease) Key() string    { return r.key }
func (r *redisLease) Holder() string { return r.holder }

func (r *redisLease) Release(ctx context.Context) error {
	if r.released {
		return nil
	}
	r.released = true
	n, err := releaseScript.Run(ctx, r.locker.client, []string{redisKeyPrefix + r.key}, r.value).Int()
	if err != nil {
		r.locker.logger.Error("lock release failed", zap.String("key", r.key), zap.String("holder", r.holder), zap.Error(err))
		return fmt.Errorf("release lock %s: %w", r.key, err)
	}
	if n == 0 {
		r.locker.logger.Warn("lock already gone on release", zap.String("key", r.key), zap.String("holder", r.holder))
	}
	return nil
}
