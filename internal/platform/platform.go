// Package platform wires the shared services used by the server, the worker and
// sessionctl from one configuration.
package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-coaching/backend/config"
	"github.com/aura-coaching/backend/internal/access"
	"github.com/aura-coaching/backend/internal/auth"
	"github.com/aura-coaching/backend/internal/booking"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/insights"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/outbox"
	"github.com/aura-coaching/backend/internal/realtime"
	"github.com/aura-coaching/backend/internal/recordings"
	"github.com/aura-coaching/backend/internal/sessions"
	"github.com/aura-coaching/backend/internal/video"
	"github.com/aura-coaching/backend/pkg/database"
	"github.com/aura-coaching/backend/pkg/queue"
	"github.com/aura-coaching/backend/pkg/redis"
	"github.com/aura-coaching/backend/pkg/storage"
)

// Platform holds the process-wide services.
type Platform struct {
	Config *config.Config
	Logger *zap.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client

	Locker      lock.Locker
	Queue       *queue.Queue
	Sessions    *sessions.Repository
	Machine     *sessions.Machine
	Gate        *capacity.Gate
	Users       *auth.Repository
	JWT         *auth.JWTService
	Outbox      *outbox.Outbox
	Recordings  *recordings.Pipeline
	Daily       *video.DailyClient
	Provisioner *video.Provisioner
	Access      *access.Issuer
	Booking     *booking.Bridge
	Hub         *realtime.Hub
	S3          *storage.S3
}

// NewLogger builds the production zap logger.
func NewLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

// Open connects to Postgres and Redis and builds every service. Optional integrations
// (S3, OpenAI) are skipped with a warning when unconfigured.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Platform, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Platform{Config: cfg, Logger: logger}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Capacity.MaxDBConnections, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	p.Pool = pool

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	p.Redis = rdb

	switch cfg.Locks.Backend {
	case config.LockBackendPostgres:
		p.Locker = lock.NewPostgresLocker(pool, logger)
	default:
		p.Locker = lock.NewRedisLocker(rdb.Client, cfg.Locks.TTL, logger)
	}

	if cfg.AWS.RecordingsBucket != "" {
		p.S3, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			TranscriptsBucket:    cfg.AWS.TranscriptsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			p.S3 = nil
		}
	} else {
		logger.Warn("s3 disabled: AWS_S3_RECORDINGS_BUCKET not set")
	}

	p.Queue = queue.NewQueue(rdb.Client, logger)
	p.Hub = realtime.NewHub(realtime.NewRedisPubSub(rdb.Client, logger), logger)
	p.Users = auth.NewRepository(pool)
	p.JWT = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	capStore := capacity.NewRepository(pool)
	p.Gate = capacity.NewGate(capStore, database.ConnUsage(pool), logger)

	p.Outbox = outbox.New(outbox.NewRepository(pool), p.Queue, logger)

	p.Sessions = sessions.NewRepository(pool)
	p.Machine = sessions.NewMachine(p.Sessions, p.Locker, cfg.Locks.TTL, logger)
	p.Machine.SetCapacity(p.Gate)
	p.Machine.SetPublisher(p.Hub)
	p.Machine.SetOutbox(p.Outbox)

	p.Recordings = recordings.NewPipeline(recordings.NewRepository(pool), p.Locker, logger)
	if p.S3 != nil {
		p.Recordings.SetArchive(p.S3)
	}
	if cfg.Insights.Enabled() {
		icfg := insights.Config{APIKey: cfg.Insights.OpenAIAPIKey, BaseURL: cfg.Insights.OpenAIBaseURL, Model: cfg.Insights.Model}
		p.Recordings.SetGenerator(insights.NewOpenAIGenerator(icfg, logger))
		p.Recordings.SetTranscriber(insights.NewOpenAITranscriber(icfg))
	} else {
		logger.Warn("session insights disabled: OPENAI_API_KEY not set")
	}

	p.Daily = video.NewDailyClient(video.DailyConfig{
		APIKey:  cfg.Video.DailyAPIKey,
		BaseURL: cfg.Video.DailyBaseURL,
		Timeout: cfg.Video.Timeout,
		RoomTTL: cfg.Video.RoomTTL,
	}, logger)
	var fallback video.Provider
	if cfg.Video.FallbackHost != "" {
		fallback = video.NewFallbackProvider(cfg.Video.FallbackHost)
	}
	p.Provisioner = video.NewProvisioner(p.Sessions, p.Machine, p.Locker, p.Gate, p.Daily, fallback,
		video.ProvisionerConfig{
			LockAttempts:    cfg.Locks.ProvisionAttempts,
			LockBackoff:     cfg.Locks.ProvisionBackoff,
			ProviderTimeout: cfg.Video.Timeout,
		}, logger)
	p.Provisioner.SetRecordings(p.Recordings)
	p.Provisioner.SetPublisher(p.Hub)

	p.Access = access.NewIssuer(p.Sessions, p.Users, access.NewRepository(pool), p.Daily, access.Config{
		TokenTTL:     cfg.Video.TokenTTL,
		JoinLinkTTL:  cfg.Booking.JoinLinkTTL,
		PublicAPIURL: cfg.App.PublicAPIURL,
	}, logger)

	p.Booking = booking.NewBridge(booking.NewRepository(pool), p.Sessions, p.Machine, p.Gate, p.Locker, p.Users, booking.Config{
		CoinsPerMinute:         cfg.Booking.CoinsPerMinute,
		InstantDurationMinutes: cfg.Booking.InstantDurationMinutes,
		ConnectRequestTTL:      cfg.Booking.ConnectRequestTTL,
	}, logger)
	p.Booking.SetOutbox(p.Outbox)
	return p, nil
}

// Bootstrap applies pending migrations and the configured capacity limits.
func (p *Platform) Bootstrap(ctx context.Context) error {
	applied, err := database.Migrate(ctx, p.Pool)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		p.Logger.Info("migrations applied", zap.Strings("names", applied))
	}
	if err := p.Gate.SetLimits(ctx, p.Config.Capacity.MaxSessions, p.Config.Capacity.MaxDBConnections); err != nil {
		return err
	}
	_, err = p.Gate.Recompute(ctx)
	return err
}

// Close releases connections.
func (p *Platform) Close() {
	if p.Redis != nil {
		_ = p.Redis.Close()
	}
	if p.Pool != nil {
		p.Pool.Close()
	}
}
