// Package main runs the coaching platform HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/config"
	"github.com/aura-coaching/backend/internal/access"
	"github.com/aura-coaching/backend/internal/auth"
	"github.com/aura-coaching/backend/internal/booking"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/middleware"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/outbox"
	"github.com/aura-coaching/backend/internal/platform"
	"github.com/aura-coaching/backend/internal/realtime"
	"github.com/aura-coaching/backend/internal/recordings"
	"github.com/aura-coaching/backend/internal/sessions"
	"github.com/aura-coaching/backend/internal/video"
	"github.com/aura-coaching/backend/pkg/response"
)

func main() {
	logger := platform.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open platform", zap.Error(err))
	}
	defer p.Close()
	if err := p.Bootstrap(ctx); err != nil {
		logger.Fatal("bootstrap", zap.Error(err))
	}

	authHandler := auth.NewHandler(p.Users, p.JWT, logger)
	sessionHandler := sessions.NewHandler(p.Machine, p.Gate, cfg.Booking.CoinsPerMinute, logger)
	videoHandler := video.NewHandler(p.Provisioner, logger)
	accessHandler := access.NewHandler(p.Access, p.Provisioner, cfg.App.URL, logger)
	recordingHandler := recordings.NewHandler(p.Recordings, p.Sessions, logger)
	webhookHandler := recordings.NewWebhookHandler(p.Recordings, p.Queue, cfg.Video.WebhookSecret, cfg.Video.SignatureHeader, logger)
	bookingHandler := booking.NewHandler(p.Booking, logger)
	outboxHandler := outbox.NewHandler(p.Outbox, logger)
	capacityHandler := capacity.NewHandler(p.Gate, logger)
	wsHandler := realtime.NewHandler(p.Hub, p.JWT, p.Sessions, logger)
	wsHandler.SetPresence(p.Access)

	if cfg.Video.WebhookSecret == "" {
		logger.Warn("VIDEO_WEBHOOK_SECRET not set: every transcription webhook will be rejected")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health"))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	v1 := router.Group("/api/v1")

	// Public
	v1.POST("/auth/login", authHandler.Login)
	v1.POST("/auth/register", authHandler.Register)
	v1.GET("/join", accessHandler.Redirect)
	v1.POST("/webhooks/transcription", webhookHandler.Transcription)
	v1.GET("/ws", wsHandler.ServeWs)
	bookingHandler.RegisterPublic(v1)

	// Protected API (JWT required)
	api := v1.Group("")
	api.Use(middleware.JWT(p.JWT))
	{
		api.GET("/auth/me", authHandler.Me)
		api.GET("/coaches", authHandler.ListCoaches)

		sessionHandler.Register(api)
		api.POST("/sessions/:id/room", videoHandler.EnsureRoom)
		api.POST("/sessions/:id/join", accessHandler.Join)
		api.POST("/sessions/:id/join-link", middleware.RequireRole(models.RoleCoach), accessHandler.CreateJoinLink)
		api.GET("/sessions/:id/participants", accessHandler.Participants)

		recordingHandler.Register(api)
		bookingHandler.Register(api)
		outboxHandler.Register(api)
		capacityHandler.Register(api)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
