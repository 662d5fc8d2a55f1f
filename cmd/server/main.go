// Hearthly - voice companion session server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/hearthly/internal/api"
	"github.com/ashureev/hearthly/internal/cache"
	"github.com/ashureev/hearthly/internal/config"
	"github.com/ashureev/hearthly/internal/convlog"
	"github.com/ashureev/hearthly/internal/events"
	"github.com/ashureev/hearthly/internal/identity"
	"github.com/ashureev/hearthly/internal/middleware"
	"github.com/ashureev/hearthly/internal/quota"
	"github.com/ashureev/hearthly/internal/session"
	"github.com/ashureev/hearthly/internal/speech"
	"github.com/ashureev/hearthly/internal/store"
	"github.com/ashureev/hearthly/internal/sweeper"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"max_session_duration", cfg.Session.MaxDuration, "session_limit", cfg.Session.Limit)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	repo.SetLogger(logger.With("component", "store"))
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// The local tier is Redis when configured, otherwise process memory.
	var local cache.Store = cache.NewMemory()
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(cfg.RedisURL, cache.KeyPrefix, cache.DefaultTTL)
		if err != nil {
			slog.Warn("Redis unavailable, falling back to in-memory cache", "error", err)
		} else {
			defer func() { _ = rc.Close() }()
			local = rc
			slog.Info("Redis cache connected")
		}
	}

	quotas := quota.New(repo, local, cfg.Session.Limit, logger)

	msgs, err := config.LoadMessages(cfg.Session.PromptsPath)
	if err != nil {
		slog.Error("Failed to load prompts", "error", err)
		os.Exit(1)
	}

	var backend speech.Backend
	if cfg.Speech.GRPCAddr != "" {
		slog.Info("Connecting to speech service via gRPC", "address", cfg.Speech.GRPCAddr)
		grpcClient, err := speech.NewGRPCClient(speech.DefaultGRPCConfig(cfg.Speech.GRPCAddr), logger)
		if err != nil {
			slog.Error("Failed to connect to speech service", "error", err)
			os.Exit(1)
		}
		defer grpcClient.Close()
		backend = grpcClient
	} else {
		slog.Info("Using HTTP speech backend", "url", cfg.Speech.BackendURL)
		backend = speech.NewHTTPClient(cfg.Speech.BackendURL, cfg.Speech.Timeout, logger)
	}

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	sessions := session.NewManager(session.Deps{
		Quota:   quotas,
		Records: repo,
		Cache:   local,
		Backend: backend,
		ConvLog: conversationLogger,
		Logger:  logger,
	}, cfg.SessionOptions(msgs))
	defer sessions.Close()

	hub := events.NewHub(logger)
	sessions.OnChange(hub.Publish)

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	// Initialize handlers.
	apiHandler := api.NewHandler(sessions, quotas, repo, hub, limiter, cfg, logger)
	wsHandler := events.NewHandler(hub, sessions, limiter, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	// Public routes.
	r.Handle("/metrics", promhttp.Handler())

	// Everything else carries the anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.Session.Limit, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/session", wsHandler.ServeHTTP)
	})

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the orphaned session sweeper.
	sw := sweeper.New(repo, quotas, sessions, cfg.Session.MaxDuration, cfg.Sweep.Grace, logger)
	if err := sw.Start(ctx, cfg.Sweep.Schedule); err != nil {
		slog.Error("Failed to start session sweeper", "error", err)
		os.Exit(1)
	}
	defer sw.Stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
