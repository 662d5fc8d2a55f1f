// Package api provides HTTP handlers for the Hearthly API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/hearthly/internal/config"
	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/events"
	"github.com/ashureev/hearthly/internal/session"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 16 << 20

// Quota is the quota surface the API reads.
type Quota interface {
	GetRemaining(ctx context.Context, userID string) int
	Max() int
}

// Repository is the persistent data the API reads.
type Repository interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
	GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error)
	ListChatSessions(ctx context.Context, userID string, limit int) ([]*domain.ChatSession, error)
	ListChatMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)
	Ping(ctx context.Context) error
}

// Handler serves the REST API.
type Handler struct {
	sessions *session.Manager
	quota    Quota
	repo     Repository
	hub      *events.Hub
	limiter  *RateLimiter
	cfg      *config.Config
	logger   *slog.Logger
}

// NewHandler creates a Handler. hub may be nil when no WebSocket stream is served.
func NewHandler(sessions *session.Manager, quota Quota, repo Repository, hub *events.Hub, limiter *RateLimiter, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		quota:    quota,
		repo:     repo,
		hub:      hub,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRoutes registers API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Post("/signout", h.SignOut)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/start", h.StartSession)
			r.With(h.rateLimited).Post("/stop", h.StopSession)
			r.With(h.rateLimited).Post("/text", h.SubmitText)
			r.Post("/finish", h.FinishSession)
			r.Post("/cancel", h.CancelSession)
			r.Post("/end", h.EndSession)
		})

		r.Get("/history", h.ListHistory)
		r.Get("/history/{sessionID}", h.GetHistory)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeSessionError maps a session error to its HTTP status.
func writeSessionError(w http.ResponseWriter, err error) {
	code := session.ErrorCode(err)
	switch code {
	case session.CodeQuotaExhausted:
		JSON(w, http.StatusPaymentRequired, map[string]interface{}{"error": code, "upgrade": true})
	case session.CodeMicrophoneDenied:
		Error(w, http.StatusForbidden, code)
	case session.CodeInvalidTransition:
		Error(w, http.StatusConflict, code)
	case session.CodeInvalidInput:
		Error(w, http.StatusBadRequest, code)
	case session.CodeUnavailable:
		Error(w, http.StatusServiceUnavailable, code)
	case session.CodeRateLimited:
		Error(w, http.StatusTooManyRequests, code)
	default:
		Error(w, http.StatusInternalServerError, code)
	}
}

// decodeJSON reads an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %w", errdefs.ErrInvalidArgument, err)
	}
	return nil
}
