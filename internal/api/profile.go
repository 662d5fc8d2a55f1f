package api

import (
	"net/http"

	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/identity"
	"github.com/ashureev/hearthly/internal/session"
)

type meResponse struct {
	UserID            string `json:"user_id"`
	DisplayName       string `json:"display_name"`
	RemainingSessions int    `json:"remaining_sessions"`
	MaxSessions       int    `json:"max_sessions"`
	SubscriptionLevel string `json:"subscription_level"`
	CanStartSession   bool   `json:"can_start_session"`
}

type configResponse struct {
	MaxSessionDurationMs int64                 `json:"max_session_duration_ms"`
	SessionLimit         int                   `json:"session_limit"`
	StartPolicy          session.StartPolicy   `json:"start_policy"`
	SummaryPolicy        session.SummaryPolicy `json:"summary_policy"`
}

// GetMe returns the caller's identity and quota.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)

	remaining := h.quota.GetRemaining(ctx, userID)
	level := domain.SubscriptionFree
	if p, err := h.repo.GetProfile(ctx, userID); err != nil {
		h.logger.Warn("failed to load profile", "user_id", userID, "error", err)
	} else if p != nil && p.SubscriptionLevel != "" {
		level = p.SubscriptionLevel
	}

	JSON(w, http.StatusOK, meResponse{
		UserID:            userID,
		DisplayName:       identity.DisplayNameFromContext(ctx),
		RemainingSessions: remaining,
		MaxSessions:       h.quota.Max(),
		SubscriptionLevel: level,
		CanStartSession:   remaining > 0,
	})
}

// GetConfig returns the client-facing session settings.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, configResponse{
		MaxSessionDurationMs: h.cfg.Session.MaxDuration.Milliseconds(),
		SessionLimit:         h.quota.Max(),
		StartPolicy:          h.cfg.Session.StartPolicy,
		SummaryPolicy:        h.cfg.Session.SummaryPolicy,
	})
}

// SignOut tears down the caller's session, closes their streams and expires
// the identity cookie.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	h.sessions.Teardown(r.Context(), userID)
	if h.hub != nil {
		h.hub.CloseUser(userID)
	}
	identity.ClearCookie(w, h.cfg.IsDevelopment())

	h.logger.Info("user signed out", "user_id", userID)
	w.WriteHeader(http.StatusNoContent)
}
