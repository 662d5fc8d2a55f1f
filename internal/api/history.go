package api

import (
	"net/http"
	"strconv"

	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type historyResponse struct {
	Sessions []*domain.ChatSession `json:"sessions"`
}

type sessionDetailResponse struct {
	Session  *domain.ChatSession   `json:"session"`
	Messages []*domain.ChatMessage `json:"messages"`
}

// ListHistory returns the caller's most recent sessions.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.repo.ListChatSessions(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if sessions == nil {
		sessions = []*domain.ChatSession{}
	}
	JSON(w, http.StatusOK, historyResponse{Sessions: sessions})
}

// GetHistory returns one of the caller's sessions with its messages.
// Sessions owned by someone else are reported as not found.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	cs, err := h.repo.GetChatSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if cs == nil || cs.UserID != userID {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	msgs, err := h.repo.ListChatMessages(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to load messages", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, sessionDetailResponse{Session: cs, Messages: msgs})
}
