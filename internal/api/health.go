package api

import (
	"net/http"
)

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "database": "unreachable"})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"database":        "ok",
		"active_sessions": h.sessions.Count(),
	})
}
