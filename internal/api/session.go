package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/hearthly/internal/identity"
	"github.com/ashureev/hearthly/internal/session"
	"github.com/containerd/errdefs"
)

type stopRequest struct {
	Audio string `json:"audio"` // base64 or data URL
}

type textRequest struct {
	Text string `json:"text"`
}

type endRequest struct {
	Summary string `json:"summary"`
}

// GetSession returns the caller's current session snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctrl := h.sessions.Get(identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, ctrl.Refresh(r.Context()))
}

// StartSession begins listening, opening a session if none is running.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	req := session.StartRequest{Mode: session.ModeVoice}
	if err := decodeJSON(w, r, &req); err != nil {
		writeSessionError(w, err)
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	snap, err := h.sessions.Get(userID).RequestStart(r.Context(), req)
	if err != nil {
		h.logger.Info("session start refused", "user_id", userID, "code", session.ErrorCode(err))
		writeSessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// StopSession ends the capture and hands the recording to the backend.
// The reply arrives asynchronously, so the response is 202.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeSessionError(w, err)
		return
	}
	audio, err := decodeAudioPayload(req.Audio)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	snap, err := h.sessions.Get(identity.UserIDFromContext(r.Context())).RequestStop(r.Context(), audio)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, snap)
}

// SubmitText sends a typed utterance, starting a text session from idle.
func (h *Handler) SubmitText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeSessionError(w, err)
		return
	}

	snap, err := h.sessions.Get(identity.UserIDFromContext(r.Context())).SubmitText(r.Context(), req.Text)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, snap)
}

// FinishSession acknowledges the agent's reply and returns to idle.
func (h *Handler) FinishSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Get(identity.UserIDFromContext(r.Context())).RequestFinish(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// CancelSession abandons the session. It is idempotent.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Get(identity.UserIDFromContext(r.Context())).RequestCancel(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// EndSession ends the session as completed, with an optional summary.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeSessionError(w, err)
		return
	}

	snap, err := h.sessions.Get(identity.UserIDFromContext(r.Context())).RequestEnd(r.Context(), session.EndRequest{
		Reason:  session.EndReasonUser,
		Summary: req.Summary,
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

func decodeAudioPayload(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: audio must be base64: %w", errdefs.ErrInvalidArgument, err)
	}
	return b, nil
}
