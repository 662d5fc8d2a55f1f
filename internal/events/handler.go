package events

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/hearthly/internal/identity"
	"github.com/ashureev/hearthly/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/containerd/errdefs"
)

const (
	writeTimeout = 10 * time.Second

	// maxFrameBytes bounds one inbound frame. A stop command carries a whole
	// base64 recording, so this matches the HTTP body limit.
	maxFrameBytes = 16 << 20
)

// Limiter throttles backend-bound commands per user.
type Limiter interface {
	Allow(key string) bool
}

// Handler upgrades /ws/session requests and serves one user's session stream.
type Handler struct {
	hub           *Hub
	sessions      *session.Manager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a WebSocket handler. A nil limiter disables throttling.
func NewHandler(hub *Hub, sessions *session.Manager, limiter Limiter, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:           hub,
		sessions:      sessions,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctrl := h.sessions.Get(userID)
	c := newClient(userID, tabID)
	h.hub.register(c)
	defer h.hub.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c.offer(snapshotMessage(ctrl.Refresh(ctx)))

	go func() {
		defer cancel()
		h.writeLoop(ctx, ws, c)
	}()

	h.readLoop(ctx, ws, c, ctrl)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, ws, msg)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", "error", err, "user_id", c.userID)
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, c *client, ctrl *session.Controller) {
	for {
		var cmd Command
		if err := wsjson.Read(ctx, ws, &cmd); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("websocket closed", "user_id", c.userID)
			} else {
				h.logger.Warn("websocket read error", "error", err, "user_id", c.userID)
			}
			return
		}

		if cmd.Type == CmdPing {
			c.offer(Message{Type: TypePong})
			continue
		}

		// Successful commands reach every tab through the hub listener;
		// only the issuing tab hears about failures.
		if err := h.dispatch(ctx, c.userID, ctrl, cmd); err != nil {
			h.logger.Info("session command rejected", "user_id", c.userID, "command", cmd.Type, "error", err)
			c.offer(errorMessage(cmd.Type, err))
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, userID string, ctrl *session.Controller, cmd Command) error {
	switch cmd.Type {
	case CmdStop, CmdText:
		if h.limiter != nil && !h.limiter.Allow(userID) {
			return session.ErrRateLimited
		}
	}

	var err error
	switch cmd.Type {
	case CmdStart:
		_, err = ctrl.RequestStart(ctx, session.StartRequest{
			Mode:             session.Mode(cmd.Mode),
			MicrophoneDenied: cmd.MicrophoneDenied,
		})
	case CmdStop:
		audio, decErr := base64.StdEncoding.DecodeString(cmd.Audio)
		if decErr != nil {
			return fmt.Errorf("%w: audio must be base64: %w", errdefs.ErrInvalidArgument, decErr)
		}
		_, err = ctrl.RequestStop(ctx, audio)
	case CmdText:
		_, err = ctrl.SubmitText(ctx, cmd.Text)
	case CmdFinish:
		_, err = ctrl.RequestFinish(ctx)
	case CmdCancel:
		_, err = ctrl.RequestCancel(ctx)
	case CmdEnd:
		_, err = ctrl.RequestEnd(ctx, session.EndRequest{Reason: session.EndReasonUser, Summary: cmd.Summary})
	default:
		err = fmt.Errorf("%w: unknown command %q", errdefs.ErrInvalidArgument, cmd.Type)
	}
	return err
}
