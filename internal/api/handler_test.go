package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/hearthly/internal/cache"
	"github.com/ashureev/hearthly/internal/config"
	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/identity"
	"github.com/ashureev/hearthly/internal/quota"
	"github.com/ashureev/hearthly/internal/session"
	"github.com/ashureev/hearthly/internal/speech"
	"github.com/ashureev/hearthly/internal/store"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "anon_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "anon_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type echoBackend struct{}

func (echoBackend) ProcessAudio(context.Context, []byte) (*speech.Reply, error) {
	return &speech.Reply{Audio: []byte("pcm"), Transcript: "heard you"}, nil
}

func (echoBackend) ProcessText(_ context.Context, text string) (*speech.Reply, error) {
	return &speech.Reply{Transcript: "echo: " + text}, nil
}

type testAPI struct {
	router http.Handler
	repo   *store.SQLiteStore
	quota  *quota.Store
	mgr    *session.Manager
}

func newTestAPI(t *testing.T, limiter *RateLimiter) *testAPI {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "hearthly.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	q := quota.New(repo, cache.NewMemory(), 3, nil)
	mgr := session.NewManager(session.Deps{
		Quota:   q,
		Records: repo,
		Cache:   cache.NewMemory(),
		Backend: echoBackend{},
	}, session.Options{})
	t.Cleanup(mgr.Close)

	cfg := &config.Config{Session: config.SessionConfig{
		MaxDuration:   10 * time.Minute,
		StartPolicy:   session.StartPolicyIgnore,
		SummaryPolicy: session.SummaryNone,
	}}

	r := chi.NewRouter()
	r.Use(asUser)
	NewHandler(mgr, q, repo, nil, limiter, cfg, nil).RegisterRoutes(r)
	return &testAPI{router: r, repo: repo, quota: q, mgr: mgr}
}

// asUser takes the caller from the X-Test-User header, defaulting to alice.
func asUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-Test-User")
		if userID == "" {
			userID = alice
		}
		next.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), userID)))
	})
}

func (a *testAPI) do(t *testing.T, method, path, body string, userID ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(userID) > 0 {
		req.Header.Set("X-Test-User", userID[0])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func (a *testAPI) waitForStatus(t *testing.T, status domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		w := a.do(t, http.MethodGet, "/api/session", "")
		return w.Code == http.StatusOK && decodeSnapshot(t, w).State.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteSessionErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"quota", session.ErrQuotaExhausted, http.StatusPaymentRequired, session.CodeQuotaExhausted},
		{"microphone", session.ErrMicrophoneDenied, http.StatusForbidden, session.CodeMicrophoneDenied},
		{"transition", session.ErrInvalidTransition, http.StatusConflict, session.CodeInvalidTransition},
		{"input", session.ErrEmptyInput, http.StatusBadRequest, session.CodeInvalidInput},
		{"unavailable", fmt.Errorf("%w: down", errdefs.ErrUnavailable), http.StatusServiceUnavailable, session.CodeUnavailable},
		{"rate limited", session.ErrRateLimited, http.StatusTooManyRequests, session.CodeRateLimited},
		{"mode", session.ErrInvalidMode, http.StatusBadRequest, session.CodeInvalidInput},
		{"internal", errors.New("boom"), http.StatusInternalServerError, session.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeSessionError(w, tt.err)
			assert.Equal(t, tt.status, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestStartSession(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/start", `{"mode":"voice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap := decodeSnapshot(t, w)
	assert.Equal(t, domain.StatusListening, snap.State.Status)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, 3, snap.RemainingSessions)
	require.NotNil(t, snap.Deadline)
}

func TestStartSessionWithoutBody(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusListening, decodeSnapshot(t, w).State.Status)
}

func TestStartSessionQuotaExhausted(t *testing.T) {
	a := newTestAPI(t, nil)
	require.NoError(t, a.quota.SetRemaining(context.Background(), alice, 0))

	w := a.do(t, http.MethodPost, "/api/session/start", `{"mode":"voice"}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Error   string `json:"error"`
		Upgrade bool   `json:"upgrade"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "quota_exhausted", body.Error)
	assert.True(t, body.Upgrade)
	assert.Equal(t, domain.StatusIdle, a.mgr.Get(alice).State().Status)
}

func TestStartSessionMicrophoneDenied(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/start", `{"mode":"voice","microphone_denied":true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, domain.StatusIdle, a.mgr.Get(alice).State().Status)
}

func TestStartSessionRejectsUnknownMode(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/start", `{"mode":"Voice","microphone_denied":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), session.CodeInvalidInput)
	assert.Equal(t, domain.StatusIdle, a.mgr.Get(alice).State().Status)
}

func TestStartSessionMalformedBody(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/start", `{"mode":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFinishFromIdleConflicts(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/finish", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopSession(t *testing.T) {
	a := newTestAPI(t, nil)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/session/start", "").Code)

	t.Run("malformed audio", func(t *testing.T) {
		w := a.do(t, http.MethodPost, "/api/session/stop", `{"audio":"***"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty audio", func(t *testing.T) {
		w := a.do(t, http.MethodPost, "/api/session/stop", `{"audio":""}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, domain.StatusListening, a.mgr.Get(alice).State().Status)
	})

	t.Run("data url", func(t *testing.T) {
		w := a.do(t, http.MethodPost, "/api/session/stop", `{"audio":"data:audio/webm;base64,aGVsbG8="}`)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, domain.StatusProcessing, decodeSnapshot(t, w).State.Status)

		a.waitForStatus(t, domain.StatusResponding)
		snap := decodeSnapshot(t, a.do(t, http.MethodGet, "/api/session", ""))
		assert.Equal(t, "heard you", snap.State.Message)
		assert.NotEmpty(t, snap.ReplyAudio)
	})
}

func TestTextTurnAndHistory(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/text", `{"text":"rough day"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sessionID := decodeSnapshot(t, w).SessionID
	require.NotEmpty(t, sessionID)

	a.waitForStatus(t, domain.StatusResponding)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/session/finish", "").Code)

	w = a.do(t, http.MethodPost, "/api/session/end", `{"summary":"talked it out"}`)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeSnapshot(t, w)
	assert.Equal(t, domain.StatusIdle, snap.State.Status)
	assert.Empty(t, snap.SessionID)
	assert.Equal(t, 2, snap.RemainingSessions)

	w = a.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list historyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sessionID, list.Sessions[0].ID)
	assert.True(t, list.Sessions[0].Completed)
	require.NotNil(t, list.Sessions[0].Summary)
	assert.Equal(t, "talked it out", *list.Sessions[0].Summary)

	w = a.do(t, http.MethodGet, "/api/history/"+sessionID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail sessionDetailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, domain.SenderUser, detail.Messages[0].Sender)
	assert.Equal(t, "rough day", detail.Messages[0].Text)
	assert.Equal(t, domain.SenderAgent, detail.Messages[1].Sender)
	assert.Equal(t, "echo: rough day", detail.Messages[1].Text)

	w = a.do(t, http.MethodGet, "/api/history/"+sessionID, "", bob)
	assert.Equal(t, http.StatusNotFound, w.Code, "sessions of other users are hidden")

	w = a.do(t, http.MethodGet, "/api/history/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListHistoryEmptyAndBadLimit(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())

	w = a.do(t, http.MethodGet, "/api/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitEmptyText(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodPost, "/api/session/text", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.StatusIdle, a.mgr.Get(alice).State().Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	a := newTestAPI(t, nil)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/session/start", "").Code)

	for i := 0; i < 2; i++ {
		w := a.do(t, http.MethodPost, "/api/session/cancel", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, domain.StatusIdle, decodeSnapshot(t, w).State.Status)
	}
	assert.Equal(t, 2, a.quota.GetRemaining(context.Background(), alice))
}

func TestTextIsRateLimited(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	t.Cleanup(limiter.Stop)
	a := newTestAPI(t, limiter)

	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/session/text", `{"text":"hi"}`).Code)

	w := a.do(t, http.MethodPost, "/api/session/text", `{"text":"again"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = a.do(t, http.MethodPost, "/api/session/text", `{"text":"hi"}`, bob)
	assert.Equal(t, http.StatusAccepted, w.Code, "limits are per user")
}

func TestGetMe(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusOK, w.Code)

	var me meResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, alice, me.UserID)
	assert.Equal(t, 3, me.RemainingSessions)
	assert.Equal(t, 3, me.MaxSessions)
	assert.Equal(t, domain.SubscriptionFree, me.SubscriptionLevel)
	assert.True(t, me.CanStartSession)
}

func TestGetConfig(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got configResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(600000), got.MaxSessionDurationMs)
	assert.Equal(t, 3, got.SessionLimit)
	assert.Equal(t, session.StartPolicyIgnore, got.StartPolicy)
}

func TestSignOutTearsDownSession(t *testing.T) {
	a := newTestAPI(t, nil)
	w := a.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := decodeSnapshot(t, w).SessionID

	w = a.do(t, http.MethodPost, "/api/signout", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), identity.CookieName+"=;")

	cs, err := a.repo.GetChatSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.False(t, cs.IsOpen())
	assert.False(t, cs.Completed)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)

	w := a.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	require.NoError(t, a.repo.Close())
	w = a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
