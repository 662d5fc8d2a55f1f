// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/hearthly/internal/domain"
)

const (
	CookieName      = "hearthly_uid"
	TabHeaderName   = "X-Hearthly-Tab-ID"
	DefaultTabValue = "default"
	cookieMaxAge    = 365 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	displayNameKey
	tabIDKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Profiles is the store used to make sure every visitor has a profile.
type Profiles interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
	UpsertProfile(ctx context.Context, profile *domain.UserProfile) error
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// DisplayNameFromContext extracts the user's display name from the request context.
func DisplayNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the browser tab ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabValue
}

// WithUserID returns a context carrying userID. Used by tests and tools that
// bypass the middleware.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, displayNameKey, deriveDisplayName(userID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabValue
	}
	return id
}

func deriveDisplayName(userID string) string {
	if len(userID) > 13 {
		return "friend-" + userID[len(userID)-6:]
	}
	return "friend"
}

// ensureProfile creates a profile with the full allowance on first sight.
// An existing profile is never touched.
func ensureProfile(ctx context.Context, profiles Profiles, userID string, limit int) error {
	p, err := profiles.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if p != nil {
		return nil
	}

	now := time.Now()
	return profiles.UpsertProfile(ctx, &domain.UserProfile{
		UserID:            userID,
		RemainingSessions: limit,
		SubscriptionLevel: domain.SubscriptionFree,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func setCookie(w http.ResponseWriter, value string, maxAge time.Duration, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && isValidAnonID(c.Value) {
		setCookie(w, c.Value, cookieMaxAge, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setCookie(w, id, cookieMaxAge, isDev)
	return id, nil
}

// ClearCookie signs the device out by expiring its identity cookie.
func ClearCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func tabIDFromRequest(r *http.Request) string {
	id := r.Header.Get(TabHeaderName)
	if id == "" {
		id = r.URL.Query().Get("tab_id")
	}
	return sanitizeTabID(id)
}

// Middleware injects the anonymous per-device identity and the tab ID, and
// makes sure the visitor has a quota profile. A profile store outage is
// logged and does not block the request.
func Middleware(profiles Profiles, limit int, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureProfile(r.Context(), profiles, userID, limit); err != nil {
				slog.Warn("failed to initialize user profile", "user_id", userID, "error", err)
			}

			ctx := WithUserID(r.Context(), userID)
			ctx = context.WithValue(ctx, tabIDKey, tabIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
