package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/hearthly/internal/domain"
)

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*domain.UserProfile
	err      error
	upserts  int
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[string]*domain.UserProfile)}
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles[userID], nil
}

func (f *fakeProfiles) UpsertProfile(_ context.Context, p *domain.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	cp := *p
	f.profiles[p.UserID] = &cp
	return nil
}

func TestMiddlewareIssuesCookieAndCreatesProfile(t *testing.T) {
	profiles := newFakeProfiles()
	var userID, tabID string
	h := Middleware(profiles, 3, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		tabID = TabIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if !isValidAnonID(userID) {
		t.Fatalf("expected generated anonymous id, got %q", userID)
	}
	if tabID != DefaultTabValue {
		t.Errorf("expected default tab, got %q", tabID)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName || cookies[0].Value != userID {
		t.Fatalf("expected identity cookie for %q, got %+v", userID, cookies)
	}

	p := profiles.profiles[userID]
	if p == nil {
		t.Fatal("expected profile to be created")
	}
	if p.RemainingSessions != 3 || p.SubscriptionLevel != domain.SubscriptionFree {
		t.Errorf("unexpected profile %+v", p)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	profiles := newFakeProfiles()
	existing := "anon_0123456789abcdef0123456789abcdef"
	profiles.profiles[existing] = &domain.UserProfile{UserID: existing, RemainingSessions: 1}

	var userID string
	h := Middleware(profiles, 3, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me?tab_id=tab-7", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: existing})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if userID != existing {
		t.Fatalf("expected %q, got %q", existing, userID)
	}
	if profiles.upserts != 0 {
		t.Errorf("existing profile must not be rewritten")
	}
	if profiles.profiles[existing].RemainingSessions != 1 {
		t.Errorf("remaining sessions changed")
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	var userID string
	h := Middleware(newFakeProfiles(), 3, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "admin"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if userID == "admin" || !isValidAnonID(userID) {
		t.Fatalf("expected a fresh id, got %q", userID)
	}
}

func TestMiddlewareToleratesProfileStoreOutage(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.err = errors.New("db down")
	called := false
	h := Middleware(profiles, 3, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !called || w.Code != http.StatusOK {
		t.Fatalf("expected request to proceed, called=%v code=%d", called, w.Code)
	}
}

func TestTabIDFromHeaderIsSanitized(t *testing.T) {
	var tabID string
	h := Middleware(newFakeProfiles(), 3, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		tabID = TabIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TabHeaderName, "bad id with spaces")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if tabID != DefaultTabValue {
		t.Errorf("expected invalid tab id to fall back, got %q", tabID)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TabHeaderName, "tab-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if tabID != "tab-42" {
		t.Errorf("expected tab-42, got %q", tabID)
	}
}

func TestClearCookieExpiresIdentity(t *testing.T) {
	w := httptest.NewRecorder()
	ClearCookie(w, false)

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 || !cookies[0].Secure {
		t.Fatalf("unexpected cookie %+v", cookies)
	}
}
