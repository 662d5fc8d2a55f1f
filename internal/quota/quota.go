// Package quota tracks how many sessions each user has left.
//
// Reads and writes go to the persistent store first and are mirrored into a
// local cache tier. When the store is unreachable the cached value is served
// and updated instead, so callers can keep going on the last known quota.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/hearthly/internal/cache"
	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/metrics"
	"github.com/containerd/errdefs"
)

// DefaultLimit is the number of sessions a free-tier user gets.
const DefaultLimit = 3

// Repository is the persistent side of the quota.
type Repository interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
	UpsertProfile(ctx context.Context, profile *domain.UserProfile) error
	SetRemainingSessions(ctx context.Context, userID string, remaining int) error
	ChargeChatSession(ctx context.Context, sessionID, userID string, seed int) (int, bool, error)
}

// Store reads and updates per-user remaining session counts.
type Store struct {
	repo   Repository
	local  cache.Store
	max    int
	logger *slog.Logger
}

// New creates a quota store. A non-positive max falls back to DefaultLimit.
func New(repo Repository, local cache.Store, max int, logger *slog.Logger) *Store {
	if max <= 0 {
		max = DefaultLimit
	}
	if local == nil {
		local = cache.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, local: local, max: max, logger: logger}
}

// Max returns the configured session limit.
func (s *Store) Max() int {
	return s.max
}

// GetRemaining returns the user's remaining sessions. A missing profile is
// created with the full allowance.
func (s *Store) GetRemaining(ctx context.Context, userID string) int {
	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		metrics.RecordPersistenceError("quota_get")
		n := s.cached(ctx, userID)
		s.logger.Warn("quota read failed, using last known value",
			"user_id", userID, "remaining", n, "error", err)
		return n
	}

	if profile == nil {
		profile = &domain.UserProfile{
			UserID:            userID,
			RemainingSessions: s.max,
			SubscriptionLevel: domain.SubscriptionFree,
		}
		if err := s.repo.UpsertProfile(ctx, profile); err != nil {
			metrics.RecordPersistenceError("quota_init")
			s.logger.Warn("failed to initialize quota profile", "user_id", userID, "error", err)
		}
	}

	n := s.clamp(profile.RemainingSessions)
	s.remember(ctx, userID, n)
	return n
}

// Charge consumes one session for sessionID and returns the new remaining
// count. The charge is recorded on the session, so charging the same session
// twice costs one session. When the store is unreachable the local tier is
// decremented instead and the store error is returned; the caller owes the
// store a later Settle for the same session.
func (s *Store) Charge(ctx context.Context, userID, sessionID string) (int, error) {
	n, _, err := s.Settle(ctx, userID, sessionID)
	if err != nil {
		n = s.clamp(s.cached(ctx, userID) - 1)
		s.logger.Warn("quota charge failed, decremented local value",
			"user_id", userID, "session_id", sessionID, "remaining", n, "error", err)
		s.remember(ctx, userID, n)
		return n, err
	}
	return n, nil
}

// Settle records the charge for sessionID in the store only. It reports
// whether this call consumed a session; a session charged earlier is not
// charged again. A missing profile is created one below the allowance.
func (s *Store) Settle(ctx context.Context, userID, sessionID string) (int, bool, error) {
	n, charged, err := s.repo.ChargeChatSession(ctx, sessionID, userID, s.max-1)
	if err != nil {
		metrics.RecordPersistenceError("quota_charge")
		return 0, false, fmt.Errorf("charge session %s: %w", sessionID, err)
	}

	n = s.clamp(n)
	s.remember(ctx, userID, n)
	return n, charged, nil
}

// SetRemaining overwrites the user's remaining sessions. It is the
// administrative override and the reconcile path for the local tier.
func (s *Store) SetRemaining(ctx context.Context, userID string, value int) error {
	if value < 0 || value > s.max {
		return fmt.Errorf("%w: remaining sessions must be between 0 and %d, got %d",
			errdefs.ErrInvalidArgument, s.max, value)
	}

	s.remember(ctx, userID, value)
	if err := s.repo.SetRemainingSessions(ctx, userID, value); err != nil {
		metrics.RecordPersistenceError("quota_set")
		s.logger.Warn("quota override not persisted", "user_id", userID, "remaining", value, "error", err)
		return fmt.Errorf("persist remaining sessions: %w", err)
	}
	return nil
}

// Reset restores the full allowance.
func (s *Store) Reset(ctx context.Context, userID string) error {
	return s.SetRemaining(ctx, userID, s.max)
}

// Sync re-reads the persistent value and overwrites the local tier.
func (s *Store) Sync(ctx context.Context, userID string) int {
	return s.GetRemaining(ctx, userID)
}

// Cached returns the last known value without touching the persistent store.
func (s *Store) Cached(ctx context.Context, userID string) int {
	return s.cached(ctx, userID)
}

func (s *Store) cached(ctx context.Context, userID string) int {
	n, ok, err := cache.GetInt(ctx, s.local, cache.RemainingSessionsKey(userID))
	if err != nil {
		s.logger.Warn("quota cache read failed", "user_id", userID, "error", err)
	}
	if !ok {
		return s.max
	}
	return s.clamp(n)
}

func (s *Store) remember(ctx context.Context, userID string, n int) {
	if err := cache.SetInt(ctx, s.local, cache.RemainingSessionsKey(userID), n); err != nil {
		s.logger.Warn("quota cache write failed", "user_id", userID, "error", err)
	}
}

func (s *Store) clamp(n int) int {
	if n < 0 {
		return 0
	}
	if n > s.max {
		return s.max
	}
	return n
}
