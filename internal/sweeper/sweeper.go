// Package sweeper closes chat sessions left open by a controller that went
// away, for example after a crash or a tab that never came back.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/metrics"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors like @every 5m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Repository lists and closes session records.
type Repository interface {
	ListOpenChatSessions(ctx context.Context, startedBefore time.Time) ([]*domain.ChatSession, error)
	EndChatSession(ctx context.Context, id string, endedAt time.Time, completed bool, summary *string) (bool, error)
}

// Quota charges an orphan against its owner. Settle reports false for a
// session that was charged before, so an orphan is never charged twice.
type Quota interface {
	Settle(ctx context.Context, userID, sessionID string) (int, bool, error)
}

// LiveChecker reports sessions still owned by a running controller.
type LiveChecker interface {
	IsLive(sessionID string) bool
}

// Sweeper periodically ends orphaned sessions.
type Sweeper struct {
	repo        Repository
	quota       Quota
	live        LiveChecker
	maxDuration time.Duration
	grace       time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a sweeper. Sessions older than maxDuration+grace that no
// controller owns are considered orphaned.
func New(repo Repository, quota Quota, live LiveChecker, maxDuration, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:        repo,
		quota:       quota,
		live:        live,
		maxDuration: maxDuration,
		grace:       grace,
		logger:      logger,
		now:         time.Now,
	}
}

// ValidateSchedule reports whether expr is a schedule Start accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	return nil
}

// Start runs Sweep on schedule until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("session sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("session sweeper started", "schedule", schedule, "max_duration", s.maxDuration, "grace", s.grace)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("session sweeper stopped")
}

// Sweep ends every orphaned session once and charges its owner unless the
// session was charged already. The charge lands before the record closes,
// so a failed charge leaves the orphan for the next sweep. It returns the
// number of sessions closed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-(s.maxDuration + s.grace))
	open, err := s.repo.ListOpenChatSessions(ctx, cutoff)
	if err != nil {
		metrics.RecordPersistenceError("sweep_list")
		return 0, fmt.Errorf("list open sessions: %w", err)
	}

	closed := 0
	for _, cs := range open {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if s.live != nil && s.live.IsLive(cs.ID) {
			continue
		}

		remaining, charged, err := s.quota.Settle(ctx, cs.UserID, cs.ID)
		if err != nil {
			s.logger.Warn("failed to charge orphaned session", "session_id", cs.ID, "user_id", cs.UserID, "error", err)
			continue
		}
		if charged {
			metrics.QuotaCharges.Inc()
		}

		endedAt := cs.StartedAt.Add(s.maxDuration)
		ended, err := s.repo.EndChatSession(ctx, cs.ID, endedAt, false, nil)
		if err != nil {
			metrics.RecordPersistenceError("sweep_end")
			s.logger.Warn("failed to close orphaned session", "session_id", cs.ID, "user_id", cs.UserID, "error", err)
			continue
		}
		if !ended {
			continue
		}

		metrics.SessionsEnded.WithLabelValues("sweep").Inc()
		s.logger.Info("closed orphaned session",
			"session_id", cs.ID, "user_id", cs.UserID, "charged", charged, "remaining_sessions", remaining)
		closed++
	}

	if closed > 0 {
		s.logger.Info("session sweep completed", "closed", closed)
	}
	return closed, nil
}
