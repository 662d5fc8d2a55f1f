package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/hearthly/internal/sweeper"
	"github.com/spf13/cobra"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Close orphaned sessions once and charge their owners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.sweep(cmd.Context())
		},
	}
}

func (a *app) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-(a.cfg.Session.MaxDuration + a.cfg.Sweep.Grace))
	if a.ui.DryRun {
		open, err := a.repo.ListOpenChatSessions(ctx, cutoff)
		if err != nil {
			return err
		}
		a.ui.Planned("Would close %d orphaned session(s)", len(open))
		return nil
	}

	// No controllers run in this process; the grace period keeps sessions of
	// a running server out of reach.
	s := sweeper.New(a.repo, a.quota, nil, a.cfg.Session.MaxDuration, a.cfg.Sweep.Grace, slog.New(slog.DiscardHandler))
	n, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	a.ui.Success("Closed %d orphaned session(s)", n)
	return nil
}
