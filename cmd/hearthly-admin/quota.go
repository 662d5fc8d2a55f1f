package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ashureev/hearthly/internal/output"
	"github.com/spf13/cobra"
)

func newQuotaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect or override a user's remaining sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <user-id>",
		Short: "Show remaining sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.quotaGet(cmd.Context(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <user-id> <remaining>",
		Short: "Overwrite remaining sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("remaining must be an integer: %w", err)
			}
			return a.quotaSet(cmd.Context(), args[0], n)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <user-id>",
		Short: "Restore the full allowance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.quotaSet(cmd.Context(), args[0], a.quota.Max())
		},
	})

	return cmd
}

func (a *app) quotaGet(ctx context.Context, userID string) error {
	p, err := a.repo.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if p == nil {
		a.ui.Warning("No profile for %s", userID)
		return nil
	}

	table := a.ui.Table([]string{"User", "Remaining", "Level", "Updated"})
	_ = table.Append([]string{
		output.Cyan(p.UserID),
		output.QuotaColor(a.quota.GetRemaining(ctx, userID), a.quota.Max()),
		p.SubscriptionLevel,
		p.UpdatedAt.Format("2006-01-02 15:04"),
	})
	return table.Render()
}

func (a *app) quotaSet(ctx context.Context, userID string, n int) error {
	if a.ui.DryRun {
		a.ui.Planned("Would set remaining sessions for %s to %d", userID, n)
		return nil
	}
	if err := a.quota.SetRemaining(ctx, userID, n); err != nil {
		return err
	}
	a.ui.Success("Remaining sessions for %s set to %s", userID, output.QuotaColor(n, a.quota.Max()))
	return nil
}
