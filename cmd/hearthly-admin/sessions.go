package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/hearthly/internal/output"
	"github.com/spf13/cobra"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect session records",
	}

	var limit int
	list := &cobra.Command{
		Use:     "list <user-id>",
		Aliases: []string{"ls"},
		Short:   "List a user's most recent sessions",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sessionsList(cmd.Context(), args[0], limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to show")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.sessionsShow(cmd.Context(), args[0])
		},
	})

	return cmd
}

func (a *app) sessionsList(ctx context.Context, userID string, limit int) error {
	sessions, err := a.repo.ListChatSessions(ctx, userID, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		a.ui.Info("No sessions for %s", userID)
		return nil
	}

	now := time.Now()
	table := a.ui.Table([]string{"ID", "Started", "Duration", "Outcome", "Summary"})
	for _, cs := range sessions {
		summary := ""
		if cs.Summary != nil {
			summary = *cs.Summary
		}
		_ = table.Append([]string{
			output.Cyan(cs.ID),
			cs.StartedAt.Local().Format("2006-01-02 15:04"),
			output.FormatDuration(cs.Duration(now)),
			output.OutcomeColor(output.Outcome(cs)),
			summary,
		})
	}
	return table.Render()
}

func (a *app) sessionsShow(ctx context.Context, sessionID string) error {
	cs, err := a.repo.GetChatSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if cs == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	a.ui.Info("Session %s (%s) for %s, %s",
		output.Cyan(cs.ID), output.OutcomeColor(output.Outcome(cs)), cs.UserID, output.FormatDuration(cs.Duration(time.Now())))
	if cs.Summary != nil {
		a.ui.Info("Summary: %s", *cs.Summary)
	}

	msgs, err := a.repo.ListChatMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		a.ui.Info("No messages")
		return nil
	}

	table := a.ui.Table([]string{"Time", "Sender", "Message"})
	for _, m := range msgs {
		_ = table.Append([]string{
			m.CreatedAt.Local().Format("15:04:05"),
			string(m.Sender),
			m.Text,
		})
	}
	return table.Render()
}
