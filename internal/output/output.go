// Package output renders admin command output.
package output

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ashureev/hearthly/internal/domain"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI writes colored status lines and tables for the admin CLI. Status lines
// go to Out, warnings and dry-run notices to ErrOut.
type UI struct {
	Verbose bool
	DryRun  bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI on stdout and stderr.
func New() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

var (
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	blue   = color.New(color.FgHiBlue).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Session outcomes shown in listings.
const (
	OutcomeOpen      = "open"
	OutcomeCompleted = "completed"
	OutcomeAbandoned = "abandoned"
)

// Outcome classifies a session record for display.
func Outcome(cs *domain.ChatSession) string {
	switch {
	case cs.IsOpen():
		return OutcomeOpen
	case cs.Completed:
		return OutcomeCompleted
	default:
		return OutcomeAbandoned
	}
}

// OutcomeColor returns the outcome colored for a terminal.
func OutcomeColor(outcome string) string {
	switch outcome {
	case OutcomeOpen:
		return yellow(outcome)
	case OutcomeCompleted:
		return green(outcome)
	case OutcomeAbandoned:
		return red(outcome)
	default:
		return outcome
	}
}

// QuotaColor colors a remaining session count against the limit.
func QuotaColor(remaining, max int) string {
	s := fmt.Sprintf("%d/%d", remaining, max)
	switch {
	case remaining == 0:
		return red(s)
	case remaining < max:
		return yellow(s)
	default:
		return green(s)
	}
}

// FormatDuration renders a session length like 4m05s.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%dm%02ds", m, s)
}

func line(w io.Writer, mark, format string, a []any) {
	fmt.Fprintf(w, "%s %s\n", mark, fmt.Sprintf(format, a...))
}

func (u *UI) Info(format string, a ...any)    { line(u.Out, blue("i"), format, a) }
func (u *UI) Success(format string, a ...any) { line(u.Out, green("✓"), format, a) }
func (u *UI) Warning(format string, a ...any) { line(u.ErrOut, yellow("!"), format, a) }

// Detail prints only with --verbose.
func (u *UI) Detail(format string, a ...any) {
	if u.Verbose {
		line(u.Out, blue("  ·"), format, a)
	}
}

// Planned reports a change --dry-run held back.
func (u *UI) Planned(format string, a ...any) {
	if u.DryRun {
		line(u.ErrOut, yellow("[dry-run]"), format, a)
	}
}

// Table creates a borderless, left-aligned table.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
