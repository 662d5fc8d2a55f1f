package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/hearthly/internal/domain"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestOutcome(t *testing.T) {
	ended := time.Now()
	assert.Equal(t, OutcomeOpen, Outcome(&domain.ChatSession{}))
	assert.Equal(t, OutcomeCompleted, Outcome(&domain.ChatSession{EndedAt: &ended, Completed: true}))
	assert.Equal(t, OutcomeAbandoned, Outcome(&domain.ChatSession{EndedAt: &ended}))
}

func TestQuotaColorText(t *testing.T) {
	assert.Equal(t, "0/3", QuotaColor(0, 3))
	assert.Equal(t, "3/3", QuotaColor(3, 3))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "4m05s", FormatDuration(4*time.Minute+5*time.Second))
	assert.Equal(t, "0m00s", FormatDuration(0))
	assert.Equal(t, "10m00s", FormatDuration(10*time.Minute+200*time.Millisecond))
}

func TestMessagesGoToTheRightWriter(t *testing.T) {
	ui, out, errOut := newTestUI()

	ui.Info("hello %s", "there")
	ui.Warning("careful")
	ui.Detail("hidden")
	ui.Planned("hidden too")

	assert.Contains(t, out.String(), "hello there")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, errOut.String(), "careful")
	assert.NotContains(t, errOut.String(), "dry-run")

	ui.Verbose = true
	ui.DryRun = true
	ui.Detail("shown")
	ui.Planned("would reset")
	assert.Contains(t, out.String(), "shown")
	assert.Contains(t, errOut.String(), "[dry-run] would reset")
}

func TestTableRendersRows(t *testing.T) {
	ui, out, _ := newTestUI()

	table := ui.Table([]string{"ID", "Outcome"})
	require.NoError(t, table.Append([]string{"01J0", "completed"}))
	require.NoError(t, table.Render())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	last := lines[len(lines)-1]
	assert.Contains(t, last, "01J0")
	assert.Contains(t, last, "completed")
}
