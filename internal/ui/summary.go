package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/stats"
)

var (
	ColorGreen  = lipgloss.Color("#a6e3a1")
	ColorYellow = lipgloss.Color("#f9e2af")
	ColorRed    = lipgloss.Color("#f38ba8")
	ColorMuted  = lipgloss.Color("#5a6278")
)

var (
	styleCompleted = lipgloss.NewStyle().Bold(true).Foreground(ColorGreen)
	styleCancelled = lipgloss.NewStyle().Bold(true).Foreground(ColorYellow)
	styleFailed    = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	styleDetail    = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Verdict renders a terminal state name with its icon, colored when styled.
func Verdict(state string, styled bool) string {
	var icon string
	style := styleFailed
	switch state {
	case "completed":
		icon, style = "✓", styleCompleted
	case "cancelled":
		icon, style = "⊘", styleCancelled
	case "":
		state, icon = "failed", "✗"
	default:
		icon = "✗"
	}
	text := state + " " + icon
	if !styled {
		return text
	}
	return style.Render(text)
}

// CompletionSummary builds the final summary line.
// Format: completed ✓  size 2.1 GiB  records 48,917  time 3m 17s  avg 11.2 MiB/s
func CompletionSummary(state string, err error, snap stats.Snapshot, styled bool) string {
	base := Verdict(state, styled)

	if snap.BytesDone > 0 {
		base += "  size " + FormatBytes(snap.BytesDone)
	}
	if snap.Records > 0 {
		base += "  records " + FormatCount(int64(snap.Records))
	}
	if snap.Entries > 0 {
		base += "  entries " + FormatCount(int64(snap.Entries))
	}
	base += "  time " + FormatDuration(snap.Elapsed)
	if secs := snap.Elapsed.Seconds(); secs > 0 && snap.BytesDone > 0 {
		base += "  avg " + FormatRate(float64(snap.BytesDone)/secs)
	}

	if err != nil {
		detail := fmt.Sprintf("\n  %v", err)
		if styled {
			detail = styleDetail.Render(detail)
		}
		base += detail
	}
	return base
}

func snapshotOf(c *stats.Collector) stats.Snapshot {
	if c == nil {
		return stats.Snapshot{}
	}
	return c.Snapshot()
}
