package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// FormatRate renders a throughput in the same binary units as byte counts,
// e.g. "160.0 MiB/s" for an LTO-6 drive streaming at full speed.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0 B/s"
	}
	return units.FormatBytes(uint64(bytesPerSec+0.5)) + "/s"
}

// FormatETA is FormatDuration with "--" for an unknown estimate.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return FormatDuration(d)
}

// FormatDuration formats elapsed time concisely. Full-tape transfers and
// erases run for hours, so anything past a day shows days and drops seconds.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %02dh %02dm", days, h, m)
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatCount groups digits in threes, the way tar record and entry counts
// are shown: 48,917.
func FormatCount(n int64) string {
	digits := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, digits = "-", digits[1:]
	}
	var b strings.Builder
	b.WriteString(sign)
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ProgressBar renders pct (0..1, clamped) as width cells of ▪ and □.
func ProgressBar(pct float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(min(max(pct, 0), 1) * float64(width))
	return strings.Repeat("▪", filled) + strings.Repeat("□", width-filled)
}

// FormatBytes wraps units.FormatBytes for UI use.
func FormatBytes(b uint64) string {
	return units.FormatBytes(b)
}
