package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Binary multiples.
const (
	KiB uint64 = 1 << 10
	MiB uint64 = 1 << 20
	GiB uint64 = 1 << 30
	TiB uint64 = 1 << 40
)

// ParseSize parses a human-readable size string into bytes.
// Supports: 100, 1,234,567, 100B, 100K, 105.45M, 1G, 18T, 100MB, 100MiB
// (case-insensitive). Thousands separators are ignored. Uses powers of 1024
// (matching rsync and tar behavior).
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	numStr := strings.ReplaceAll(strings.ReplaceAll(s, ",", ""), " ", "")
	upper := strings.ToUpper(numStr)
	// Accept a trailing "B" or "IB" after a unit letter: 100MB, 100MiB.
	if strings.HasSuffix(upper, "IB") && len(upper) > 2 {
		upper = upper[:len(upper)-2]
	} else if strings.HasSuffix(upper, "B") && len(upper) > 1 {
		upper = upper[:len(upper)-1]
	}

	multiplier := uint64(1)
	if upper != "" {
		switch upper[len(upper)-1] {
		case 'K':
			multiplier = KiB
			upper = upper[:len(upper)-1]
		case 'M':
			multiplier = MiB
			upper = upper[:len(upper)-1]
		case 'G':
			multiplier = GiB
			upper = upper[:len(upper)-1]
		case 'T':
			multiplier = TiB
			upper = upper[:len(upper)-1]
		default:
			// No suffix, try parsing as plain number.
		}
	}

	if upper == "" {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	// Try integer first, then float.
	if n, err := strconv.ParseUint(upper, 10, 64); err == nil {
		if n > math.MaxUint64/multiplier {
			return 0, fmt.Errorf("size %q overflows 64 bits", s)
		}
		return n * multiplier, nil
	}

	f, err := strconv.ParseFloat(upper, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	// 2^64 is exactly representable; anything at or past it has no uint64.
	b := f * float64(multiplier)
	if b >= math.MaxUint64 {
		return 0, fmt.Errorf("size %q overflows 64 bits", s)
	}
	return uint64(b), nil
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// ToGiB converts a byte count to fractional GiB.
func ToGiB(b uint64) float64 {
	return float64(b) / float64(GiB)
}
