package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// rsync --info=progress2: "105.45M 13% 602.83kB/s 0:02:50" or "1,234,567  12%".
var percentRe = regexp.MustCompile(`^\s*([\d.,]+\s*[KMGTkmgt]?)\s+(\d+)%`)

// Percent is one parsed size/percentage progress line.
type Percent struct {
	Bytes   uint64
	Percent int
	// SizeOK is false when the percentage parsed but the size token did not.
	SizeOK bool
}

// ParsePercent parses an rsync progress2 line. Size suffixes are binary
// multiples (K = 1024).
func ParsePercent(line string) (Percent, bool) {
	line = strings.ReplaceAll(strings.TrimSpace(line), "\r", "")
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return Percent{}, false
	}
	pct, err := strconv.Atoi(m[2])
	if err != nil {
		return Percent{}, false
	}
	p := Percent{Percent: pct}
	if b, err := units.ParseSize(m[1]); err == nil {
		p.Bytes, p.SizeOK = b, true
	}
	return p, true
}

// Resolve returns the absolute byte figure for this line: total × pct / 100
// when the total is known, else the tool's own size token.
func (p Percent) Resolve(total uint64) uint64 {
	if total > 0 {
		pct := uint64(min(max(p.Percent, 0), 100))
		return total * pct / 100
	}
	return p.Bytes
}
