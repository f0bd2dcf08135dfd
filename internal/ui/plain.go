package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/event"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/stats"
)

const (
	plainProgressEvery = 5 // ticks between progress lines when not live
	barWidth           = 24
)

// plainPresenter writes listing rows (and, when verbose, tool output) to
// stdout and status to stderr. On a TTY the stderr progress line is redrawn
// in place; otherwise a progress line is printed every few seconds.
type plainPresenter struct {
	w          io.Writer
	errW       io.Writer
	stats      *stats.Collector
	verbose    bool
	live       bool
	noProgress bool
	styled     bool
	width      int

	outcome
	last    event.ProgressInfo
	seen    bool
	onLine  bool // a live line is on screen
	ticks   int
	lastLen int
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearLive()
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *plainPresenter) tick() {
	if p.stats != nil {
		p.stats.Tick()
	}
	p.ticks++
	if p.noProgress || !p.seen {
		return
	}
	switch {
	case p.live:
		p.drawLive()
	case p.ticks%plainProgressEvery == 0:
		fmt.Fprintln(p.errW, p.progressLine())
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	p.observe(ev)
	switch ev.Type {
	case event.Log:
		if p.verbose {
			p.clearLive()
			fmt.Fprintln(p.w, ev.Line)
		}
	case event.Entry:
		p.clearLive()
		fmt.Fprintln(p.w, FormatEntry(ev.Entry))
	case event.Status:
		p.clearLive()
		fmt.Fprintln(p.errW, ev.Text)
	case event.StateChanged:
		if p.verbose {
			p.clearLive()
			fmt.Fprintf(p.errW, "state: %s\n", ev.State)
		}
	case event.Progress:
		p.last, p.seen = ev.Progress, true
		if p.live && !p.noProgress {
			p.drawLive()
		}
	}
}

func (p *plainPresenter) speed() float64 {
	if p.stats == nil {
		return 0
	}
	if s := p.stats.RollingSpeed(5); s > 0 {
		return s
	}
	return p.stats.AverageSpeed()
}

func (p *plainPresenter) eta() time.Duration {
	if p.stats == nil {
		return 0
	}
	return p.stats.ETA()
}

// progressLine renders the latest sample for a log-style line.
func (p *plainPresenter) progressLine() string {
	pi := p.last
	var b strings.Builder
	b.WriteString("progress: ")
	if pi.TotalKnown() {
		fmt.Fprintf(&b, "%.0f%% %s/%s", pi.Fraction()*100, FormatBytes(pi.BytesDone), FormatBytes(pi.BytesTotal))
	} else {
		fmt.Fprintf(&b, "%s", FormatBytes(pi.BytesDone))
		if pi.Percent >= 0 {
			fmt.Fprintf(&b, " %d%%", pi.Percent)
		}
	}
	if pi.Records > 0 {
		fmt.Fprintf(&b, " records %s", FormatCount(int64(pi.Records)))
	}
	fmt.Fprintf(&b, " %s", FormatRate(p.speed()))
	if pi.TotalKnown() {
		fmt.Fprintf(&b, " eta %s", FormatETA(p.eta()))
	}
	return b.String()
}

// liveLine renders the in-place progress line.
func (p *plainPresenter) liveLine() string {
	pi := p.last
	if !pi.TotalKnown() {
		return strings.TrimPrefix(p.progressLine(), "progress: ")
	}
	return fmt.Sprintf("%s %3.0f%%  %s/%s  %s  eta %s",
		ProgressBar(pi.Fraction(), barWidth),
		pi.Fraction()*100,
		FormatBytes(pi.BytesDone), FormatBytes(pi.BytesTotal),
		FormatRate(p.speed()),
		FormatETA(p.eta()),
	)
}

func (p *plainPresenter) drawLive() {
	line := p.liveLine()
	if r := []rune(line); p.width > 1 && len(r) >= p.width {
		line = string(r[:p.width-1])
	}
	pad := ""
	if n := p.lastLen - len([]rune(line)); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(p.errW, "\r%s%s", line, pad)
	p.lastLen = len([]rune(line))
	p.onLine = true
}

func (p *plainPresenter) clearLive() {
	if !p.onLine {
		return
	}
	fmt.Fprint(p.errW, "\r\033[K")
	p.onLine = false
	p.lastLen = 0
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.state, p.err, snapshotOf(p.stats), p.styled)
}

// FormatEntry renders one listing row: size (or "dir") then path.
func FormatEntry(e event.ArchiveEntry) string {
	size := "dir"
	if !e.IsDir {
		size = FormatBytes(e.Size)
	}
	return fmt.Sprintf("%10s  %s", size, e.Path)
}
