package ui

import (
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/event"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/stats"
)

// quietPresenter consumes events but produces no output.
type quietPresenter struct {
	stats *stats.Collector
	outcome
}

func (p *quietPresenter) Run(events <-chan event.Event) error {
	for ev := range events {
		p.observe(ev)
	}
	return nil
}

// Summary is empty unless the task failed.
func (p *quietPresenter) Summary() string {
	if p.err == nil {
		return ""
	}
	return CompletionSummary(p.state, p.err, snapshotOf(p.stats), false)
}
