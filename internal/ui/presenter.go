package ui

import (
	"io"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/event"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/stats"
)

// Presenter consumes a task's events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     *stats.Collector
	IsTTY     bool
	Quiet     bool
	// Verbose echoes raw tool output and state transitions.
	Verbose    bool
	NoProgress bool
	// Width truncates the live progress line; zero means no limit.
	Width int
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	return &plainPresenter{
		w:          cfg.Writer,
		errW:       cfg.ErrWriter,
		stats:      cfg.Stats,
		verbose:    cfg.Verbose,
		live:       cfg.IsTTY && !cfg.NoProgress,
		noProgress: cfg.NoProgress,
		styled:     cfg.IsTTY,
		width:      cfg.Width,
	}
}

// outcome tracks the final state seen on the stream.
type outcome struct {
	state string
	err   error
}

func (o *outcome) observe(ev event.Event) {
	if ev.Type != event.StateChanged {
		return
	}
	o.state = ev.State
	if ev.Error != nil {
		o.err = ev.Error
	}
}
