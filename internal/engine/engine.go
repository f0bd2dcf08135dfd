// Package engine runs tape transfers: tar archives streamed to and from the
// device, and rsync into an LTFS mount. Each transfer is a Task that walks
// Precheck, Positioning and Running before ending Completed, Failed or
// Cancelled, reporting everything it does on an event stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/device"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/journal"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/mount"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/progress"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tape"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

var (
	// ErrDeviceBusy is returned when a device already runs a task.
	ErrDeviceBusy = errors.New("device is busy with another task")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Tools names the external executables.
type Tools struct {
	MT     string
	Tar    string
	Du     string
	Rsync  string
	LTFS   string
	Mkltfs string
}

// UnknownSizePolicy decides what happens when a size ceiling is set but the
// source size could not be measured.
type UnknownSizePolicy string

const (
	UnknownSizeProceed UnknownSizePolicy = "proceed"
	UnknownSizeWarn    UnknownSizePolicy = "warn"
	UnknownSizeBlock   UnknownSizePolicy = "block"
)

// ParseUnknownSizePolicy validates a policy name. Empty means warn.
func ParseUnknownSizePolicy(s string) (UnknownSizePolicy, error) {
	switch p := UnknownSizePolicy(s); p {
	case "":
		return UnknownSizeWarn, nil
	case UnknownSizeProceed, UnknownSizeWarn, UnknownSizeBlock:
		return p, nil
	default:
		return "", fmt.Errorf("unknown size policy %q (want proceed, warn or block)", s)
	}
}

// Config tunes the engine.
type Config struct {
	Tools Tools

	CheckpointInterval int
	ListProgressEvery  int
	UnknownSize        UnknownSizePolicy

	// SizeTimeout bounds the du precheck.
	SizeTimeout time.Duration
	// SampleInterval is how often the LTFS mount is measured during rsync.
	SampleInterval time.Duration
	SampleTimeout  time.Duration
	// CommandTimeout bounds mt positioning commands.
	CommandTimeout time.Duration
	EraseDeadline  time.Duration
	// Grace is how long a cancelled tool gets after SIGTERM.
	Grace time.Duration
	// ProgressRate caps Progress events per second.
	ProgressRate float64

	Devices device.Resolver
	Logger  *slog.Logger
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Tools: Tools{
			MT:     "mt",
			Tar:    "tar",
			Du:     "du",
			Rsync:  "rsync",
			LTFS:   "ltfs",
			Mkltfs: "mkltfs",
		},
		CheckpointInterval: progress.DefaultCheckpointInterval,
		ListProgressEvery:  100,
		UnknownSize:        UnknownSizeWarn,
		SizeTimeout:        time.Hour,
		SampleInterval:     time.Second,
		SampleTimeout:      10 * time.Second,
		CommandTimeout:     tape.DefaultCommandTimeout,
		EraseDeadline:      tape.DefaultEraseDeadline,
		Grace:              10 * time.Second,
		ProgressRate:       DefaultProgressRate,
		Devices:            device.DefaultResolver,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setString(&c.Tools.MT, d.Tools.MT)
	setString(&c.Tools.Tar, d.Tools.Tar)
	setString(&c.Tools.Du, d.Tools.Du)
	setString(&c.Tools.Rsync, d.Tools.Rsync)
	setString(&c.Tools.LTFS, d.Tools.LTFS)
	setString(&c.Tools.Mkltfs, d.Tools.Mkltfs)
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.ListProgressEvery <= 0 {
		c.ListProgressEvery = d.ListProgressEvery
	}
	if c.UnknownSize == "" {
		c.UnknownSize = d.UnknownSize
	}
	if c.SizeTimeout <= 0 {
		c.SizeTimeout = d.SizeTimeout
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = d.SampleTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.EraseDeadline <= 0 {
		c.EraseDeadline = d.EraseDeadline
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine schedules tasks, one at a time per device.
type Engine struct {
	cfg     Config
	mounts  *mount.Manager
	journal *journal.Journal

	mu      sync.Mutex
	running map[string]*Task
	busy    map[string]string // device -> standalone operation name
	closed  bool
	wg      sync.WaitGroup
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithMounts sets the LTFS mount manager.
func WithMounts(m *mount.Manager) Option {
	return func(e *Engine) { e.mounts = m }
}

// WithJournal records every task in j.
func WithJournal(j *journal.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// New creates an Engine. Without WithMounts a manager over the host mount
// table is created.
func New(cfg Config, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:     cfg,
		running: make(map[string]*Task),
		busy:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mounts == nil {
		mc := mount.DefaultConfig()
		mc.LTFS = cfg.Tools.LTFS
		mc.Devices = cfg.Devices
		mc.Logger = cfg.Logger
		e.mounts = mount.NewManager(mc, nil)
	}
	return e
}

// Mounts returns the engine's mount manager.
func (e *Engine) Mounts() *mount.Manager { return e.mounts }

func (e *Engine) drive(dev string, log func(string)) *tape.Drive {
	return &tape.Drive{
		Device:         dev,
		MT:             e.cfg.Tools.MT,
		CommandTimeout: e.cfg.CommandTimeout,
		EraseDeadline:  e.cfg.EraseDeadline,
		Grace:          e.cfg.Grace,
		Log:            log,
		Logger:         e.cfg.Logger,
	}
}

// Start validates req and launches it. It fails with ErrDeviceBusy when the
// device already runs something.
func (e *Engine) Start(ctx context.Context, req Request) (*Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShuttingDown
	}
	if err := e.checkIdleLocked(req.Device); err != nil {
		return nil, err
	}

	t := newTask(ctx, req, e.cfg.ProgressRate, e.cfg.Logger)
	e.running[req.Device] = t
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(t)
		e.run(t)
	}()
	return t, nil
}

func (e *Engine) checkIdleLocked(dev string) error {
	if t, ok := e.running[dev]; ok {
		return fmt.Errorf("%s: %w (task %s)", dev, ErrDeviceBusy, t.id)
	}
	if op, ok := e.busy[dev]; ok {
		return fmt.Errorf("%s: %w (%s)", dev, ErrDeviceBusy, op)
	}
	return nil
}

func (e *Engine) release(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[t.req.Device] == t {
		delete(e.running, t.req.Device)
	}
}

// acquire reserves dev for a standalone operation.
func (e *Engine) acquire(dev, op string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShuttingDown
	}
	if err := e.checkIdleLocked(dev); err != nil {
		return nil, err
	}
	e.busy[dev] = op
	e.wg.Add(1)
	return func() {
		e.mu.Lock()
		delete(e.busy, dev)
		e.mu.Unlock()
		e.wg.Done()
	}, nil
}

// Running returns the task currently using dev, if any.
func (e *Engine) Running(dev string) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[dev]
}

// Shutdown cancels running tasks, waits for them (bounded by ctx), then
// unmounts every LTFS session.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	tasks := make([]*Task, 0, len(e.running))
	for _, t := range e.running {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
	return errors.Join(err, e.mounts.UnmountAll(context.WithoutCancel(ctx)))
}

func (e *Engine) run(t *Task) {
	defer close(t.done)
	defer close(t.events)
	defer t.cancel()

	t.enter(StatePrecheck)
	e.journalBegin(t)

	var err error
	switch t.req.Op {
	case OpBackup:
		err = e.backup(t)
	case OpRestore:
		err = e.restore(t)
	case OpList:
		err = e.list(t)
	case OpLTFSBackup:
		err = e.ltfsBackup(t)
	}

	final := StateCompleted
	switch {
	case t.Cancelled() || tapeerr.IsCancelled(err):
		final = StateCancelled
		if !tapeerr.IsCancelled(err) {
			err = &tapeerr.Error{Kind: tapeerr.Cancelled, Op: t.req.Op.String(), ExitCode: -1, Err: err}
		}
	case err != nil:
		final = StateFailed
	}

	snap := t.stats.Snapshot()
	t.mu.Lock()
	t.result = Result{
		State:      final,
		Err:        err,
		Entries:    t.entries,
		Written:    t.written,
		BytesDone:  snap.BytesDone,
		BytesTotal: snap.BytesTotal,
		Records:    snap.Records,
		Elapsed:    snap.Elapsed,
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Info("task ended", "state", final.String(), "error", err)
	} else {
		t.logger.Info("task ended", "state", final.String(), "bytes", snap.BytesDone)
	}
	e.journalFinish(t)
	t.enterWith(final, err)
}

func (e *Engine) journalBegin(t *Task) {
	if e.journal == nil {
		return
	}
	err := e.journal.Begin(context.WithoutCancel(t.ctx), journal.Task{
		ID:          t.id,
		Op:          t.req.Op.String(),
		Device:      t.req.Device,
		Paths:       t.req.Paths,
		Destination: t.req.Destination,
		State:       StatePrecheck.String(),
	})
	if err != nil {
		t.logger.Warn("journal", "error", err)
	}
}

func (e *Engine) journalFinish(t *Task) {
	if e.journal == nil {
		return
	}
	r := t.result
	o := journal.Outcome{
		State:      r.State.String(),
		BytesDone:  r.BytesDone,
		BytesTotal: r.BytesTotal,
		Records:    r.Records,
		Entries:    len(r.Entries),
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
	}
	switch {
	case len(r.Written) > 0:
		o.Manifest = journal.ManifestDigest(r.Written)
	case len(r.Entries) > 0:
		names := make([]string, len(r.Entries))
		for i, en := range r.Entries {
			names[i] = en.Path
		}
		o.Manifest = journal.ManifestDigest(names)
	}
	if err := e.journal.Finish(context.WithoutCancel(t.ctx), t.id, o); err != nil {
		t.logger.Warn("journal", "error", err)
	}
}
