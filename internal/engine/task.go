package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/event"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/progress"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/stats"
)

// Op is the kind of transfer a task performs.
type Op int

const (
	OpBackup Op = iota
	OpRestore
	OpList
	OpLTFSBackup
)

func (o Op) String() string {
	switch o {
	case OpBackup:
		return "backup"
	case OpRestore:
		return "restore"
	case OpList:
		return "list"
	case OpLTFSBackup:
		return "ltfs-backup"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Mode is the transfer mechanism behind an Op.
type Mode int

const (
	// ModeArchive streams a tar archive directly to or from the device.
	ModeArchive Mode = iota
	// ModeMountSync mounts the tape as LTFS and synchronizes files onto it.
	ModeMountSync
)

// Mode returns the transfer mechanism the op uses.
func (o Op) Mode() Mode {
	if o == OpLTFSBackup {
		return ModeMountSync
	}
	return ModeArchive
}

// State is a task's lifecycle position.
type State int32

const (
	StatePrecheck State = iota
	StatePositioning
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StatePrecheck:    "precheck",
	StatePositioning: "positioning",
	StateRunning:     "running",
	StateCompleted:   "completed",
	StateFailed:      "failed",
	StateCancelled:   "cancelled",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool { return s >= StateCompleted }

// Request describes one transfer.
type Request struct {
	Device string
	Op     Op
	// Paths are the sources for backups.
	Paths []string
	// Destination is the restore target directory.
	Destination string
	// ArchiveNumber selects the archive to restore or list, counted from 1.
	ArchiveNumber int
	Gzip          bool
	// Append skips the rewind, writing or reading at the current position.
	Append bool
	// MaxAllowedBytes, when positive, refuses sources larger than it.
	MaxAllowedBytes uint64
}

func (r Request) validate() error {
	if r.Device == "" {
		return fmt.Errorf("no tape device given")
	}
	switch r.Op {
	case OpBackup, OpLTFSBackup:
		if len(r.Paths) == 0 {
			return fmt.Errorf("%s: no source paths given", r.Op)
		}
	case OpRestore:
		if r.Destination == "" {
			return fmt.Errorf("restore: no destination given")
		}
	case OpList:
	default:
		return fmt.Errorf("unknown operation %s", r.Op)
	}
	if r.ArchiveNumber < 0 {
		return fmt.Errorf("archive number must be 1 or greater")
	}
	return nil
}

// Result is the outcome of a task.
type Result struct {
	State State
	Err   error
	// Entries holds listed archive members, in tape order. A cancelled
	// listing keeps what was read before the cancel.
	Entries []progress.Entry
	// Written holds member names tar reported while creating an archive.
	Written    []string
	BytesDone  uint64
	BytesTotal uint64
	Records    uint64
	Elapsed    time.Duration
}

// Task is one running transfer. Its event channel must be drained until it
// closes.
type Task struct {
	id      string
	req     Request
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan event.Event
	done    chan struct{}
	stats   *stats.Collector
	limiter *rate.Limiter
	logger  *slog.Logger

	state      atomic.Int32
	cancelled  atomic.Bool
	mountPoint atomic.Pointer[string]

	mu      sync.Mutex
	entries []progress.Entry
	written []string
	result  Result
}

func newTask(ctx context.Context, req Request, progressRate float64, logger *slog.Logger) *Task {
	ctx, cancel := context.WithCancel(ctx)
	id := ulid.Make().String()
	t := &Task{
		id:      id,
		req:     req,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan event.Event, 256),
		done:    make(chan struct{}),
		stats:   stats.NewCollector(),
		limiter: NewProgressLimiter(progressRate),
		logger:  logger.With("task", id, "device", req.Device, "op", req.Op.String()),
	}
	t.state.Store(int32(StatePrecheck))
	return t
}

// ID returns the task's ULID.
func (t *Task) ID() string { return t.id }

// Request returns the request the task was started with.
func (t *Task) Request() Request { return t.req }

// Events returns the task's event stream. It is closed when the task ends.
func (t *Task) Events() <-chan event.Event { return t.events }

// Stats exposes the live telemetry collector.
func (t *Task) Stats() *stats.Collector { return t.stats }

// Cancel requests cancellation. The flag is never cleared.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// CurrentMountPoint returns the LTFS mount point while one is active.
func (t *Task) CurrentMountPoint() string {
	if p := t.mountPoint.Load(); p != nil {
		return *p
	}
	return ""
}

func (t *Task) setMountPoint(mp string) {
	if mp == "" {
		t.mountPoint.Store(nil)
		return
	}
	t.mountPoint.Store(&mp)
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes. Events must be drained concurrently
// or Wait can block forever.
func (t *Task) Wait() Result {
	<-t.done
	return t.result
}

func (t *Task) enter(s State) { t.enterWith(s, nil) }

// enterWith records s and emits StateChanged; err rides along on the
// final failed or cancelled transition.
func (t *Task) enterWith(s State, err error) {
	t.state.Store(int32(s))
	t.logger.Debug("task state", "state", s.String())
	t.emit(event.Event{Type: event.StateChanged, State: s.String(), Error: err})
}

func (t *Task) emit(ev event.Event) {
	ev.Timestamp = time.Now()
	ev.TaskID = t.id
	ev.Device = t.req.Device
	t.events <- ev
}

func (t *Task) logLine(line string) {
	t.stats.AddLines(1)
	t.emit(event.Event{Type: event.Log, Line: line})
}

func (t *Task) status(format string, args ...any) {
	t.emit(event.Event{Type: event.Status, Text: fmt.Sprintf(format, args...)})
}

// progress emits a Progress event, subject to the rate limit unless force.
func (t *Task) progress(force bool, percent int) {
	if !force && !t.limiter.Allow() {
		return
	}
	s := t.stats.Snapshot()
	if percent < 0 && s.BytesTotal > 0 {
		percent = int(min(s.BytesDone*100/s.BytesTotal, 100))
	}
	t.emit(event.Event{Type: event.Progress, Progress: event.ProgressInfo{
		BytesDone:  s.BytesDone,
		BytesTotal: s.BytesTotal,
		Elapsed:    s.Elapsed,
		Records:    s.Records,
		Percent:    percent,
	}})
}

func (t *Task) addEntry(e progress.Entry) int {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	n := len(t.entries)
	t.mu.Unlock()
	t.stats.AddEntries(1)
	t.emit(event.Event{Type: event.Entry, Entry: e})
	return n
}

func (t *Task) addWritten(name string) {
	t.mu.Lock()
	t.written = append(t.written, name)
	t.mu.Unlock()
}
