package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultGrace        = 10 * time.Second
	DefaultTailLines    = 30

	drainWindow = 2 * time.Second
	reapTimeout = 5 * time.Second
)

// ErrNoOutput is returned by ReadLine when the poll interval elapsed
// without a line. The process may still be running.
var ErrNoOutput = errors.New("no output within poll interval")

// ErrWaitTimeout is returned by Wait when the process did not exit in time.
var ErrWaitTimeout = errors.New("process still running")

// State is the lifecycle position of a supervised process.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateCancelled
	StateSpawnFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	case StateSpawnFailed:
		return "spawn-failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s >= StateCompleted }

// Options tune a supervised process.
type Options struct {
	// Log receives every output line before ReadLine returns it, plus
	// anything drained after a cancel or timeout.
	Log func(line string)
	// PollInterval bounds how long ReadLine blocks. Must be sub-second.
	PollInterval time.Duration
	// Deadline, when positive, is the total run time Stream allows before
	// killing the process and reporting Timeout.
	Deadline time.Duration
	// DeadlineDetail is appended to the Timeout error message.
	DeadlineDetail string
	// Grace is how long Cancel waits after SIGTERM before SIGKILL.
	Grace time.Duration
	// TailLines is the size of the output ring kept for error messages.
	TailLines int
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 || o.PollInterval >= time.Second {
		o.PollInterval = DefaultPollInterval
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.TailLines <= 0 {
		o.TailLines = DefaultTailLines
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Process is a running external tool. The caller owns it: after a terminal
// state it may still call Terminate, Kill or Wait safely.
type Process struct {
	cmd   Command
	opts  Options
	exec  *exec.Cmd
	pid   int
	state atomic.Int32

	lines    chan string
	waitDone chan struct{}
	exitCode int
	waitErr  error
	exitedAt atomic.Int64
	tail     *Ring
}

// Start spawns cmd in its own process group with stdout and stderr merged.
func Start(ctx context.Context, cmd Command, opts Options) (*Process, error) {
	opts.setDefaults()
	p := &Process{
		cmd:      cmd,
		opts:     opts,
		lines:    make(chan string, 256),
		waitDone: make(chan struct{}),
		tail:     NewRing(opts.TailLines),
		exitCode: -1,
	}

	if err := ctx.Err(); err != nil {
		p.state.Store(int32(StateSpawnFailed))
		return nil, tapeerr.New(tapeerr.Cancelled, cmd.Path, err)
	}

	path, err := LookPath(cmd.Path)
	if err != nil {
		p.state.Store(int32(StateSpawnFailed))
		return nil, err
	}

	r, w, err := os.Pipe()
	if err != nil {
		p.state.Store(int32(StateSpawnFailed))
		return nil, tapeerr.New(tapeerr.TransferToolFailed, cmd.Path, fmt.Errorf("creating output pipe: %w", err))
	}

	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdout = w
	c.Stderr = w
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		r.Close()
		w.Close()
		p.state.Store(int32(StateSpawnFailed))
		return nil, tapeerr.New(tapeerr.TransferToolFailed, cmd.Path, fmt.Errorf("starting %s: %w", cmd, err))
	}
	// The child holds its own copy of the write end.
	w.Close()

	p.exec = c
	p.pid = c.Process.Pid
	p.state.Store(int32(StateRunning))
	opts.Logger.Debug("spawned tool", "cmd", cmd.String(), "pid", p.pid)

	go p.read(r)
	go p.wait()
	return p, nil
}

func (p *Process) read(r *os.File) {
	defer close(p.lines)
	defer r.Close()
	if err := scanLines(r, func(line string) { p.lines <- line }); err != nil {
		p.opts.Logger.Warn("tool output not line-delimited", "cmd", p.cmd.Path, "error", err)
	}
}

func (p *Process) wait() {
	err := p.exec.Wait()
	if ps := p.exec.ProcessState; ps != nil {
		p.exitCode = ps.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.exitedAt.Store(time.Now().UnixNano())
	p.state.CompareAndSwap(int32(StateRunning), int32(StateCompleted))
	close(p.waitDone)
}

// Pid returns the process id (also the process group id).
func (p *Process) Pid() int { return p.pid }

// State returns the current lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// Command returns the command this process runs.
func (p *Process) Command() Command { return p.cmd }

// Alive reports whether the process has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Exited returns a channel closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.waitDone }

// Tail returns the last captured output lines joined by newlines.
func (p *Process) Tail() string { return p.tail.String() }

// ReadLine returns the next output line, io.EOF once all output has been
// consumed, or ErrNoOutput when the poll interval passes without a line.
func (p *Process) ReadLine() (string, error) {
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		p.record(line)
		return line, nil
	default:
	}

	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		p.record(line)
		return line, nil
	case <-timer.C:
		return "", ErrNoOutput
	}
}

func (p *Process) record(line string) {
	p.tail.Add(line)
	if p.opts.Log != nil {
		p.opts.Log(line)
	}
}

// Drain forwards buffered output to the log sink until EOF or the window
// elapses.
func (p *Process) Drain(window time.Duration) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				return
			}
			p.record(line)
		case <-timer.C:
			return
		}
	}
}

// Cancel marks the process cancelled and terminates it with the configured
// grace period. It returns once the process is gone or the kill was sent.
func (p *Process) Cancel() {
	p.state.CompareAndSwap(int32(StateRunning), int32(StateCancelled))
	p.Terminate(p.opts.Grace)
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL. Safe on an exited process.
func (p *Process) Terminate(grace time.Duration) bool {
	if !p.Alive() {
		return true
	}
	if err := p.signal(unix.SIGTERM); err != nil {
		p.opts.Logger.Debug("SIGTERM failed, escalating", "pid", p.pid, "error", err)
		return p.Kill()
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.waitDone:
		return true
	case <-timer.C:
	}
	p.opts.Logger.Warn("tool ignored SIGTERM, killing", "cmd", p.cmd.Path, "pid", p.pid, "grace", grace)
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the reap.
func (p *Process) Kill() bool {
	if !p.Alive() {
		return true
	}
	// ESRCH from a group that already exited is harmless.
	_ = p.signal(unix.SIGKILL)
	select {
	case <-p.waitDone:
		return true
	case <-time.After(reapTimeout):
		return false
	}
}

func (p *Process) signal(sig unix.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group leader may have been reaped while children linger; try the pid.
		err = unix.Kill(p.pid, sig)
	}
	return err
}

// Wait blocks until the process exits or timeout elapses (zero waits
// forever). It returns the exit code, -1 when killed by a signal.
func (p *Process) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		<-p.waitDone
		return p.exitCode, p.waitErr
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.waitDone:
		return p.exitCode, p.waitErr
	case <-timer.C:
		return -1, ErrWaitTimeout
	}
}

// Stream reads output until the tool finishes, calling onLine for every
// line. Cancellation of ctx terminates the tool and returns a Cancelled
// error; exceeding Options.Deadline kills it and returns Timeout. A
// non-zero exit returns TransferToolFailed with the output tail.
func (p *Process) Stream(ctx context.Context, onLine func(string)) error {
	var deadline <-chan time.Time
	if p.opts.Deadline > 0 {
		timer := time.NewTimer(p.opts.Deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			p.Cancel()
			p.Drain(drainWindow)
			return &tapeerr.Error{Kind: tapeerr.Cancelled, Op: p.cmd.Path, ExitCode: -1, Detail: "tool terminated at user request"}
		}
		select {
		case <-deadline:
			return p.expire()
		default:
		}

		line, err := p.ReadLine()
		switch {
		case err == nil:
			if onLine != nil {
				onLine(line)
			}
		case errors.Is(err, io.EOF):
			return p.finish(ctx, deadline)
		case errors.Is(err, ErrNoOutput):
			// A daemonized grandchild can keep the pipe open after the
			// tool itself exited.
			if at := p.exitedAt.Load(); at != 0 && time.Since(time.Unix(0, at)) > drainWindow {
				return p.finish(ctx, deadline)
			}
		}
	}
}

// expire kills a process that outlived Options.Deadline.
func (p *Process) expire() error {
	p.state.CompareAndSwap(int32(StateRunning), int32(StateTimedOut))
	p.Kill()
	p.Drain(drainWindow)
	return &tapeerr.Error{
		Kind:     tapeerr.Timeout,
		Op:       p.cmd.String(),
		ExitCode: -1,
		Err:      fmt.Errorf("no completion after %s", p.opts.Deadline),
		Detail:   p.opts.DeadlineDetail,
	}
}

// finish waits for the exit after output has ended. A tool can close its
// output and keep running, so ctx and the deadline still apply.
func (p *Process) finish(ctx context.Context, deadline <-chan time.Time) error {
	for {
		code, err := p.Wait(p.opts.PollInterval)
		if errors.Is(err, ErrWaitTimeout) {
			if ctx.Err() != nil {
				p.Cancel()
				return &tapeerr.Error{Kind: tapeerr.Cancelled, Op: p.cmd.Path, ExitCode: -1}
			}
			select {
			case <-deadline:
				return p.expire()
			default:
			}
			continue
		}
		if err != nil {
			return tapeerr.New(tapeerr.TransferToolFailed, p.cmd.Path, err)
		}
		if p.State() == StateCancelled {
			return &tapeerr.Error{Kind: tapeerr.Cancelled, Op: p.cmd.Path, ExitCode: -1}
		}
		if code != 0 {
			return &tapeerr.Error{
				Kind:     tapeerr.TransferToolFailed,
				Op:       p.cmd.Path,
				ExitCode: code,
				Detail:   p.Tail(),
			}
		}
		return nil
	}
}
