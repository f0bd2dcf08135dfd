package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

// Result is the captured outcome of a run-to-completion command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// OutputOptions tune a run-to-completion command.
type OutputOptions struct {
	// Timeout, when positive, bounds the whole run.
	Timeout time.Duration
	// Grace is how long a cancelled or timed out tool has between SIGTERM
	// and SIGKILL. DefaultGrace when zero.
	Grace time.Duration
	// Log, when set, receives every output line as it is produced.
	Log func(line string)
}

// Output runs cmd to completion with stdout and stderr captured separately.
// A non-zero exit is not an error: callers decide what it means. Errors
// are ToolNotFound, Timeout (timeout elapsed) or Cancelled (ctx done).
// Cancellation sends SIGTERM to the process group, then SIGKILL once the
// grace period passes.
func Output(ctx context.Context, cmd Command, opts OutputOptions) (Result, error) {
	path, err := LookPath(cmd.Path)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(runCtx, path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var sink *lineWriter
	if opts.Log != nil {
		sink = &lineWriter{emit: opts.Log}
		c.Stdout = io.MultiWriter(&stdout, sink.stream())
		c.Stderr = io.MultiWriter(&stderr, sink.stream())
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	exited := make(chan struct{})
	c.Cancel = func() error {
		pgid := -c.Process.Pid
		err := syscall.Kill(pgid, syscall.SIGTERM)
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-exited:
			case <-timer.C:
				_ = syscall.Kill(pgid, syscall.SIGKILL)
			}
		}()
		return err
	}
	c.WaitDelay = grace + drainWindow

	err = c.Run()
	close(exited)
	if sink != nil {
		sink.flush()
	}
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	switch {
	case ctx.Err() != nil:
		return res, tapeerr.New(tapeerr.Cancelled, cmd.String(), ctx.Err())
	case runCtx.Err() != nil:
		return res, &tapeerr.Error{
			Kind:     tapeerr.Timeout,
			Op:       cmd.String(),
			ExitCode: -1,
			Err:      fmt.Errorf("no completion after %s", opts.Timeout),
		}
	case err == nil:
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, nil
	}
	return res, tapeerr.New(tapeerr.TransferToolFailed, cmd.String(), err)
}

// lineWriter splits written bytes into lines for a log sink. Each stream
// keeps its own partial line; emit calls are serialized.
type lineWriter struct {
	mu      sync.Mutex
	emit    func(string)
	streams []*lineStream
}

type lineStream struct {
	w       *lineWriter
	partial []byte
}

func (l *lineWriter) stream() io.Writer {
	s := &lineStream{w: l}
	l.streams = append(l.streams, s)
	return s
}

func (s *lineStream) Write(b []byte) (int, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	data := append(s.partial, b...)
	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		if i > 0 {
			s.w.emit(string(data[:i]))
		}
		data = data[i+1:]
	}
	if len(data) > maxLineBytes {
		data = data[:0]
	}
	s.partial = append(s.partial[:0], data...)
	return len(b), nil
}

// flush emits unterminated trailing output.
func (l *lineWriter) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.streams {
		if len(s.partial) > 0 {
			l.emit(string(s.partial))
			s.partial = s.partial[:0]
		}
	}
}

// Failure converts a non-zero Result into an error of the given kind,
// carrying the exit code and the tail of the captured output.
func Failure(kind tapeerr.Kind, cmd Command, res Result, tailLines int) error {
	if res.ExitCode == 0 {
		return nil
	}
	return &tapeerr.Error{
		Kind:     kind,
		Op:       cmd.String(),
		ExitCode: res.ExitCode,
		Detail:   tapeerr.Tail(strings.TrimSpace(res.Combined()), tailLines),
	}
}
