package mount

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
)

// SessionState is the lifecycle position of an LTFS mount.
type SessionState int32

const (
	Unmounted SessionState = iota
	Mounting
	Mounted
	Unmounting
	Failed
)

func (s SessionState) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Active reports whether the session still holds its device.
func (s SessionState) Active() bool {
	return s == Mounting || s == Mounted || s == Unmounting
}

// Session is one LTFS mount of one device.
type Session struct {
	Device     string
	Generic    string
	MountPoint string

	state    atomic.Int32
	proc     *supervisor.Process
	tail     *supervisor.Ring
	done     chan struct{}
	doneOnce sync.Once
	pumped   chan struct{}
}

func newSession(dev, generic, mountPoint string, tailLines int) *Session {
	s := &Session{
		Device:     dev,
		Generic:    generic,
		MountPoint: mountPoint,
		tail:       supervisor.NewRing(tailLines),
		done:       make(chan struct{}),
		pumped:     make(chan struct{}),
	}
	s.state.Store(int32(Mounting))
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Output returns the last lines the mount tool printed.
func (s *Session) Output() string { return s.tail.String() }

func (s *Session) String() string {
	return fmt.Sprintf("%s on %s (%s)", s.Device, s.MountPoint, s.State())
}

func (s *Session) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// settle stops the pump and collects whatever output is still buffered, so
// Output is complete before it goes into an error.
func (s *Session) settle(window time.Duration) {
	s.stop()
	if s.proc == nil {
		return
	}
	<-s.pumped
	s.proc.Drain(window)
}

// pump keeps the tool's output pipe drained for as long as the session
// lives. Lines reach the tail ring through the supervisor's log sink.
func (s *Session) pump() {
	defer close(s.pumped)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if _, err := s.proc.ReadLine(); err != nil && !errors.Is(err, supervisor.ErrNoOutput) {
			return
		}
	}
}
