// Package mount manages LTFS mount sessions: creating a private mount point,
// supervising the ltfs process until the kernel reports the mount, and
// tearing everything down again without ever deleting a directory that is
// still mounted.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	mountutils "k8s.io/mount-utils"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/device"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

// ErrSessionActive is returned by Mount when the device is already mounted.
var ErrSessionActive = errors.New("device already has an active LTFS session")

// Config holds tool names, locations and timing.
type Config struct {
	LTFS       string
	Fusermount string
	BaseDir    string
	Prefix     string

	PollInterval   time.Duration
	Timeout        time.Duration
	ProbeTimeout   time.Duration
	UnmountTimeout time.Duration
	Grace          time.Duration
	TailLines      int

	Devices device.Resolver
	Logger  *slog.Logger
}

// DefaultConfig returns the standard LTFS settings.
func DefaultConfig() Config {
	return Config{
		LTFS:           "ltfs",
		Fusermount:     "fusermount",
		BaseDir:        "/tmp",
		Prefix:         "ltfs_tape_",
		PollInterval:   500 * time.Millisecond,
		Timeout:        30 * time.Second,
		ProbeTimeout:   20 * time.Second,
		UnmountTimeout: 30 * time.Second,
		Grace:          5 * time.Second,
		TailLines:      supervisor.DefaultTailLines,
		Devices:        device.DefaultResolver,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.LTFS == "" {
		c.LTFS = d.LTFS
	}
	if c.Fusermount == "" {
		c.Fusermount = d.Fusermount
	}
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.UnmountTimeout <= 0 {
		c.UnmountTimeout = d.UnmountTimeout
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.TailLines <= 0 {
		c.TailLines = d.TailLines
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns every LTFS session of the process. At most one session is
// active per device.
type Manager struct {
	cfg     Config
	mounter mountutils.Interface
	locks   *keyMutex

	mu       sync.Mutex
	sessions map[string]*Session // device -> active session
	owned    map[string]struct{} // mount points created by this manager
}

// NewManager creates a Manager. A nil mounter uses the host mount table.
func NewManager(cfg Config, mounter mountutils.Interface) *Manager {
	cfg.setDefaults()
	if mounter == nil {
		mounter = mountutils.New("")
	}
	return &Manager{
		cfg:      cfg,
		mounter:  mounter,
		locks:    newKeyMutex(),
		sessions: make(map[string]*Session),
		owned:    make(map[string]struct{}),
	}
}

// Mount mounts the LTFS volume in dev on a fresh private directory.
func (m *Manager) Mount(ctx context.Context, dev string) (*Session, error) {
	return m.mount(ctx, dev, m.cfg.Timeout)
}

func (m *Manager) mount(ctx context.Context, dev string, timeout time.Duration) (*Session, error) {
	lock := m.locks.get(dev)
	lock.Lock()
	defer lock.Unlock()

	if s := m.Active(dev); s != nil {
		return nil, fmt.Errorf("%s: %w (mounted at %s)", dev, ErrSessionActive, s.MountPoint)
	}

	sg, err := m.cfg.Devices.GenericAlias(dev)
	if err != nil {
		return nil, &tapeerr.Error{Kind: tapeerr.DeviceResolutionFailed, Op: dev, ExitCode: -1, Err: err}
	}
	ltfs, err := supervisor.LookPath(m.cfg.LTFS)
	if err != nil {
		return nil, err
	}

	if n, err := m.SweepLeftovers(ctx); err != nil {
		m.cfg.Logger.Warn("sweeping leftover mount points", "error", err)
	} else if n > 0 {
		m.cfg.Logger.Info("removed leftover mount points", "count", n)
	}

	s, err := m.create(dev, sg)
	if err != nil {
		return nil, err
	}
	logger := m.cfg.Logger.With("device", dev, "mount_point", s.MountPoint)

	proc, err := supervisor.Start(ctx, supervisor.Command{
		Path: ltfs,
		Args: []string{"-o", "devname=" + sg, s.MountPoint},
	}, supervisor.Options{
		Log: func(line string) {
			s.tail.Add(line)
			logger.Debug("ltfs", "line", line)
		},
		TailLines: m.cfg.TailLines,
		Grace:     m.cfg.Grace,
		Logger:    m.cfg.Logger,
	})
	if err != nil {
		m.abandon(ctx, s)
		return nil, err
	}
	s.proc = proc
	go s.pump()

	logger.Info("mounting LTFS", "generic", sg)
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		// The tool may daemonize, so a mounted path wins even if it exited.
		if m.mounted(s.MountPoint) {
			s.setState(Mounted)
			logger.Info("LTFS mounted")
			return s, nil
		}
		if !proc.Alive() {
			code, _ := proc.Wait(time.Second)
			if m.mounted(s.MountPoint) {
				s.setState(Mounted)
				logger.Info("LTFS mounted")
				return s, nil
			}
			s.settle(time.Second)
			m.abandon(ctx, s)
			return nil, &tapeerr.Error{
				Kind:     tapeerr.MountFailed,
				Op:       m.cfg.LTFS,
				ExitCode: code,
				Detail:   s.Output(),
			}
		}

		select {
		case <-ctx.Done():
			proc.Terminate(m.cfg.Grace)
			m.abandon(ctx, s)
			return nil, &tapeerr.Error{Kind: tapeerr.Cancelled, Op: m.cfg.LTFS, ExitCode: -1, Detail: "mount cancelled"}
		case <-deadline.C:
			proc.Terminate(m.cfg.Grace)
			s.settle(time.Second)
			m.abandon(ctx, s)
			return nil, &tapeerr.Error{
				Kind:     tapeerr.MountTimeout,
				Op:       m.cfg.LTFS,
				ExitCode: -1,
				Err:      fmt.Errorf("not mounted after %s", timeout),
				Detail:   s.Output(),
			}
		case <-poll.C:
		case <-proc.Exited():
		}
	}
}

// create makes the mount point and registers the session atomically, so a
// concurrent sweep never mistakes the new directory for a leftover.
func (m *Manager) create(dev, sg string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.cfg.BaseDir, 0o755); err != nil {
		return nil, tapeerr.New(tapeerr.MountFailed, "mkdir", err)
	}
	mp, err := os.MkdirTemp(m.cfg.BaseDir, m.cfg.Prefix)
	if err != nil {
		return nil, tapeerr.New(tapeerr.MountFailed, "mkdir", err)
	}
	s := newSession(dev, sg, mp, m.cfg.TailLines)
	m.sessions[dev] = s
	m.owned[mp] = struct{}{}
	return s, nil
}

// abandon tears down a session whose mount never completed.
func (m *Manager) abandon(ctx context.Context, s *Session) {
	ctx = context.WithoutCancel(ctx)
	if err := m.unmountPath(ctx, s.MountPoint); err != nil {
		m.cfg.Logger.Warn("failed mount left a mounted path", "mount_point", s.MountPoint, "error", err)
	}
	m.removeDir(s.MountPoint)
	s.stop()
	s.setState(Failed)
	m.release(s)
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.Device] == s {
		delete(m.sessions, s.Device)
	}
	delete(m.owned, s.MountPoint)
}

// Unmount tears down s. Calling it again, or on a failed session, is a
// no-op. When the path stays mounted the session goes back to Mounted and
// keeps its device, so a later Unmount or UnmountAll retries.
func (m *Manager) Unmount(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	lock := m.locks.get(s.Device)
	lock.Lock()
	defer lock.Unlock()

	if !s.State().Active() {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	s.setState(Unmounting)
	logger := m.cfg.Logger.With("device", s.Device, "mount_point", s.MountPoint)
	logger.Info("unmounting LTFS")

	if err := m.unmountPath(ctx, s.MountPoint); err != nil {
		logger.Warn("LTFS is still mounted, keeping the session", "error", err)
		s.setState(Mounted)
		return err
	}
	if s.proc != nil && s.proc.Alive() {
		s.proc.Terminate(m.cfg.Grace)
	}
	s.stop()
	m.removeDir(s.MountPoint)
	s.setState(Unmounted)
	m.release(s)
	return nil
}

// UnmountAll tears down every active session.
func (m *Manager) UnmountAll(ctx context.Context) error {
	var errs []error
	for _, s := range m.Sessions() {
		if err := m.Unmount(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Device, err))
		}
	}
	return errors.Join(errs...)
}

// Active returns dev's active session, or nil.
func (m *Manager) Active(dev string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[dev]
	if s == nil || !s.State().Active() {
		return nil
	}
	return s
}

// Sessions returns the active sessions ordered by device.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State().Active() {
			out = append(out, s)
		}
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.Device, b.Device) })
	return out
}

// Probe reports whether dev holds an LTFS volume by mounting it briefly.
func (m *Manager) Probe(ctx context.Context, dev string) bool {
	s, err := m.mount(ctx, dev, m.cfg.ProbeTimeout)
	if err != nil {
		m.cfg.Logger.Debug("LTFS probe did not mount", "device", dev, "error", err)
		return false
	}
	if err := m.Unmount(ctx, s); err != nil {
		m.cfg.Logger.Warn("unmounting after LTFS probe", "device", dev, "error", err)
	}
	return true
}

// SweepLeftovers unmounts and removes mount points left behind by earlier
// runs. Directories of this manager's sessions are skipped, and a
// directory that stays mounted is left for the next sweep. It returns the
// number of directories removed.
func (m *Manager) SweepLeftovers(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.BaseDir, m.cfg.Prefix+"*"))
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", m.cfg.BaseDir, err)
	}
	ctx = context.WithoutCancel(ctx)

	cleaned := 0
	for _, mp := range matches {
		if m.isOwned(mp) {
			continue
		}
		info, err := os.Lstat(mp)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := m.unmountPath(ctx, mp); err != nil {
			m.cfg.Logger.Warn("leftover mount point still mounted", "mount_point", mp, "error", err)
			continue
		}
		if m.removeDir(mp) {
			cleaned++
		}
	}
	return cleaned, nil
}

func (m *Manager) isOwned(mp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owned[mp]
	return ok
}

// mounted reports whether the mount table lists path. A corrupted FUSE
// endpoint counts as mounted, and so does any answer the table cannot give.
func (m *Manager) mounted(path string) bool {
	ok, err := m.mounter.IsMountPoint(path)
	if err != nil {
		if mountutils.IsCorruptedMnt(err) {
			return true
		}
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		m.cfg.Logger.Debug("mount table check failed", "path", path, "error", err)
		return true
	}
	return ok
}

// unmountPath escalates fusermount -u, then umount, then a forced unmount,
// stopping as soon as the path is no longer mounted.
func (m *Manager) unmountPath(ctx context.Context, path string) error {
	if !m.mounted(path) {
		return nil
	}
	logger := m.cfg.Logger.With("mount_point", path)

	cmd := supervisor.Command{Path: m.cfg.Fusermount, Args: []string{"-u", path}}
	res, err := supervisor.Output(ctx, cmd, supervisor.OutputOptions{Timeout: m.cfg.UnmountTimeout, Grace: m.cfg.Grace})
	switch {
	case err != nil:
		logger.Debug("fusermount unavailable", "error", err)
	case res.ExitCode != 0:
		logger.Debug("fusermount failed", "exit_code", res.ExitCode, "output", strings.TrimSpace(res.Combined()))
	}
	if !m.mounted(path) {
		return nil
	}

	if err := m.mounter.Unmount(path); err != nil {
		logger.Debug("umount failed", "error", err)
	}
	if !m.mounted(path) {
		return nil
	}

	if f, ok := m.mounter.(mountutils.MounterForceUnmounter); ok {
		if err := f.UnmountWithForce(path, m.cfg.UnmountTimeout); err != nil {
			logger.Debug("forced unmount failed", "error", err)
		}
		if !m.mounted(path) {
			return nil
		}
	}
	return fmt.Errorf("%s is still mounted", path)
}

// removeDir deletes an empty, unmounted mount point. It never recurses.
func (m *Manager) removeDir(path string) bool {
	if m.mounted(path) {
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.cfg.Logger.Warn("removing mount point", "mount_point", path, "error", err)
		return false
	}
	return true
}
