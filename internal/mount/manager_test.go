package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mountutils "k8s.io/mount-utils"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/device"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

// stateMounter is a FakeMounter whose mount table is a directory of marker
// files, so shell-script stand-ins for ltfs and fusermount can mount and
// unmount paths.
type stateMounter struct {
	*mountutils.FakeMounter
	state string
	stuck atomic.Bool
}

func newStateMounter(t *testing.T) *stateMounter {
	t.Helper()
	return &stateMounter{FakeMounter: mountutils.NewFakeMounter(nil), state: t.TempDir()}
}

func (s *stateMounter) marker(path string) string {
	return filepath.Join(s.state, filepath.Base(path))
}

func (s *stateMounter) markMounted(path string) error {
	return os.WriteFile(s.marker(path), nil, 0o644)
}

func (s *stateMounter) IsMountPoint(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	_, err := os.Stat(s.marker(path))
	return err == nil, nil
}

func (s *stateMounter) IsLikelyNotMountPoint(path string) (bool, error) {
	mnt, err := s.IsMountPoint(path)
	return !mnt, err
}

func (s *stateMounter) Unmount(path string) error {
	if s.stuck.Load() {
		return errors.New("target is busy")
	}
	return os.Remove(s.marker(path))
}

type fixture struct {
	mgr     *Manager
	mounter *stateMounter
	base    string
	bin     string
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// newFixture builds a manager over a fake sysfs (nst0 -> sg1), a fake
// mount table and an ltfs stand-in running ltfsBody with $MP set.
func newFixture(t *testing.T, ltfsBody string) *fixture {
	t.Helper()
	sys := t.TempDir()
	devDir := filepath.Join(sys, "class", "scsi_tape", "nst0", "device")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	require.NoError(t, os.Symlink("../../scsi_generic/sg1", filepath.Join(devDir, "generic")))

	mounter := newStateMounter(t)
	bin := t.TempDir()
	mark := `MP="$3"; MARK="` + mounter.state + `/$(basename "$MP")"`
	ltfs := writeScript(t, bin, "ltfs", mark+"\n"+ltfsBody)
	fuse := writeScript(t, bin, "fusermount", `rm -f "`+mounter.state+`/$(basename "$2")"`)

	base := t.TempDir()
	mgr := NewManager(Config{
		LTFS:         ltfs,
		Fusermount:   fuse,
		BaseDir:      base,
		PollInterval: 20 * time.Millisecond,
		Timeout:      time.Second,
		ProbeTimeout: time.Second,
		Grace:        200 * time.Millisecond,
		Devices:      device.Resolver{SysfsRoot: sys, DevRoot: "/dev"},
	}, mounter)
	return &fixture{mgr: mgr, mounter: mounter, base: base, bin: bin}
}

const mountOK = `echo "LTFS14000I LTFS starting, devname=$2"
touch "$MARK"
echo "LTFS11031I Volume mounted successfully"`

func TestMountUnmount(t *testing.T) {
	f := newFixture(t, mountOK)
	ctx := context.Background()

	s, err := f.mgr.Mount(ctx, "/dev/nst0")
	require.NoError(t, err)
	assert.Equal(t, Mounted, s.State())
	assert.Equal(t, "/dev/sg1", s.Generic)
	assert.True(t, strings.HasPrefix(filepath.Base(s.MountPoint), "ltfs_tape_"))
	assert.DirExists(t, s.MountPoint)
	assert.Same(t, s, f.mgr.Active("/dev/nst0"))

	require.NoError(t, f.mgr.Unmount(ctx, s))
	assert.Equal(t, Unmounted, s.State())
	assert.NoDirExists(t, s.MountPoint)
	mnt, _ := f.mounter.IsMountPoint(s.MountPoint)
	assert.False(t, mnt)
	assert.Nil(t, f.mgr.Active("/dev/nst0"))

	// Second unmount is a no-op.
	require.NoError(t, f.mgr.Unmount(ctx, s))
	assert.Equal(t, Unmounted, s.State())
}

func TestUnmountFailureKeepsSession(t *testing.T) {
	f := newFixture(t, mountOK)
	ctx := context.Background()

	s, err := f.mgr.Mount(ctx, "/dev/nst0")
	require.NoError(t, err)

	fuse := f.mgr.cfg.Fusermount
	f.mgr.cfg.Fusermount = writeScript(t, f.bin, "fusermount-busy", "exit 1")
	f.mounter.stuck.Store(true)

	err = f.mgr.Unmount(ctx, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still mounted")
	assert.Equal(t, Mounted, s.State())
	assert.Same(t, s, f.mgr.Active("/dev/nst0"))
	assert.DirExists(t, s.MountPoint)

	_, err = f.mgr.Mount(ctx, "/dev/nst0")
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Len(t, f.mgr.Sessions(), 1)

	// Once the mount lets go, a retry completes the teardown.
	f.mgr.cfg.Fusermount = fuse
	f.mounter.stuck.Store(false)
	require.NoError(t, f.mgr.UnmountAll(ctx))
	assert.Equal(t, Unmounted, s.State())
	assert.Nil(t, f.mgr.Active("/dev/nst0"))
	assert.NoDirExists(t, s.MountPoint)
}

func TestMountRejectsSecondSession(t *testing.T) {
	f := newFixture(t, mountOK)
	ctx := context.Background()

	s, err := f.mgr.Mount(ctx, "/dev/nst0")
	require.NoError(t, err)
	defer f.mgr.Unmount(ctx, s)

	_, err = f.mgr.Mount(ctx, "/dev/nst0")
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Len(t, f.mgr.Sessions(), 1)
}

func TestMountToolExitsWithoutMounting(t *testing.T) {
	f := newFixture(t, `echo "LTFS17168E Cannot read volume: medium is not partitioned" >&2; exit 1`)

	_, err := f.mgr.Mount(context.Background(), "/dev/nst0")
	require.Error(t, err)
	assert.ErrorIs(t, err, tapeerr.ErrMountFailed)
	assert.Contains(t, err.Error(), "not partitioned")

	var te *tapeerr.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.ExitCode)

	entries, _ := os.ReadDir(f.base)
	assert.Empty(t, entries)
	assert.Nil(t, f.mgr.Active("/dev/nst0"))
}

func TestMountTimeout(t *testing.T) {
	f := newFixture(t, `echo "LTFS waiting for device"; sleep 30`)

	start := time.Now()
	_, err := f.mgr.Mount(context.Background(), "/dev/nst0")
	require.Error(t, err)
	assert.ErrorIs(t, err, tapeerr.ErrMountTimeout)
	assert.Contains(t, err.Error(), "waiting for device")
	assert.Less(t, time.Since(start), 5*time.Second)

	entries, _ := os.ReadDir(f.base)
	assert.Empty(t, entries)
}

func TestMountCancelled(t *testing.T) {
	f := newFixture(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := f.mgr.Mount(ctx, "/dev/nst0")
	assert.ErrorIs(t, err, tapeerr.ErrCancelled)

	entries, _ := os.ReadDir(f.base)
	assert.Empty(t, entries)
}

func TestMountDeviceResolutionFailed(t *testing.T) {
	f := newFixture(t, mountOK)
	_, err := f.mgr.Mount(context.Background(), "/dev/nst7")
	assert.ErrorIs(t, err, tapeerr.ErrDeviceResolutionFailed)
}

func TestMountToolNotFound(t *testing.T) {
	f := newFixture(t, mountOK)
	f.mgr.cfg.LTFS = "no-such-ltfs"
	_, err := f.mgr.Mount(context.Background(), "/dev/nst0")
	assert.ErrorIs(t, err, tapeerr.ErrToolNotFound)
	assert.Contains(t, err.Error(), "no-such-ltfs")
}

func TestSweepLeftovers(t *testing.T) {
	f := newFixture(t, mountOK)

	stale := filepath.Join(f.base, "ltfs_tape_stale1")
	mounted := filepath.Join(f.base, "ltfs_tape_stale2")
	other := filepath.Join(f.base, "unrelated")
	for _, d := range []string{stale, mounted, other} {
		require.NoError(t, os.Mkdir(d, 0o755))
	}
	require.NoError(t, f.mounter.markMounted(mounted))

	n, err := f.mgr.SweepLeftovers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoDirExists(t, stale)
	assert.NoDirExists(t, mounted)
	assert.DirExists(t, other)
}

func TestSweepSkipsOwnSessions(t *testing.T) {
	f := newFixture(t, mountOK)
	ctx := context.Background()

	s, err := f.mgr.Mount(ctx, "/dev/nst0")
	require.NoError(t, err)

	n, err := f.mgr.SweepLeftovers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, s.MountPoint)

	require.NoError(t, f.mgr.UnmountAll(ctx))
	assert.Empty(t, f.mgr.Sessions())
	assert.NoDirExists(t, s.MountPoint)
}

func TestSweepKeepsStillMountedDirectory(t *testing.T) {
	base := t.TempDir()
	stuck := filepath.Join(base, "ltfs_tape_stuck")
	require.NoError(t, os.Mkdir(stuck, 0o755))

	fake := mountutils.NewFakeMounter([]mountutils.MountPoint{{Device: "ltfs", Path: stuck, Type: "fuse"}})
	fake.UnmountFunc = func(string) error { return errors.New("device or resource busy") }

	mgr := NewManager(Config{BaseDir: base, Fusermount: "no-such-fusermount"}, fake)
	n, err := mgr.SweepLeftovers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, stuck)
}

func TestSweepUsesUmountFallback(t *testing.T) {
	base := t.TempDir()
	leftover := filepath.Join(base, "ltfs_tape_old")
	require.NoError(t, os.Mkdir(leftover, 0o755))

	fake := mountutils.NewFakeMounter([]mountutils.MountPoint{{Device: "ltfs", Path: leftover, Type: "fuse"}})
	mgr := NewManager(Config{BaseDir: base, Fusermount: "no-such-fusermount"}, fake)

	n, err := mgr.SweepLeftovers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, leftover)
	assert.Empty(t, fake.MountPoints)
}

func TestProbe(t *testing.T) {
	f := newFixture(t, mountOK)
	assert.True(t, f.mgr.Probe(context.Background(), "/dev/nst0"))
	assert.Empty(t, f.mgr.Sessions())
	entries, _ := os.ReadDir(f.base)
	assert.Empty(t, entries)

	g := newFixture(t, `exit 1`)
	assert.False(t, g.mgr.Probe(context.Background(), "/dev/nst0"))
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "mounted", Mounted.String())
	assert.True(t, Unmounting.Active())
	assert.False(t, Failed.Active())
	assert.False(t, Unmounted.Active())
}
