package engine

import (
	"context"
	"sync"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/progress"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

// RsyncArgs returns the rsync arguments that copy paths into mountPoint.
func RsyncArgs(paths []string, mountPoint string) []string {
	args := []string{
		"-a", "--partial", "--append-verify", "--outbuf=L",
		"--info=progress2,flist2,stats2",
	}
	args = append(args, paths...)
	return append(args, mountPoint+"/")
}

func (e *Engine) ltfsBackup(t *Task) (err error) {
	for _, tool := range []string{e.cfg.Tools.LTFS, e.cfg.Tools.Rsync} {
		if _, err := supervisor.LookPath(tool); err != nil {
			return err
		}
	}

	total, err := e.precheck(t)
	if err != nil {
		return err
	}

	// LTFS positions the tape itself; mounting is this mode's positioning.
	t.enter(StatePositioning)
	t.status("Mounting LTFS volume")
	s, err := e.mounts.Mount(t.ctx, t.req.Device)
	if err != nil {
		return err
	}
	t.setMountPoint(s.MountPoint)
	t.status("Mounted at %s", s.MountPoint)
	defer func() {
		t.status("Unmounting LTFS volume")
		if uerr := e.mounts.Unmount(context.WithoutCancel(t.ctx), s); uerr != nil {
			t.logger.Warn("LTFS unmount after transfer", "mount_point", s.MountPoint, "error", uerr)
			t.status("Unmount failed: %v", uerr)
		}
		t.setMountPoint("")
	}()

	t.enter(StateRunning)
	stop := e.startSampler(t, s.MountPoint)
	defer stop()

	p, err := supervisor.Start(t.ctx, supervisor.Command{
		Path: e.cfg.Tools.Rsync,
		Args: RsyncArgs(t.req.Paths, s.MountPoint),
	}, supervisor.Options{
		Log:    t.logLine,
		Grace:  e.cfg.Grace,
		Logger: t.logger,
	})
	if err != nil {
		return err
	}
	err = p.Stream(t.ctx, func(line string) {
		pc, ok := progress.ParsePercent(line)
		if !ok {
			return
		}
		if pc.SizeOK || total > 0 {
			t.stats.ObserveBytes(pc.Resolve(total))
		}
		t.progress(false, pc.Percent)
	})
	if err != nil {
		if te := asTapeErr(err); te != nil && te.Kind == tapeerr.TransferToolFailed {
			te.Op = "rsync"
		}
		return err
	}
	if total > 0 {
		t.stats.ObserveBytes(total)
	}
	t.progress(true, -1)
	return nil
}

// startSampler measures the mount point with du while rsync runs, since
// rsync's own figures lag on large files. Readings are clamped to the known
// total by the collector. The returned func stops the sampler and waits
// for it.
func (e *Engine) startSampler(t *Task, mountPoint string) func() {
	ctx, cancel := context.WithCancel(t.ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := DiskUsage(ctx, e.cfg.Tools.Du, []string{mountPoint}, supervisor.OutputOptions{
				Timeout: e.cfg.SampleTimeout,
				Grace:   e.cfg.Grace,
			})
			if err != nil || n == 0 {
				continue
			}
			before := t.stats.Snapshot().BytesDone
			if t.stats.ObserveBytes(n) > before && ctx.Err() == nil {
				t.progress(false, -1)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
