package engine

import (
	"fmt"
	"os"
	"strings"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/progress"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

// tarMode builds the bundled short option, e.g. "-czvf".
func tarMode(verb byte, gzip bool) string {
	var b strings.Builder
	b.WriteByte('-')
	b.WriteByte(verb)
	if gzip {
		b.WriteByte('z')
	}
	b.WriteString("vf")
	return b.String()
}

// BackupArgs returns the tar arguments that write paths to dev.
func BackupArgs(dev string, paths []string, gzip bool, interval int) []string {
	args := []string{tarMode('c', gzip), dev}
	args = append(args, progress.CheckpointArgs(interval)...)
	return append(args, paths...)
}

// RestoreArgs returns the tar arguments that extract dev into dest.
func RestoreArgs(dev, dest string, gzip bool, interval int) []string {
	args := []string{tarMode('x', gzip), dev, "-C", dest}
	return append(args, progress.CheckpointArgs(interval)...)
}

// ListArgs returns the tar arguments that list dev.
func ListArgs(dev string, gzip bool) []string {
	return []string{tarMode('t', gzip), dev}
}

// position rewinds (unless appending) and skips to the requested archive.
func (e *Engine) position(t *Task, seek bool) error {
	t.enter(StatePositioning)
	n := 1
	if seek {
		n = t.req.ArchiveNumber
	}
	return e.drive(t.req.Device, t.logLine).SeekArchive(t.ctx, n, t.req.Append, func(msg string) {
		t.status("%s", msg)
	})
}

func (e *Engine) backup(t *Task) error {
	if _, err := e.precheck(t); err != nil {
		return err
	}
	if err := e.position(t, false); err != nil {
		return err
	}
	t.enter(StateRunning)
	args := BackupArgs(t.req.Device, t.req.Paths, t.req.Gzip, e.cfg.CheckpointInterval)
	return e.runTar(t, args, func(line string) {
		if !strings.HasPrefix(line, "tar: ") {
			t.addWritten(line)
		}
	})
}

func (e *Engine) restore(t *Task) error {
	if err := os.MkdirAll(t.req.Destination, 0o755); err != nil {
		return fmt.Errorf("create restore destination: %w", err)
	}
	if err := e.position(t, true); err != nil {
		return err
	}
	t.enter(StateRunning)
	args := RestoreArgs(t.req.Device, t.req.Destination, t.req.Gzip, e.cfg.CheckpointInterval)
	return e.runTar(t, args, nil)
}

func (e *Engine) list(t *Task) error {
	if err := e.position(t, true); err != nil {
		return err
	}
	t.enter(StateRunning)
	every := e.cfg.ListProgressEvery
	err := e.runTar(t, ListArgs(t.req.Device, t.req.Gzip), func(line string) {
		entry, ok := progress.ParseListing(line)
		if !ok {
			return
		}
		if n := t.addEntry(entry); n%every == 0 {
			t.status("Reading… %d entries", n)
		}
	})
	if err == nil {
		t.status("Listed %d entries", t.stats.Snapshot().Entries)
	}
	return err
}

// runTar supervises tar. Checkpoint lines become Progress events; other
// lines go to onOther. Every line is also a Log event.
func (e *Engine) runTar(t *Task, args []string, onOther func(string)) error {
	p, err := supervisor.Start(t.ctx, supervisor.Command{Path: e.cfg.Tools.Tar, Args: args}, supervisor.Options{
		Log:    t.logLine,
		Grace:  e.cfg.Grace,
		Logger: t.logger,
	})
	if err != nil {
		return err
	}
	interval := e.cfg.CheckpointInterval
	err = p.Stream(t.ctx, func(line string) {
		if cp, ok := progress.ParseCheckpoint(line, interval); ok {
			t.stats.ObserveRecords(cp.Records)
			if cp.Direction != progress.DirectionNone {
				t.stats.ObserveBytes(cp.Bytes)
			}
			t.progress(false, -1)
			return
		}
		if onOther != nil {
			onOther(line)
		}
	})
	if err != nil {
		if te := asTapeErr(err); te != nil && te.Kind == tapeerr.TransferToolFailed {
			te.Op = "tar " + args[0]
		}
		return err
	}
	t.progress(true, -1)
	return nil
}
