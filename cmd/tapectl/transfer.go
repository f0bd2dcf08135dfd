package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/engine"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/event"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/ui"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// transferFlags are shared by the tar-based commands.
type transferFlags struct {
	archive int
	gzip    bool
	append  bool
}

func (f *transferFlags) register(cmd *cobra.Command, withArchive bool) {
	cmd.Flags().BoolVarP(&f.gzip, "gzip", "z", false, "compress or decompress the archive with gzip")
	cmd.Flags().BoolVar(&f.append, "append", false, "do not rewind first; use the current tape position")
	if withArchive {
		cmd.Flags().IntVarP(&f.archive, "archive", "n", 1, "archive number on the tape, counted from 1")
	}
}

func (f *transferFlags) applyConfig(cmd *cobra.Command, a *app) {
	if !cmd.Flags().Changed("gzip") {
		f.gzip = a.cfg.Transfer.Gzip
	}
}

func newBackupCmd(a *app) *cobra.Command {
	var (
		tf            transferFlags
		maxBytes      maxBytesFlag
		verify        bool
		skipLTFSCheck bool
	)
	cmd := &cobra.Command{
		Use:   "backup [flags] <path>...",
		Short: "Write paths to tape as a tar archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf.applyConfig(cmd, a)
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			limit, err := a.resolveMaxBytes(ctx, cmd, maxBytes)
			if err != nil {
				return err
			}

			if !tf.append && !skipLTFSCheck && supervisor.Available(a.cfg.Tools.LTFS) {
				a.status("Checking for LTFS partition before tar backup…")
				hasLTFS, err := e.ProbeLTFS(ctx, a.device)
				if err != nil {
					return a.opFailed("ltfs probe", err)
				}
				if hasLTFS {
					if err := a.confirm("This tape appears to be LTFS-formatted. A tar backup will overwrite and destroy the LTFS data. Continue with tar backup anyway?"); err != nil {
						a.status("Backup cancelled to protect LTFS tape.")
						return err
					}
				}
			}

			res, err := a.runTask(ctx, e, engine.Request{
				Device:          a.device,
				Op:              engine.OpBackup,
				Paths:           args,
				Gzip:            tf.gzip,
				Append:          tf.append,
				MaxAllowedBytes: limit,
			})
			if err != nil {
				return err
			}
			if res.State != engine.StateCompleted || !verify {
				return taskExit(res)
			}
			return a.verifyBackup(ctx, e, res, tf)
		},
	}
	tf.register(cmd, false)
	maxBytes.register(cmd.Flags())
	cmd.Flags().BoolVar(&verify, "verify", false, "list the archive back after writing and compare member names")
	cmd.Flags().BoolVar(&skipLTFSCheck, "skip-ltfs-check", false, "do not probe for an LTFS volume before overwriting the tape")
	return cmd
}

// resolveMaxBytes turns --max-bytes (or transfer.max_tape_bytes) into a
// byte ceiling. "auto" asks the drive; an unknown capacity means no ceiling.
func (a *app) resolveMaxBytes(ctx context.Context, cmd *cobra.Command, flag maxBytesFlag) (uint64, error) {
	cfg := a.cfg
	if cmd.Flags().Changed("max-bytes") {
		cfg.Transfer.MaxTapeBytes = flag.raw
	}
	n, auto, err := cfg.MaxBytes()
	if err != nil {
		return 0, fmt.Errorf("invalid --max-bytes: %w", err)
	}
	if !auto {
		return n, nil
	}
	rep, ok := a.capacityResolver().Resolve(ctx, a.device)
	if !ok {
		a.logger.Warn("tape capacity unknown, no size ceiling applied", "device", a.device)
		return 0, nil
	}
	a.status("Tape capacity: %s (from %s)", units.FormatBytes(rep.Bytes), rep.Source)
	return rep.Bytes, nil
}

// verifyBackup lists the archive just written and compares it with the
// member names tar reported while writing.
func (a *app) verifyBackup(ctx context.Context, e *engine.Engine, written engine.Result, tf transferFlags) error {
	if tf.append {
		a.logger.Warn("--verify needs the archive's position; skipped with --append")
		return nil
	}
	a.status("Verifying archive…")
	task, err := e.Start(ctx, engine.Request{
		Device:        a.device,
		Op:            engine.OpList,
		ArchiveNumber: 1,
		Gzip:          tf.gzip,
	})
	if err != nil {
		return err
	}
	for range task.Events() {
	}
	listed := task.Wait()
	if listed.State != engine.StateCompleted {
		fmt.Fprintf(a.stderr, "verify: %s\n", ui.CompletionSummary(listed.State.String(), listed.Err, task.Stats().Snapshot(), a.isTTY))
		return taskExit(listed)
	}

	v := engine.VerifyListing(written.Written, listed.Entries)
	if v.OK() {
		a.status("verified %s members", ui.FormatCount(int64(v.Matched)))
		return nil
	}
	for _, m := range v.Missing {
		fmt.Fprintf(a.stdout, "MISSING: %s\n", m)
	}
	for _, u := range v.Unexpected {
		fmt.Fprintf(a.stdout, "UNEXPECTED: %s\n", u)
	}
	fmt.Fprintf(a.stderr, "verify failed: %d matched, %d missing, %d unexpected\n", v.Matched, len(v.Missing), len(v.Unexpected))
	return &exitError{code: exitFailure}
}

func newRestoreCmd(a *app) *cobra.Command {
	var tf transferFlags
	cmd := &cobra.Command{
		Use:   "restore [flags] <destination>",
		Short: "Extract an archive from tape into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf.applyConfig(cmd, a)
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			res, err := a.runTask(ctx, e, engine.Request{
				Device:        a.device,
				Op:            engine.OpRestore,
				Destination:   args[0],
				ArchiveNumber: tf.archive,
				Gzip:          tf.gzip,
				Append:        tf.append,
			})
			if err != nil {
				return err
			}
			return taskExit(res)
		},
	}
	tf.register(cmd, true)
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var tf transferFlags
	cmd := &cobra.Command{
		Use:   "list [flags]",
		Short: "List the members of an archive on tape",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tf.applyConfig(cmd, a)
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			res, err := a.runTask(ctx, e, engine.Request{
				Device:        a.device,
				Op:            engine.OpList,
				ArchiveNumber: tf.archive,
				Gzip:          tf.gzip,
				Append:        tf.append,
			})
			if err != nil {
				return err
			}
			return taskExit(res)
		},
	}
	tf.register(cmd, true)
	return cmd
}

func newLTFSBackupCmd(a *app) *cobra.Command {
	var maxBytes maxBytesFlag
	cmd := &cobra.Command{
		Use:   "ltfs-backup [flags] <path>...",
		Short: "Mount the tape as LTFS and rsync paths onto it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			limit, err := a.resolveMaxBytes(ctx, cmd, maxBytes)
			if err != nil {
				return err
			}
			res, err := a.runTask(ctx, e, engine.Request{
				Device:          a.device,
				Op:              engine.OpLTFSBackup,
				Paths:           args,
				MaxAllowedBytes: limit,
			})
			if err != nil {
				return err
			}
			return taskExit(res)
		},
	}
	maxBytes.register(cmd.Flags())
	return cmd
}

// runTask starts req and presents its events until the task ends.
func (a *app) runTask(ctx context.Context, e *engine.Engine, req engine.Request) (engine.Result, error) {
	task, err := e.Start(ctx, req)
	if errors.Is(err, engine.ErrDeviceBusy) || errors.Is(err, engine.ErrShuttingDown) {
		return engine.Result{}, a.opFailed(req.Op.String(), err)
	}
	if err != nil {
		return engine.Result{}, err
	}
	a.logger.Debug("task started", "task", task.ID(), "op", req.Op.String(), "device", req.Device)

	presenter := ui.NewPresenter(ui.Config{
		Writer:     a.stdout,
		ErrWriter:  a.stderr,
		Stats:      task.Stats(),
		IsTTY:      a.isTTY,
		Quiet:      a.quiet,
		Verbose:    a.verbose,
		NoProgress: a.noProgress,
		Width:      a.width,
	})

	events := task.Events()
	if a.logFile != "" {
		events = teeEvents(events)
	}
	if err := presenter.Run(events); err != nil {
		fmt.Fprintf(a.stderr, "presenter: %v\n", err)
	}
	res := task.Wait()

	if summary := presenter.Summary(); summary != "" {
		fmt.Fprintln(a.stderr, summary)
	}
	if res.Err != nil {
		a.logger.Debug(req.Op.String()+" ended", "state", res.State.String(), "error", res.Err)
	}
	return res, nil
}

// teeEvents writes each event to the structured log before forwarding it.
func teeEvents(in <-chan event.Event) <-chan event.Event {
	out := make(chan event.Event, 256)
	go func() {
		defer close(out)
		for ev := range in {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("task", ev.TaskID),
				slog.String("device", ev.Device),
			}
			switch ev.Type {
			case event.Log:
				attrs = append(attrs, slog.String("line", ev.Line))
			case event.Status:
				attrs = append(attrs, slog.String("text", ev.Text))
			case event.StateChanged:
				attrs = append(attrs, slog.String("state", ev.State))
			case event.Progress:
				attrs = append(attrs,
					slog.Uint64("bytes_done", ev.Progress.BytesDone),
					slog.Uint64("bytes_total", ev.Progress.BytesTotal),
					slog.Uint64("records", ev.Progress.Records),
				)
			case event.Entry:
				attrs = append(attrs, slog.String("path", ev.Entry.Path), slog.Uint64("size", ev.Entry.Size))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			// Debug keeps the events out of the terminal handler unless -v.
			slog.LogAttrs(context.Background(), slog.LevelDebug, "tapectl.event", attrs...)
			out <- ev
		}
	}()
	return out
}

func joinPaths(paths []string) string {
	if len(paths) == 0 {
		return "-"
	}
	return strings.Join(paths, ", ")
}
