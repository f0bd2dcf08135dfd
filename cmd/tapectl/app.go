package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/capacity"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/config"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/device"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/engine"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/journal"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/mount"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/ui"
)

// errNotConfirmed is returned when a destructive operation is declined.
var errNotConfirmed = errors.New("not confirmed")

// app carries global flags and the objects built from them.
type app struct {
	configPath string
	device     string
	verbose    bool
	quiet      bool
	noProgress bool
	yes        bool
	noJournal  bool
	logFile    string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	isTTY  bool
	width  int

	cfg     config.Config
	logger  *slog.Logger
	closers []func() error
}

func newApp() *app {
	return &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		isTTY:  ui.IsTTY(os.Stderr),
		width:  ui.TermWidth(os.Stderr),
		cfg:    config.Default(),
		logger: slog.Default(),
	}
}

// setup loads the config file and configures logging.
func (a *app) setup(cmd *cobra.Command) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cmd.Flags().Changed("device") {
		a.device = a.cfg.Device.Default
	}
	if a.cfg.Journal.Disabled {
		a.noJournal = true
	}

	logLevel := slog.LevelWarn
	if a.verbose {
		logLevel = slog.LevelDebug
	} else if !a.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(a.stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	var logHandler slog.Handler = textHandler
	if a.logFile != "" {
		lf, err := os.Create(a.logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.closers = append(a.closers, lf.Close)
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	a.logger = slog.New(logHandler)
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("closing", "error", err)
		}
	}
	a.closers = nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func (a *app) signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) devices() device.Resolver {
	return device.Resolver{SysfsRoot: a.cfg.Device.SysfsRoot, DevRoot: a.cfg.Device.DevRoot}
}

func (a *app) mountConfig() mount.Config {
	mc := mount.DefaultConfig()
	mc.LTFS = a.cfg.Tools.LTFS
	mc.Fusermount = a.cfg.Tools.Fusermount
	mc.BaseDir = a.cfg.Mount.BaseDir
	mc.Prefix = a.cfg.Mount.Prefix
	mc.TailLines = a.cfg.Mount.StderrTailLines
	mc.Timeout = a.cfg.Timeouts.Mount.Duration
	mc.ProbeTimeout = a.cfg.Timeouts.MountProbe.Duration
	mc.UnmountTimeout = a.cfg.Timeouts.Unmount.Duration
	mc.Devices = a.devices()
	mc.Logger = a.logger
	return mc
}

func (a *app) engineConfig() (engine.Config, error) {
	policy, err := engine.ParseUnknownSizePolicy(a.cfg.Transfer.UnknownSize)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.DefaultConfig()
	ec.Tools = engine.Tools{
		MT:     a.cfg.Tools.MT,
		Tar:    a.cfg.Tools.Tar,
		Du:     a.cfg.Tools.Du,
		Rsync:  a.cfg.Tools.Rsync,
		LTFS:   a.cfg.Tools.LTFS,
		Mkltfs: a.cfg.Tools.Mkltfs,
	}
	ec.CheckpointInterval = a.cfg.Transfer.CheckpointInterval
	ec.ListProgressEvery = a.cfg.Transfer.ListProgressEvery
	ec.UnknownSize = policy
	ec.SizeTimeout = a.cfg.Timeouts.SizeCheck.Duration
	ec.CommandTimeout = a.cfg.Timeouts.Command.Duration
	ec.EraseDeadline = a.cfg.Timeouts.Erase.Duration
	ec.Grace = a.cfg.Timeouts.Grace.Duration
	ec.Devices = a.devices()
	ec.Logger = a.logger
	return ec, nil
}

// newEngine builds the engine with its mount manager and, unless disabled,
// the history journal. A journal that cannot be opened is logged and
// skipped.
func (a *app) newEngine() (*engine.Engine, error) {
	ec, err := a.engineConfig()
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{engine.WithMounts(mount.NewManager(a.mountConfig(), nil))}
	if !a.noJournal {
		if j, err := a.openJournal(); err != nil {
			a.logger.Warn("task history disabled", "error", err)
		} else {
			opts = append(opts, engine.WithJournal(j))
		}
	}
	e := engine.New(ec, opts...)
	a.closers = append(a.closers, func() error {
		return e.Shutdown(context.Background())
	})
	return e, nil
}

func (a *app) openJournal() (*journal.Journal, error) {
	path := a.cfg.Journal.Path
	if path == "" {
		path = journal.DefaultPath()
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, j.Close)
	return j, nil
}

func (a *app) capacityResolver() *capacity.Resolver {
	r := capacity.New()
	r.SgLogs = a.cfg.Tools.SgLogs
	r.SgReadAttr = a.cfg.Tools.SgReadAttr
	r.Timeout = a.cfg.Timeouts.Capacity.Duration
	r.Devices = a.devices()
	r.Logger = a.logger
	return r
}

// confirm asks before a destructive operation. --yes answers for the user;
// without it a prompt needs a terminal.
func (a *app) confirm(prompt string) error {
	if a.yes {
		return nil
	}
	if !a.isTTY {
		return fmt.Errorf("%s: refusing without --yes when not attached to a terminal", strings.TrimSuffix(prompt, "?"))
	}
	ok, err := ui.Confirm(a.stdin, a.stderr, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return errNotConfirmed
	}
	return nil
}

// status prints an informational line unless --quiet.
func (a *app) status(format string, args ...any) {
	if a.quiet {
		return
	}
	fmt.Fprintf(a.stderr, format+"\n", args...)
}
