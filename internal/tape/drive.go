// Package tape issues positioning and maintenance commands to a tape drive
// through mt.
package tape

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultEraseDeadline  = 4 * time.Hour

	errorTailLines = 10
)

// Drive addresses one tape device.
type Drive struct {
	Device string
	// MT is the mt executable, "mt" when empty.
	MT             string
	CommandTimeout time.Duration
	EraseDeadline  time.Duration
	// Grace is how long a cancelled mt gets between SIGTERM and SIGKILL.
	Grace time.Duration
	// Log receives mt output from positioning commands.
	Log    func(line string)
	Logger *slog.Logger
}

func (d *Drive) mt() string {
	if d.MT == "" {
		return "mt"
	}
	return d.MT
}

func (d *Drive) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Drive) command(verb ...string) supervisor.Command {
	return supervisor.Command{Path: d.mt(), Args: append([]string{"-f", d.Device}, verb...)}
}

func (d *Drive) run(ctx context.Context, verb ...string) (supervisor.Result, error) {
	timeout := d.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	cmd := d.command(verb...)
	res, err := supervisor.Output(ctx, cmd, supervisor.OutputOptions{Timeout: timeout, Grace: d.Grace, Log: d.Log})
	if err != nil {
		return res, err
	}
	return res, supervisor.Failure(tapeerr.PositioningFailed, cmd, res, errorTailLines)
}

// Rewind moves the tape to beginning of media.
func (d *Drive) Rewind(ctx context.Context) error {
	d.logger().Debug("rewinding tape", "device", d.Device)
	_, err := d.run(ctx, "rewind")
	return err
}

// ForwardSpace skips n file marks. n <= 0 is a no-op.
func (d *Drive) ForwardSpace(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	d.logger().Debug("forward spacing tape", "device", d.Device, "files", n)
	_, err := d.run(ctx, "fsf", strconv.Itoa(n))
	return err
}

// SeekArchive rewinds (unless skipRewind) and positions at archive number
// n, counted from 1. step, when set, is told before each tape movement.
func (d *Drive) SeekArchive(ctx context.Context, n int, skipRewind bool, step func(string)) error {
	if step == nil {
		step = func(string) {}
	}
	if !skipRewind {
		step("Rewinding tape")
		if err := d.Rewind(ctx); err != nil {
			return err
		}
	}
	if n <= 1 {
		return nil
	}
	step("Skipping to archive " + strconv.Itoa(n))
	return d.ForwardSpace(ctx, n-1)
}

// Status returns the mt status report.
func (d *Drive) Status(ctx context.Context) (string, error) {
	timeout := d.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	cmd := d.command("status")
	res, err := supervisor.Output(ctx, cmd, supervisor.OutputOptions{Timeout: timeout, Grace: d.Grace})
	if err != nil {
		return "", err
	}
	if ferr := supervisor.Failure(tapeerr.TransferToolFailed, cmd, res, errorTailLines); ferr != nil {
		return "", ferr
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		out = strings.TrimSpace(res.Stderr)
	}
	if out == "" {
		out = "(no output)"
	}
	return out, nil
}

// Erase runs a long erase, forwarding tool output to log. The drive keeps
// erasing after mt is gone, so neither cancellation nor the deadline stop
// the physical operation; they only stop waiting for it.
func (d *Drive) Erase(ctx context.Context, log func(string)) error {
	if log == nil {
		log = func(string) {}
	}
	deadline := d.EraseDeadline
	if deadline <= 0 {
		deadline = DefaultEraseDeadline
	}

	log("Erase started (this can take several hours and cannot be aborted).")
	d.logger().Info("starting long erase", "device", d.Device, "deadline", deadline)

	p, err := supervisor.Start(ctx, d.command("erase"), supervisor.Options{
		Log:            log,
		Deadline:       deadline,
		DeadlineDetail: "The tape may still be erasing on the drive.",
		Logger:         d.logger(),
	})
	if err != nil {
		return err
	}
	err = p.Stream(ctx, nil)

	var te *tapeerr.Error
	if errors.As(err, &te) {
		out := *te
		out.Op = "mt erase"
		if out.Kind == tapeerr.Cancelled {
			out.Detail = "Stopped waiting for erase; the drive may continue erasing until it finishes."
		}
		return &out
	}
	if err != nil {
		return err
	}
	log("Erase completed.")
	return nil
}
