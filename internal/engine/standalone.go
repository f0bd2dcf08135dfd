package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

func asTapeErr(err error) *tapeerr.Error {
	var te *tapeerr.Error
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// FormatLTFS formats the cartridge in dev as an LTFS volume. force
// reformats a tape that already holds one. Output goes to log.
func (e *Engine) FormatLTFS(ctx context.Context, dev string, force bool, log func(string)) error {
	release, err := e.acquire(dev, "format")
	if err != nil {
		return err
	}
	defer release()

	if s := e.mounts.Active(dev); s != nil {
		return fmt.Errorf("%s: %w (LTFS mounted at %s)", dev, ErrDeviceBusy, s.MountPoint)
	}
	sg, err := e.cfg.Devices.GenericAlias(dev)
	if err != nil {
		return &tapeerr.Error{Kind: tapeerr.DeviceResolutionFailed, Op: dev, ExitCode: -1, Err: err}
	}
	args := []string{"-d", sg}
	if force {
		args = append(args, "-f")
	}
	p, err := supervisor.Start(ctx, supervisor.Command{Path: e.cfg.Tools.Mkltfs, Args: args}, supervisor.Options{
		Log:    log,
		Grace:  e.cfg.Grace,
		Logger: e.cfg.Logger,
	})
	if err != nil {
		return err
	}
	e.cfg.Logger.Info("formatting LTFS", "device", dev, "generic", sg, "force", force)
	if err := p.Stream(ctx, nil); err != nil {
		if te := asTapeErr(err); te != nil && te.Kind == tapeerr.TransferToolFailed {
			te.Op = "mkltfs"
		}
		return err
	}
	return nil
}

// Erase long-erases the cartridge in dev.
func (e *Engine) Erase(ctx context.Context, dev string, log func(string)) error {
	release, err := e.acquire(dev, "erase")
	if err != nil {
		return err
	}
	defer release()
	return e.drive(dev, nil).Erase(ctx, log)
}

// Rewind rewinds dev.
func (e *Engine) Rewind(ctx context.Context, dev string) error {
	release, err := e.acquire(dev, "rewind")
	if err != nil {
		return err
	}
	defer release()
	return e.drive(dev, nil).Rewind(ctx)
}

// Status returns the drive status report for dev.
func (e *Engine) Status(ctx context.Context, dev string) (string, error) {
	release, err := e.acquire(dev, "status")
	if err != nil {
		return "", err
	}
	defer release()
	return e.drive(dev, nil).Status(ctx)
}

// ProbeLTFS reports whether dev holds an LTFS volume.
func (e *Engine) ProbeLTFS(ctx context.Context, dev string) (bool, error) {
	release, err := e.acquire(dev, "probe")
	if err != nil {
		return false, err
	}
	defer release()
	return e.mounts.Probe(ctx, dev), nil
}
