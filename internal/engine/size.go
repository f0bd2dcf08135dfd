package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// ParseDiskUsage sums the byte column of `du -sb` output.
func ParseDiskUsage(out string) uint64 {
	var total uint64
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if n, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			total += n
		}
	}
	return total
}

// DiskUsage measures paths with du -sb. Zero means unknown: a missing tool,
// a failed run and an empty source all report zero.
func DiskUsage(ctx context.Context, du string, paths []string, opts supervisor.OutputOptions) (uint64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	cmd := supervisor.Command{Path: du, Args: append([]string{"-sb"}, paths...)}
	res, err := supervisor.Output(ctx, cmd, opts)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, supervisor.Failure(tapeerr.TransferToolFailed, cmd, res, 5)
	}
	return ParseDiskUsage(res.Stdout), nil
}

// precheck measures the sources and enforces the size ceiling. It returns
// the total, zero when unknown.
func (e *Engine) precheck(t *Task) (uint64, error) {
	size, err := DiskUsage(t.ctx, e.cfg.Tools.Du, t.req.Paths, supervisor.OutputOptions{
		Timeout: e.cfg.SizeTimeout,
		Grace:   e.cfg.Grace,
		Log:     t.logLine,
	})
	if tapeerr.IsCancelled(err) || t.ctx.Err() != nil {
		return 0, tapeerr.New(tapeerr.Cancelled, "precheck", t.ctx.Err())
	}
	if err != nil {
		t.logger.Warn("could not measure source size", "error", err)
	}
	t.stats.SetTotal(size)
	if size > 0 {
		t.status("Source size: %s", units.FormatBytes(size))
	}

	limit := t.req.MaxAllowedBytes
	if limit == 0 {
		return size, nil
	}
	if size > 0 {
		if size > limit {
			return size, &tapeerr.Error{Kind: tapeerr.CapacityExceeded, Op: "precheck", ExitCode: -1, Size: size, Limit: limit}
		}
		return size, nil
	}

	switch e.cfg.UnknownSize {
	case UnknownSizeBlock:
		return 0, &tapeerr.Error{Kind: tapeerr.CapacityExceeded, Op: "precheck", ExitCode: -1, Limit: limit}
	case UnknownSizeWarn:
		t.logger.Warn("source size unknown, capacity limit not enforced", "limit", limit)
		t.status("Source size unknown; capacity limit of %s not checked", units.FormatBytes(limit))
	}
	return 0, nil
}
