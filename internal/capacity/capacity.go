// Package capacity reads the maximum native capacity of the loaded
// cartridge from the drive's SCSI log pages or MAM attributes.
package capacity

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/device"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/supervisor"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// DefaultTimeout bounds each query tool invocation.
const DefaultTimeout = 10 * time.Second

// Some LTO-9 firmware reports a figure 161× too small. Values in this band
// are implausible for any real cartridge and are scaled back up.
const (
	correctionLowGiB  = 50
	correctionHighGiB = 500
	correctionFactor  = 161
)

var (
	logPageRe = regexp.MustCompile(`(?i)(?:Main partition )?maximum capacity\s*\(?\s*in MiB\)?\s*:?\s*(\d+)`)
	attrRe    = regexp.MustCompile(`(?i)Maximum capacity in partition\s*\[MiB\]\s*:\s*(\d+)`)
)

// Report is a resolved cartridge capacity.
type Report struct {
	// Bytes is the corrected total capacity.
	Bytes uint64
	// Raw is the figure the tool reported, in bytes.
	Raw       uint64
	Corrected bool
	// Source names the tool that answered ("sg_logs" or "sg_read_attr").
	Source string
	// Device is the node that answered.
	Device string
}

// Resolver queries capacity via sg_logs then sg_read_attr.
type Resolver struct {
	SgLogs     string
	SgReadAttr string
	Timeout    time.Duration
	Devices    device.Resolver
	Logger     *slog.Logger
}

// New returns a Resolver using the standard tool names.
func New() *Resolver {
	return &Resolver{
		SgLogs:     "sg_logs",
		SgReadAttr: "sg_read_attr",
		Timeout:    DefaultTimeout,
		Devices:    device.DefaultResolver,
		Logger:     slog.Default(),
	}
}

// Resolve returns the cartridge's total capacity. ok is false when no tool
// produced a figure; that is never an error.
func (r *Resolver) Resolve(ctx context.Context, dev string) (Report, bool) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, candidate := range r.Devices.Candidates(dev) {
		if ctx.Err() != nil {
			return Report{}, false
		}
		if raw, ok := r.query(ctx, r.SgLogs, []string{"-a", candidate}, logPageRe, true); ok {
			return newReport(raw, "sg_logs", candidate), true
		}
		if raw, ok := r.query(ctx, r.SgReadAttr, []string{candidate}, attrRe, false); ok {
			return newReport(raw, "sg_read_attr", candidate), true
		}
		logger.Debug("no capacity figure from device", "device", candidate)
	}
	return Report{}, false
}

func (r *Resolver) query(ctx context.Context, tool string, args []string, re *regexp.Regexp, withStderr bool) (uint64, bool) {
	if tool == "" {
		return 0, false
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	res, err := supervisor.Output(ctx, supervisor.Command{Path: tool, Args: args}, supervisor.OutputOptions{Timeout: timeout})
	if err != nil || res.ExitCode != 0 {
		return 0, false
	}
	text := res.Stdout
	if withStderr {
		text = res.Combined()
	}
	return ParseMiB(text, re)
}

// ParseMiB extracts the first capture of re as a MiB figure and returns it
// in bytes.
func ParseMiB(text string, re *regexp.Regexp) (uint64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	mib, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil || mib == 0 {
		return 0, false
	}
	return mib * units.MiB, true
}

// ParseLogPage parses sg_logs -a output.
func ParseLogPage(text string) (uint64, bool) { return ParseMiB(text, logPageRe) }

// ParseAttributes parses sg_read_attr output.
func ParseAttributes(text string) (uint64, bool) { return ParseMiB(text, attrRe) }

// Correct applies the firmware under-report correction: a raw value of
// 50 to 500 GiB inclusive is multiplied by 161.
func Correct(raw uint64) (uint64, bool) {
	gib := units.ToGiB(raw)
	if gib >= correctionLowGiB && gib <= correctionHighGiB {
		return raw * correctionFactor, true
	}
	return raw, false
}

func newReport(raw uint64, source, dev string) Report {
	bytes, corrected := Correct(raw)
	return Report{
		Bytes:     bytes,
		Raw:       raw,
		Corrected: corrected,
		Source:    source,
		Device:    dev,
	}
}
