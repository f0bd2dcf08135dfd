// Package tapeerr defines the failure kinds surfaced by the transfer engine.
//
// Every external-process failure is converted into an *Error at the
// supervisor boundary, so callers can branch on Kind with errors.Is against
// the sentinel values below without inspecting exec or os errors.
package tapeerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// Kind classifies a failure.
type Kind int

const (
	ToolNotFound Kind = iota + 1
	DeviceResolutionFailed
	PositioningFailed
	CapacityExceeded
	TransferToolFailed
	MountFailed
	MountTimeout
	Cancelled
	Timeout
)

var kindNames = [...]string{
	ToolNotFound:           "ToolNotFound",
	DeviceResolutionFailed: "DeviceResolutionFailed",
	PositioningFailed:      "PositioningFailed",
	CapacityExceeded:       "CapacityExceeded",
	TransferToolFailed:     "TransferToolFailed",
	MountFailed:            "MountFailed",
	MountTimeout:           "MountTimeout",
	Cancelled:              "Cancelled",
	Timeout:                "Timeout",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrToolNotFound           = &Error{Kind: ToolNotFound}
	ErrDeviceResolutionFailed = &Error{Kind: DeviceResolutionFailed}
	ErrPositioningFailed      = &Error{Kind: PositioningFailed}
	ErrCapacityExceeded       = &Error{Kind: CapacityExceeded}
	ErrTransferToolFailed     = &Error{Kind: TransferToolFailed}
	ErrMountFailed            = &Error{Kind: MountFailed}
	ErrMountTimeout           = &Error{Kind: MountTimeout}
	ErrCancelled              = &Error{Kind: Cancelled}
	ErrTimeout                = &Error{Kind: Timeout}
)

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	// Op names the command or step that failed (e.g. "tar", "mt rewind").
	Op string
	// ExitCode is the tool's exit status when it ran to completion, else -1.
	ExitCode int
	// Detail carries captured tool output (already tail-truncated) or a
	// human explanation.
	Detail string
	// Size and Limit are set for CapacityExceeded.
	Size  uint64
	Limit uint64
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch e.Kind {
	case ToolNotFound:
		b.WriteString("required command not found")
	case DeviceResolutionFailed:
		b.WriteString("cannot resolve tape device to its SCSI generic device")
	case PositioningFailed:
		b.WriteString("tape positioning failed")
	case CapacityExceeded:
		if e.Size == 0 {
			b.WriteString("source size unknown, refusing to write with a capacity limit set")
		} else {
			fmt.Fprintf(&b, "source size %d bytes (~%.1f GiB) exceeds tape capacity limit %d bytes (~%.1f GiB)",
				e.Size, units.ToGiB(e.Size), e.Limit, units.ToGiB(e.Limit))
		}
	case TransferToolFailed:
		fmt.Fprintf(&b, "exited with code %d", e.ExitCode)
	case MountFailed:
		b.WriteString("LTFS mount failed")
	case MountTimeout:
		b.WriteString("LTFS mount timed out")
	case Cancelled:
		b.WriteString("cancelled")
	case Timeout:
		b.WriteString("timed out")
	default:
		b.WriteString("failed")
	}
	if e.Kind != TransferToolFailed && e.ExitCode > 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Detail != "" {
		b.WriteString("\n")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, ExitCode: -1, Err: err}
}

// Tail returns the last n non-empty lines of text joined by newlines.
func Tail(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return strings.Join(out, "\n")
}
