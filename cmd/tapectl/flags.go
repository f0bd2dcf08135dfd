package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// maxBytesFlag is --max-bytes: a size such as 2.5T, "auto" for the
// cartridge capacity, or "none". It is checked when the flag is parsed.
type maxBytesFlag struct {
	raw string
}

var _ pflag.Value = (*maxBytesFlag)(nil)

func (f *maxBytesFlag) String() string { return f.raw }
func (*maxBytesFlag) Type() string     { return "size" }

func (f *maxBytesFlag) Set(val string) error {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "", "0", "none", "auto":
	default:
		if _, err := units.ParseSize(val); err != nil {
			return fmt.Errorf("want a size like 2.5T, auto or none: %w", err)
		}
	}
	f.raw = val
	return nil
}

func (f *maxBytesFlag) register(fs *pflag.FlagSet) {
	fs.Var(f, "max-bytes", `refuse sources larger than SIZE (e.g. 2.5T), "auto" for the cartridge capacity, or "none"`)
}
