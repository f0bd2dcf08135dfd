// Package device maps tape device nodes to their SCSI generic aliases.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoGenericAlias is returned when a tape device has no resolvable
// SCSI generic node.
var ErrNoGenericAlias = errors.New("no SCSI generic alias")

// Resolver finds generic aliases through the sysfs scsi_tape class.
type Resolver struct {
	// SysfsRoot is the sysfs mount point, normally "/sys".
	SysfsRoot string
	// DevRoot is where device nodes live, normally "/dev".
	DevRoot string
}

// DefaultResolver reads the real /sys and /dev.
var DefaultResolver = Resolver{SysfsRoot: "/sys", DevRoot: "/dev"}

// GenericAlias resolves dev with DefaultResolver.
func GenericAlias(dev string) (string, error) {
	return DefaultResolver.GenericAlias(dev)
}

// GenericAlias returns the generic node (e.g. /dev/sg1) for a non-rewinding
// tape node such as /dev/nst0.
func (r Resolver) GenericAlias(dev string) (string, error) {
	name := filepath.Base(dev)
	if !strings.HasPrefix(name, "nst") {
		return "", fmt.Errorf("%s: not a non-rewinding tape device: %w", dev, ErrNoGenericAlias)
	}
	sysfs := r.SysfsRoot
	if sysfs == "" {
		sysfs = DefaultResolver.SysfsRoot
	}
	devRoot := r.DevRoot
	if devRoot == "" {
		devRoot = DefaultResolver.DevRoot
	}

	link := filepath.Join(sysfs, "class", "scsi_tape", name, "device", "generic")
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("%s: reading %s: %w", dev, link, errors.Join(ErrNoGenericAlias, err))
	}
	sg := filepath.Base(target)
	if sg == "" || sg == "." || sg == "/" {
		return "", fmt.Errorf("%s: generic link %s has no target: %w", dev, link, ErrNoGenericAlias)
	}
	return filepath.Join(devRoot, sg), nil
}

// Candidates returns dev followed by its generic alias when one resolves.
// Tools that only speak to generic nodes try each in turn.
func (r Resolver) Candidates(dev string) []string {
	out := []string{dev}
	if sg, err := r.GenericAlias(dev); err == nil && sg != dev {
		out = append(out, sg)
	}
	return out
}
