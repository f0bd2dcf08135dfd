package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// Config represents the optional tapectl configuration file. Every field
// has a default; the file only needs to name what it changes.
type Config struct {
	Tools    ToolsConfig    `toml:"tools"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Transfer TransferConfig `toml:"transfer"`
	Mount    MountConfig    `toml:"mount"`
	Device   DeviceConfig   `toml:"device"`
	Journal  JournalConfig  `toml:"journal"`
}

// ToolsConfig names the external programs. Bare names are looked up on PATH.
type ToolsConfig struct {
	MT         string `toml:"mt"`
	Tar        string `toml:"tar"`
	Du         string `toml:"du"`
	Rsync      string `toml:"rsync"`
	LTFS       string `toml:"ltfs"`
	Mkltfs     string `toml:"mkltfs"`
	Fusermount string `toml:"fusermount"`
	SgLogs     string `toml:"sg_logs"`
	SgReadAttr string `toml:"sg_read_attr"`
}

// TimeoutsConfig holds durations written as Go duration strings ("30s").
type TimeoutsConfig struct {
	Command    Duration `toml:"command"`
	Erase      Duration `toml:"erase"`
	SizeCheck  Duration `toml:"size_check"`
	Mount      Duration `toml:"mount"`
	MountProbe Duration `toml:"mount_probe"`
	Unmount    Duration `toml:"unmount"`
	Capacity   Duration `toml:"capacity"`
	Grace      Duration `toml:"grace"`
}

type TransferConfig struct {
	CheckpointInterval int    `toml:"checkpoint_interval"`
	ListProgressEvery  int    `toml:"list_progress_every"`
	MaxTapeBytes       string `toml:"max_tape_bytes"`
	UnknownSize        string `toml:"unknown_size"`
	Gzip               bool   `toml:"gzip"`
}

type MountConfig struct {
	BaseDir         string `toml:"base_dir"`
	Prefix          string `toml:"prefix"`
	StderrTailLines int    `toml:"stderr_tail_lines"`
}

type DeviceConfig struct {
	Default   string `toml:"default"`
	SysfsRoot string `toml:"sysfs_root"`
	DevRoot   string `toml:"dev_root"`
}

type JournalConfig struct {
	Disabled bool `toml:"disabled"`
	// Path overrides the XDG data location.
	Path string `toml:"path"`
}

// Duration is a time.Duration that decodes from a TOML string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Tools: ToolsConfig{
			MT:         "mt",
			Tar:        "tar",
			Du:         "du",
			Rsync:      "rsync",
			LTFS:       "ltfs",
			Mkltfs:     "mkltfs",
			Fusermount: "fusermount",
			SgLogs:     "sg_logs",
			SgReadAttr: "sg_read_attr",
		},
		Timeouts: TimeoutsConfig{
			Command:    dur(60 * time.Second),
			Erase:      dur(4 * time.Hour),
			SizeCheck:  dur(time.Hour),
			Mount:      dur(30 * time.Second),
			MountProbe: dur(20 * time.Second),
			Unmount:    dur(30 * time.Second),
			Capacity:   dur(30 * time.Second),
			Grace:      dur(10 * time.Second),
		},
		Transfer: TransferConfig{
			CheckpointInterval: 500,
			ListProgressEvery:  100,
			UnknownSize:        "warn",
		},
		Mount: MountConfig{
			BaseDir:         os.TempDir(),
			Prefix:          "ltfs_tape_",
			StderrTailLines: 30,
		},
		Device: DeviceConfig{
			Default:   "/dev/nst0",
			SysfsRoot: "/sys",
			DevRoot:   "/dev",
		},
	}
}

// MaxBytes interprets Transfer.MaxTapeBytes. auto reports the "auto"
// keyword, which asks for the cartridge capacity; zero bytes with auto
// false means no ceiling.
func (c Config) MaxBytes() (n uint64, auto bool, err error) {
	s := strings.TrimSpace(c.Transfer.MaxTapeBytes)
	switch strings.ToLower(s) {
	case "", "0", "none":
		return 0, false, nil
	case "auto":
		return 0, true, nil
	}
	n, err = units.ParseSize(s)
	if err != nil {
		return 0, false, fmt.Errorf("transfer.max_tape_bytes: %w", err)
	}
	return n, false, nil
}

// Validate checks values the decoder cannot.
func (c Config) Validate() error {
	if c.Transfer.CheckpointInterval <= 0 {
		return fmt.Errorf("transfer.checkpoint_interval must be positive, got %d", c.Transfer.CheckpointInterval)
	}
	if c.Transfer.ListProgressEvery <= 0 {
		return fmt.Errorf("transfer.list_progress_every must be positive, got %d", c.Transfer.ListProgressEvery)
	}
	switch strings.ToLower(c.Transfer.UnknownSize) {
	case "", "proceed", "warn", "block":
	default:
		return fmt.Errorf("transfer.unknown_size: unknown policy %q (want proceed, warn or block)", c.Transfer.UnknownSize)
	}
	if _, _, err := c.MaxBytes(); err != nil {
		return err
	}
	if c.Mount.Prefix == "" {
		return errors.New("mount.prefix must not be empty")
	}
	return nil
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tapectl", "config.toml")
}

// Load reads the config file from the XDG path. Returns Default() (no
// error) if the file does not exist.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
