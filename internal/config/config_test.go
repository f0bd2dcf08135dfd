package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/config"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	configDir := filepath.Join(dir, "tapectl")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, "mt", cfg.Tools.MT)
	assert.Equal(t, 4*time.Hour, cfg.Timeouts.Erase.Duration)
	assert.Equal(t, 500, cfg.Transfer.CheckpointInterval)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, `
[tools]
tar = "/usr/local/bin/gtar"
sg_logs = "/opt/sg3/sg_logs"

[timeouts]
command = "90s"
erase = "6h"
grace = "2s"

[transfer]
checkpoint_interval = 1000
max_tape_bytes = "2.5T"
unknown_size = "block"
gzip = true

[mount]
base_dir = "/run/tapectl"
stderr_tail_lines = 50

[device]
default = "/dev/nst1"

[journal]
disabled = true
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/gtar", cfg.Tools.Tar)
	assert.Equal(t, "/opt/sg3/sg_logs", cfg.Tools.SgLogs)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Command.Duration)
	assert.Equal(t, 6*time.Hour, cfg.Timeouts.Erase.Duration)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Grace.Duration)
	assert.Equal(t, 1000, cfg.Transfer.CheckpointInterval)
	assert.Equal(t, "block", cfg.Transfer.UnknownSize)
	assert.True(t, cfg.Transfer.Gzip)
	assert.Equal(t, "/run/tapectl", cfg.Mount.BaseDir)
	assert.Equal(t, 50, cfg.Mount.StderrTailLines)
	assert.Equal(t, "/dev/nst1", cfg.Device.Default)
	assert.True(t, cfg.Journal.Disabled)

	n, auto, err := cfg.MaxBytes()
	require.NoError(t, err)
	assert.False(t, auto)
	assert.Equal(t, uint64(2.5*(1<<40)), n)

	// Untouched keys keep their defaults.
	assert.Equal(t, "mt", cfg.Tools.MT)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Mount.Duration)
	assert.Equal(t, "ltfs_tape_", cfg.Mount.Prefix)
	assert.Equal(t, "/sys", cfg.Device.SysfsRoot)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", "invalid [[[", ""},
		{"bad duration", "[timeouts]\ncommand = \"soon\"", "soon"},
		{"negative duration", "[timeouts]\ngrace = \"-1s\"", "negative"},
		{"unknown policy", "[transfer]\nunknown_size = \"maybe\"", "unknown_size"},
		{"bad size", "[transfer]\nmax_tape_bytes = \"lots\"", "max_tape_bytes"},
		{"zero interval", "[transfer]\ncheckpoint_interval = 0", "checkpoint_interval"},
		{"unknown key", "[tools]\nmtx = \"mtx\"", "tools.mtx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.content)
			_, err := config.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMaxBytes(t *testing.T) {
	cfg := config.Default()
	n, auto, err := cfg.MaxBytes()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, auto)

	cfg.Transfer.MaxTapeBytes = "Auto"
	_, auto, err = cfg.MaxBytes()
	require.NoError(t, err)
	assert.True(t, auto)

	cfg.Transfer.MaxTapeBytes = "100G"
	n, _, err = cfg.MaxBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(100<<30), n)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/tapectl/config.toml", config.Path())
}
