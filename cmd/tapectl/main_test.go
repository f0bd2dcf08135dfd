package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/config"
)

// cliFixture is a config file pointing every tool at shell scripts.
type cliFixture struct {
	t       *testing.T
	bin     string
	calls   string
	cfgPath string
	journal string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	f := &cliFixture{
		t:       t,
		bin:     filepath.Join(dir, "bin"),
		calls:   filepath.Join(dir, "calls.log"),
		cfgPath: filepath.Join(dir, "config.toml"),
		journal: filepath.Join(dir, "journal.db"),
	}
	require.NoError(t, os.MkdirAll(f.bin, 0o755))
	t.Setenv("XDG_CONFIG_HOME", dir)

	f.tool("mt", "exit 0")
	f.tool("tar", `case "$1" in
-t*) echo "-rw-r--r-- u/g 5 2024-01-01 10:00 data/a.txt" ;;
-c*) echo "data/a.txt" ;;
esac`)
	f.tool("du", `printf '5000\t%s\n' "$2"`)
	f.tool("sg_logs", `echo "Main partition maximum capacity (in MiB): 2000000"`)
	f.tool("sg_read_attr", "exit 1")
	f.writeConfig("")
	return f
}

func (f *cliFixture) tool(name, body string) {
	f.t.Helper()
	script := "#!/bin/sh\necho \"" + name + " $*\" >> \"" + f.calls + "\"\n" + body + "\n"
	require.NoError(f.t, os.WriteFile(filepath.Join(f.bin, name), []byte(script), 0o755))
}

func (f *cliFixture) writeConfig(extra string) {
	f.t.Helper()
	cfg := `
[tools]
mt = "` + f.bin + `/mt"
tar = "` + f.bin + `/tar"
du = "` + f.bin + `/du"
ltfs = "` + f.bin + `/ltfs-not-installed"
sg_logs = "` + f.bin + `/sg_logs"
sg_read_attr = "` + f.bin + `/sg_read_attr"

[timeouts]
grace = "1s"

[device]
default = "/dev/nst0"
sysfs_root = "` + f.bin + `/nosys"

[journal]
path = "` + f.journal + `"
` + extra
	require.NoError(f.t, os.WriteFile(f.cfgPath, []byte(cfg), 0o644))
}

func (f *cliFixture) callLog() string {
	data, _ := os.ReadFile(f.calls) //nolint:errcheck // absent means no calls
	return string(data)
}

func (f *cliFixture) run(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	a := &app{
		stdin:  strings.NewReader(""),
		stdout: &out,
		stderr: &errOut,
		cfg:    config.Default(),
		logger: slog.Default(),
	}
	code = runApp(a, append([]string{"--config", f.cfgPath, "--no-progress"}, args...))
	return code, out.String(), errOut.String()
}

func TestBackupCompletes(t *testing.T) {
	f := newCLIFixture(t)
	code, _, stderr := f.run("backup", "--skip-ltfs-check", "/data")

	assert.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, "completed ✓")
	log := f.callLog()
	assert.Contains(t, log, "mt -f /dev/nst0 rewind")
	assert.Contains(t, log, "tar -cvf /dev/nst0")
}

func TestBackupVerify(t *testing.T) {
	f := newCLIFixture(t)
	code, _, stderr := f.run("backup", "--skip-ltfs-check", "--verify", "/data")

	assert.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, "verified 1 members")
	assert.Contains(t, f.callLog(), "tar -tvf /dev/nst0")
}

func TestBackupCapacityExceeded(t *testing.T) {
	f := newCLIFixture(t)
	code, _, stderr := f.run("backup", "--skip-ltfs-check", "--max-bytes", "1K", "/data")

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "failed ✗")
	assert.NotContains(t, f.callLog(), "tar ")
}

func TestBackupMaxBytesAuto(t *testing.T) {
	f := newCLIFixture(t)
	code, _, stderr := f.run("backup", "--skip-ltfs-check", "--max-bytes", "auto", "/data")

	assert.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, "Tape capacity: 1.9 TiB (from sg_logs)")
}

func TestInvalidMaxBytesIsUsageError(t *testing.T) {
	f := newCLIFixture(t)
	code, _, stderr := f.run("backup", "--max-bytes", "plenty", "/data")

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "max-bytes")
	assert.Contains(t, stderr, "want a size like 2.5T")
}

func TestEraseNeedsConfirmation(t *testing.T) {
	f := newCLIFixture(t)
	code, _, stderr := f.run("erase")

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "refusing without --yes")
	assert.Empty(t, f.callLog())

	code, _, stderr = f.run("--yes", "erase")
	assert.Equal(t, exitOK, code, stderr)
	assert.Contains(t, f.callLog(), "mt -f /dev/nst0 erase")
}

func TestListAndHistory(t *testing.T) {
	f := newCLIFixture(t)
	code, stdout, stderr := f.run("list", "--archive", "2")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "data/a.txt")
	assert.Contains(t, f.callLog(), "mt -f /dev/nst0 fsf 1")

	code, stdout, stderr = f.run("history")
	require.Equal(t, exitOK, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "list")
	assert.Contains(t, lines[1], "completed")
}

func TestCapacity(t *testing.T) {
	f := newCLIFixture(t)
	code, stdout, stderr := f.run("capacity")
	assert.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "from sg_logs on /dev/nst0")

	f.tool("sg_logs", "exit 1")
	code, _, stderr = f.run("capacity")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "capacity of /dev/nst0 unknown")
}

func TestBadConfigIsUsageError(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig("[transfer]\nunknown_size = \"sometimes\"\n")
	code, _, stderr := f.run("rewind")

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "unknown_size")
}
