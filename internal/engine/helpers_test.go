package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/event"
)

// toolbox is a directory of shell-script stand-ins that append their
// invocation to a shared call log.
type toolbox struct {
	t     *testing.T
	dir   string
	calls string
}

func newToolbox(t *testing.T) *toolbox {
	t.Helper()
	dir := t.TempDir()
	return &toolbox{t: t, dir: dir, calls: filepath.Join(dir, "calls.log")}
}

func (tb *toolbox) tool(name, body string) string {
	tb.t.Helper()
	path := filepath.Join(tb.dir, name)
	script := "#!/bin/sh\necho \"" + name + " $*\" >> \"" + tb.calls + "\"\n" + body + "\n"
	require.NoError(tb.t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func (tb *toolbox) callLog() []string {
	tb.t.Helper()
	data, err := os.ReadFile(tb.calls)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(tb.t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func drain(t *Task) ([]event.Event, Result) {
	var evs []event.Event
	for ev := range t.Events() {
		evs = append(evs, ev)
	}
	return evs, t.Wait()
}

func stateTrail(evs []event.Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == event.StateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func ofType(evs []event.Event, typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func quickConfig(tb *toolbox) Config {
	cfg := DefaultConfig()
	cfg.ProgressRate = 0
	cfg.Grace = time.Second
	cfg.SampleInterval = 50 * time.Millisecond
	cfg.Tools = Tools{
		MT:     tb.tool("mt", "exit 0"),
		Tar:    tb.tool("tar", "exit 0"),
		Du:     tb.tool("du", `printf '2000000\t%s\n' "$2"`),
		Rsync:  tb.tool("rsync", "exit 0"),
		LTFS:   "ltfs-not-installed",
		Mkltfs: "mkltfs-not-installed",
	}
	return cfg
}
