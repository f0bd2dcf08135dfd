package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

func TestOutputCapturesStreams(t *testing.T) {
	cmd := shell(`echo out; echo err >&2; exit 2`)
	res, err := Output(context.Background(), cmd, OutputOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "out\n\nerr\n", res.Combined())

	ferr := Failure(tapeerr.PositioningFailed, cmd, res, 5)
	require.Error(t, ferr)
	assert.ErrorIs(t, ferr, tapeerr.ErrPositioningFailed)

	var te *tapeerr.Error
	require.True(t, errors.As(ferr, &te))
	assert.Equal(t, 2, te.ExitCode)
	assert.Equal(t, "out\nerr", te.Detail)
}

func TestOutputSuccess(t *testing.T) {
	res, err := Output(context.Background(), shell(`printf hello`), OutputOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, Failure(tapeerr.PositioningFailed, shell(`printf hello`), res, 5))
}

func TestOutputTimeout(t *testing.T) {
	start := time.Now()
	_, err := Output(context.Background(), shell(`sleep 30`), OutputOptions{Timeout: 200 * time.Millisecond, Grace: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, tapeerr.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOutputCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := Output(ctx, shell(`sleep 30`), OutputOptions{Timeout: time.Minute, Grace: time.Second})
	assert.ErrorIs(t, err, tapeerr.ErrCancelled)
}

// cancelWhenReady cancels once the tool has created ready.
func cancelWhenReady(t *testing.T, ready string) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		defer cancel()
		for i := 0; i < 250; i++ {
			if _, err := os.Stat(ready); err == nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()
	return ctx
}

func TestOutputCancelSendsTermFirst(t *testing.T) {
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	term := filepath.Join(dir, "term")
	script := fmt.Sprintf(`trap 'touch %s; exit 0' TERM; touch %s; sleep 30 & wait`, term, ready)

	_, err := Output(cancelWhenReady(t, ready), shell(script), OutputOptions{Timeout: time.Minute, Grace: 3 * time.Second})
	assert.ErrorIs(t, err, tapeerr.ErrCancelled)
	assert.FileExists(t, term)
}

func TestOutputCancelEscalatesToKill(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	script := fmt.Sprintf(`trap '' TERM; touch %s; while :; do sleep 0.1; done`, ready)
	ctx := cancelWhenReady(t, ready)

	start := time.Now()
	_, err := Output(ctx, shell(script), OutputOptions{Timeout: time.Minute, Grace: 300 * time.Millisecond})
	assert.ErrorIs(t, err, tapeerr.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOutputForwardsLines(t *testing.T) {
	sink := &lineSink{}
	res, err := Output(context.Background(), shell(`echo one; printf 'two\r' >&2; printf three`), OutputOptions{
		Timeout: 5 * time.Second,
		Log:     sink.add,
	})
	require.NoError(t, err)
	assert.Equal(t, "one\nthree", res.Stdout)
	assert.Equal(t, "two\r", res.Stderr)
	assert.ElementsMatch(t, []string{"one", "two", "three"}, sink.get())
}

func TestOutputToolNotFound(t *testing.T) {
	_, err := Output(context.Background(), Command{Path: "no-such-tool-abc"}, OutputOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, tapeerr.ErrToolNotFound)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "mt -f /dev/nst0 rewind", Command{Path: "mt", Args: []string{"-f", "/dev/nst0", "rewind"}}.String())
	assert.Equal(t, "mt", Command{Path: "mt"}.String())
}
