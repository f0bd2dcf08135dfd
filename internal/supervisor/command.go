// Package supervisor runs external tools as subordinate processes: each in
// its own process group, with stdout and stderr merged into one line stream
// that can be polled without blocking indefinitely.
package supervisor

import (
	"os/exec"
	"strings"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

// Command describes an external tool invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env []string
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// LookPath resolves the tool's executable, mapping a miss to a
// ToolNotFound error that names the tool.
func LookPath(tool string) (string, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", &tapeerr.Error{Kind: tapeerr.ToolNotFound, Op: tool, ExitCode: -1, Err: err}
	}
	return path, nil
}

// Available reports whether tool resolves on PATH.
func Available(tool string) bool {
	_, err := exec.LookPath(tool)
	return err == nil
}
