package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/engine"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/tapeerr"
)

var version = "dev"

// Exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	return runApp(newApp(), args)
}

func runApp(a *app, args []string) int {
	defer a.close()

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return exitUsage
	}
	return exitOK
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tapectl",
		Short: "Back up to, restore from and manage LTO tape drives",
		Long: `tapectl drives mt, tar, rsync and the LTFS tools to move data to and
from tape. Every external tool runs supervised: its output is streamed,
progress is parsed from it, and it is terminated cleanly on Ctrl-C.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Version:           version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup(cmd) },
	}
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)
	rootCmd.SetVersionTemplate("tapectl {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.device, "device", "d", "", "tape device (default from config, else /dev/nst0)")
	pf.StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/tapectl/config.toml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output, including raw tool output")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.BoolVar(&a.noProgress, "no-progress", false, "disable progress display")
	pf.BoolVarP(&a.yes, "yes", "y", false, "assume yes for destructive-operation prompts")
	pf.BoolVar(&a.noJournal, "no-journal", false, "do not record tasks in the history journal")
	pf.StringVar(&a.logFile, "log", "", "write structured JSON log to FILE")

	rootCmd.AddCommand(
		newBackupCmd(a),
		newRestoreCmd(a),
		newListCmd(a),
		newLTFSBackupCmd(a),
		newMountCmd(a),
		newUnmountCmd(a),
		newDetectCmd(a),
		newFormatCmd(a),
		newEraseCmd(a),
		newRewindCmd(a),
		newStatusCmd(a),
		newCapacityCmd(a),
		newHistoryCmd(a),
		docsCmd,
	)
	return rootCmd
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// taskExit maps a finished task onto the process exit status.
func taskExit(res engine.Result) error {
	switch res.State {
	case engine.StateCompleted:
		return nil
	case engine.StateCancelled:
		return &exitError{code: exitCancelled}
	default:
		return &exitError{code: exitFailure}
	}
}

// opFailed reports a failed standalone operation and returns its exit status.
func (a *app) opFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	a.logger.Debug(op+" failed", "error", err)
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	if tapeerr.IsCancelled(err) {
		return &exitError{code: exitCancelled}
	}
	return &exitError{code: exitFailure}
}
