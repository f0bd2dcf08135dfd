package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/ui"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

// toolOutput returns a line sink that echoes tool output unless --quiet.
func (a *app) toolOutput() func(string) {
	if a.quiet {
		return nil
	}
	return func(line string) { fmt.Fprintln(a.stdout, line) }
}

func newMountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mount",
		Short: "Mount the tape's LTFS volume until interrupted",
		Long: `Mount the LTFS volume on a private directory under mount.base_dir and
hold it until Ctrl-C, then unmount and remove the directory. The mount
point is printed on stdout.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			m := e.Mounts()
			s, err := m.Mount(ctx, a.device)
			if err != nil {
				return a.opFailed("mount", err)
			}
			fmt.Fprintln(a.stdout, s.MountPoint)
			a.status("LTFS volume on %s mounted at %s. Press Ctrl-C to unmount.", a.device, s.MountPoint)

			<-ctx.Done()
			a.status("Unmounting…")
			return a.opFailed("unmount", m.Unmount(ctx, s))
		},
	}
}

func newUnmountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "unmount",
		Aliases: []string{"sweep"},
		Short:   "Unmount and remove LTFS mount points left by earlier runs",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			n, err := e.Mounts().SweepLeftovers(ctx)
			if err != nil {
				return a.opFailed("sweep", err)
			}
			a.status("Removed %d leftover mount point(s).", n)
			return nil
		},
	}
}

func newDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect-ltfs",
		Short: "Report whether the tape holds an LTFS volume",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			ok, err := e.ProbeLTFS(ctx, a.device)
			if err != nil {
				return a.opFailed("detect", err)
			}
			if ok {
				fmt.Fprintln(a.stdout, "LTFS tape detected")
			} else {
				fmt.Fprintln(a.stdout, "no LTFS volume found")
			}
			return nil
		},
	}
}

func newFormatCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "format-ltfs",
		Short: "Format the tape as an LTFS volume",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := a.confirm(fmt.Sprintf("Format the tape in %s as LTFS? All data on it will be lost.", a.device)); err != nil {
				return err
			}
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			a.status("Formatting %s as LTFS…", a.device)
			if err := e.FormatLTFS(ctx, a.device, force, a.toolOutput()); err != nil {
				return a.opFailed("format", err)
			}
			a.status("LTFS format completed.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reformat a tape that already holds an LTFS volume")
	return cmd
}

func newEraseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "erase",
		Short: "Long-erase the entire tape",
		Long: `Erase the whole cartridge with mt erase. A long erase can take hours and,
once started, cannot be aborted: Ctrl-C only stops waiting for it.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := a.confirm(fmt.Sprintf("Erase the entire tape in %s? This cannot be undone.", a.device)); err != nil {
				return err
			}
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			return a.opFailed("erase", e.Erase(ctx, a.device, a.toolOutput()))
		},
	}
}

func newRewindCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rewind",
		Short: "Rewind the tape",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			if err := e.Rewind(ctx, a.device); err != nil {
				return a.opFailed("rewind", err)
			}
			a.status("Rewound %s.", a.device)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the drive status reported by mt",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			e, err := a.newEngine()
			if err != nil {
				return err
			}
			text, err := e.Status(ctx, a.device)
			if err != nil {
				return a.opFailed("status", err)
			}
			fmt.Fprintln(a.stdout, text)
			return nil
		},
	}
}

func newCapacityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "capacity",
		Short: "Report the cartridge capacity from sg_logs or sg_read_attr",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := a.signalContext()
			defer stop()

			rep, ok := a.capacityResolver().Resolve(ctx, a.device)
			if !ok {
				fmt.Fprintf(a.stderr, "capacity of %s unknown: neither sg_logs nor sg_read_attr reported it\n", a.device)
				return &exitError{code: exitFailure}
			}
			fmt.Fprintf(a.stdout, "%s (%s bytes) from %s on %s\n",
				units.FormatBytes(rep.Bytes), ui.FormatCount(int64(rep.Bytes)), rep.Source, rep.Device)
			if rep.Corrected {
				a.status("reported value %s was corrected for a known unit error", units.FormatBytes(rep.Raw))
			}
			return nil
		},
	}
}
