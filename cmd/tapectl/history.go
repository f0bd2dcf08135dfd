package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/ui"
	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/units"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit     int
		allDevice bool
	)
	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show recent tasks from the history journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal()
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			ctx := cmd.Context()

			if len(args) == 1 {
				t, err := j.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "task:        %s\n", t.ID)
				fmt.Fprintf(a.stdout, "op:          %s\n", t.Op)
				fmt.Fprintf(a.stdout, "device:      %s\n", t.Device)
				fmt.Fprintf(a.stdout, "paths:       %s\n", joinPaths(t.Paths))
				if t.Destination != "" {
					fmt.Fprintf(a.stdout, "destination: %s\n", t.Destination)
				}
				fmt.Fprintf(a.stdout, "state:       %s\n", t.State)
				fmt.Fprintf(a.stdout, "bytes:       %s / %s\n", units.FormatBytes(t.BytesDone), units.FormatBytes(t.BytesTotal))
				fmt.Fprintf(a.stdout, "records:     %d\n", t.Records)
				fmt.Fprintf(a.stdout, "entries:     %d\n", t.Entries)
				if t.Manifest != "" {
					fmt.Fprintf(a.stdout, "manifest:    %s\n", t.Manifest)
				}
				fmt.Fprintf(a.stdout, "started:     %s\n", t.Started.Local().Format("2006-01-02 15:04:05"))
				if !t.Finished.IsZero() {
					fmt.Fprintf(a.stdout, "finished:    %s (%s)\n", t.Finished.Local().Format("2006-01-02 15:04:05"), ui.FormatDuration(t.Finished.Sub(t.Started)))
				}
				if t.Error != "" {
					fmt.Fprintf(a.stdout, "error:       %s\n", t.Error)
				}
				return nil
			}

			dev := a.device
			if allDevice {
				dev = ""
			}
			tasks, err := j.Recent(ctx, dev, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tOP\tDEVICE\tSTATE\tBYTES\tPATHS")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Started.Local().Format("2006-01-02 15:04"), t.Op, t.Device,
					t.State, units.FormatBytes(t.BytesDone), joinPaths(t.Paths))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of tasks to show")
	cmd.Flags().BoolVarP(&allDevice, "all", "a", false, "show tasks for every device")
	return cmd
}
