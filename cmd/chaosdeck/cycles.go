package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/chaosdeck/schema"
)

func newCyclesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cycles",
		Aliases: []string{"cycle"},
		Short:   "Manage stored chaos cycles",
	}
	cmd.AddCommand(newCyclesListCmd(flags))
	cmd.AddCommand(newCyclesShowCmd(flags))
	cmd.AddCommand(newCyclesOpenCmd(flags))
	cmd.AddCommand(newCyclesRenameCmd(flags))
	cmd.AddCommand(newCyclesDeleteCmd(flags))
	cmd.AddCommand(newCyclesClearCmd(flags))
	cmd.AddCommand(newCyclesNewCmd(flags))
	return cmd
}

func newCyclesListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the cycles of this profile, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			cycles, err := s.console.ListCycles(s.ctx)
			if err != nil {
				return err
			}
			printCycles(cmd.OutOrStdout(), cycles, s.console.Profile().CurrentSnapshotID)
			return nil
		},
	}
}

func printCycles(w io.Writer, cycles []schema.Snapshot, current schema.SnapshotID) {
	if len(cycles) == 0 {
		_, _ = fmt.Fprintln(w, "no cycles")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\tID\tTITLE\tUPDATED\tJOB")
	for _, snap := range cycles {
		marker := ""
		if snap.ID == current {
			marker = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, snap.ID, snap.Title,
			snap.UpdatedAt.Local().Format("2006-01-02 15:04"), orDash(string(snap.JobID)))
	}
	_ = tw.Flush()
}

func newCyclesShowCmd(flags *globalFlags) *cobra.Command {
	var hideAgents bool
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Print the transcript of a cycle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			id := s.console.Profile().CurrentSnapshotID
			if len(args) == 1 {
				id = schema.SnapshotID(args[0])
			}
			if id == "" {
				return errNoCurrentCycle
			}
			snap, err := s.console.Snapshots().Get(s.ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "# %s\n", snap.Title)
			if snap.BackendProjectPath != "" {
				_, _ = fmt.Fprintf(out, "project: %s\n", snap.BackendProjectPath)
			}
			if snap.FormData.Cluster != "" {
				_, _ = fmt.Fprintf(out, "cluster: %s\n", snap.FormData.Cluster)
			}
			_, _ = fmt.Fprintln(out)
			renderer := newRenderer(flags)
			renderer.ShowAgents = !hideAgents
			printLines(out, renderer.Render(snap.Messages))
			return nil
		},
	}
	cmd.Flags().BoolVar(&hideAgents, "no-agents", false, "omit agent headers")
	return cmd
}

func newCyclesOpenCmd(flags *globalFlags) *cobra.Command {
	var followJob bool
	cmd := &cobra.Command{
		Use:   "open <id>",
		Short: "Make a cycle current and reattach its job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			out := cmd.OutOrStdout()
			events, unsubscribe := s.console.Subscribe()
			defer unsubscribe()
			result, err := s.openCycle(schema.SnapshotID(args[0]), followJob, out)
			if err != nil {
				return err
			}
			if !result.Streaming {
				return nil
			}
			return follow(s, newRenderer(flags), events, out, cmd.ErrOrStderr(), newStdinReader(cmd))
		},
	}
	cmd.Flags().BoolVarP(&followJob, "follow", "f", false, "stream a running job")
	return cmd
}

func newCyclesRenameCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title...>",
		Short: "Rename a cycle",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			snap, err := s.console.RenameCycle(s.ctx, schema.SnapshotID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s renamed to %q\n", snap.ID, snap.Title)
			return nil
		},
	}
}

func newCyclesDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete cycles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			for _, id := range args {
				if err := s.console.DeleteCycle(s.ctx, schema.SnapshotID(id)); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}

func newCyclesClearCmd(flags *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cycle of this profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear cycles without --yes")
			}
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			n, err := s.console.ClearCycles(s.ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d cycles\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting every cycle")
	return cmd
}

func newCyclesNewCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Detach from the current cycle, stopping its running job",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			if id := s.console.Profile().CurrentSnapshotID; id != "" {
				if _, err := s.openCycle(id, false, cmd.OutOrStdout()); err != nil {
					s.log.Warn("current cycle reattach failed", "err", err)
				}
			}
			return s.console.NewCycle(s.ctx)
		},
	}
}
