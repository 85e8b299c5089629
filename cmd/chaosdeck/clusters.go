package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/chaosdeck/internal/eventbus"
	"pkt.systems/chaosdeck/schema"
)

func newClustersCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "clusters",
		Aliases: []string{"cluster"},
		Short:   "Inspect and lease clusters from the shared pool",
	}
	cmd.AddCommand(newClustersListCmd(flags))
	cmd.AddCommand(newClustersClaimCmd(flags))
	cmd.AddCommand(newClustersReleaseCmd(flags))
	cmd.AddCommand(newClustersWatchCmd(flags))
	return cmd
}

func newClustersListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the cluster pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{keepLease: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			pool, err := s.console.Lease().Load(s.ctx)
			if err != nil {
				return err
			}
			printPool(cmd.OutOrStdout(), pool)
			return nil
		},
	}
}

func printPool(w io.Writer, pool schema.ClusterPool) {
	if len(pool.All) == 0 {
		_, _ = fmt.Fprintln(w, "no clusters")
		return
	}
	for _, name := range pool.All {
		state := "available"
		switch {
		case name == pool.Mine:
			state = "mine"
		case pool.IsUsed(name):
			state = "in use"
		}
		_, _ = fmt.Fprintf(w, "%-24s %s\n", name, state)
	}
}

func newClustersClaimCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "claim [cluster]",
		Short: "Lease a cluster for this profile's session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{keepLease: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			var preferred schema.ClusterName
			if len(args) == 1 {
				preferred = schema.ClusterName(args[0])
			}
			resp, err := s.console.ClaimCluster(s.ctx, preferred)
			if err != nil {
				return err
			}
			suffix := ""
			if resp.AlreadyOwned {
				suffix = " (already held)"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "claimed %s%s\n", resp.Cluster, suffix)
			return nil
		},
	}
}

func newClustersReleaseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release this session's cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{keepLease: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			s.console.ReleaseCluster(s.ctx)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "released")
			return nil
		},
	}
}

func newClustersWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll the cluster pool and print every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{pollClusters: true, keepLease: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			events, unsubscribe := s.console.Subscribe()
			defer unsubscribe()
			out := cmd.OutOrStdout()
			if lease := s.console.Lease(); lease.Revision() > 0 {
				printPool(out, lease.Pool())
			}
			for {
				select {
				case <-s.ctx.Done():
					return nil
				case ev := <-events:
					if ev.Type != eventbus.EventPool {
						continue
					}
					_, _ = fmt.Fprintf(out, "-- %s (revision %d)\n", time.Now().Format("15:04:05"), ev.Pool.Revision)
					printPool(out, ev.Pool.Pool)
				}
			}
		},
	}
}
