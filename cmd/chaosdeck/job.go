package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/chaosdeck/internal/jobs"
	"pkt.systems/chaosdeck/schema"
)

func newJobCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Control the job of the current cycle",
	}
	cmd.AddCommand(newJobStatusCmd(flags))
	cmd.AddCommand(newJobPauseCmd(flags))
	cmd.AddCommand(newJobCancelCmd(flags))
	cmd.AddCommand(newJobApproveCmd(flags))
	cmd.AddCommand(newJobPurgeCmd(flags))
	cmd.AddCommand(newJobRestoreCmd(flags))
	return cmd
}

func newJobStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			out := cmd.OutOrStdout()
			if _, err := s.openCurrent(false, out); err != nil {
				return err
			}
			report, err := s.console.Jobs().Status(s.ctx)
			printReport(out, report)
			return err
		},
	}
}

func printReport(w io.Writer, r jobs.Report) {
	_, _ = fmt.Fprintf(w, "job:       %s\n", orDash(string(r.Job.JobID)))
	_, _ = fmt.Fprintf(w, "work dir:  %s\n", orDash(r.Job.WorkDir))
	_, _ = fmt.Fprintf(w, "state:     %s\n", r.State)
	if r.Terminal != "" {
		_, _ = fmt.Fprintf(w, "terminal:  %s\n", r.Terminal)
	}
	if info := r.Info; info != nil {
		_, _ = fmt.Fprintf(w, "status:    %s\n", info.Status)
		if point := schema.ResumePoint(info.CurrentPhase, info.CurrentAgent); point != "" {
			_, _ = fmt.Fprintf(w, "phase:     %s\n", point)
		}
		if info.Progress != "" {
			_, _ = fmt.Fprintf(w, "progress:  %s\n", info.Progress)
		}
		if info.Error != "" {
			_, _ = fmt.Fprintf(w, "error:     %s\n", info.Error)
		}
	}
	if r.Pending != nil {
		_, _ = fmt.Fprintf(w, "approval:  %s waiting\n", r.Pending.Agent)
	}
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func newJobPauseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the running job",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			out := cmd.OutOrStdout()
			if _, err := s.openCurrent(false, out); err != nil {
				return err
			}
			resp, err := s.console.Jobs().Pause(s.ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "paused at %s\n", orDash(resp.CurrentPhase))
			return nil
		},
	}
}

func newJobCancelCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the job and stop it on the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			out := cmd.OutOrStdout()
			result, err := s.openCurrent(false, out)
			if err != nil {
				return err
			}
			if err := s.console.Jobs().Cancel(s.ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "job %s cancelled\n", result.Job.JobID)
			return nil
		},
	}
}

func newJobApproveCmd(flags *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "approve <approve|retry|cancel> [message...]",
		Short: "Answer the approval gate the job is waiting on",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, msg, err := parseApprovalAnswer(strings.Join(args, " "))
			if err != nil {
				return err
			}
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			out := cmd.OutOrStdout()
			result, err := s.openCurrent(true, out)
			if err != nil {
				return err
			}
			if !result.Streaming {
				return schema.ErrNoApprovalPending
			}
			req, err := waitForApproval(s, wait)
			if err != nil {
				return err
			}
			if err := s.console.Jobs().RespondApproval(s.ctx, action, msg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s sent for %s\n", action, req.Agent)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for the gate to be replayed")
	return cmd
}

// waitForApproval waits for the replayed stream to settle on a gate. The stream replays
// every past gate, so a gate counts only once it is still pending on the next poll.
func waitForApproval(s *session, wait time.Duration) (schema.ApprovalRequest, error) {
	deadline := time.Now().Add(wait)
	var seen *schema.ApprovalRequest
	for {
		s.console.FlushTranscript()
		req, ok := s.console.Jobs().PendingApproval()
		switch {
		case !ok:
			seen = nil
		case seen != nil && *seen == req:
			return req, nil
		default:
			seen = &req
		}
		if time.Now().After(deadline) {
			return schema.ApprovalRequest{}, schema.ErrNoApprovalPending
		}
		select {
		case <-s.ctx.Done():
			return schema.ApprovalRequest{}, s.ctx.Err()
		case <-time.After(approvalPollInterval):
		}
	}
}

const approvalPollInterval = 250 * time.Millisecond

func newJobPurgeCmd(flags *globalFlags) *cobra.Command {
	var deleteFiles bool
	cmd := &cobra.Command{
		Use:   "purge [job-id]",
		Short: "Delete a job and optionally its files on the backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			out := cmd.OutOrStdout()
			var resp schema.PurgeJobResponse
			if len(args) == 1 {
				resp, err = s.console.Jobs().PurgeJob(s.ctx, schema.JobID(args[0]), deleteFiles)
			} else {
				if _, err := s.openCurrent(false, out); err != nil {
					return err
				}
				resp, err = s.console.Jobs().Purge(s.ctx, deleteFiles)
			}
			if err != nil {
				return err
			}
			for _, f := range resp.DeletedFiles {
				status := "deleted"
				if !f.Deleted {
					status = "kept"
					if f.Reason != "" {
						status += " (" + f.Reason + ")"
					}
				}
				_, _ = fmt.Fprintf(out, "%s %s\n", status, f.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteFiles, "delete-files", false, "also delete the job's files")
	return cmd
}

func newJobRestoreCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [cycle-id]",
		Short: "Rehydrate the job of a cycle from its work dir",
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
			resp, err := s.console.RestoreCycle(s.ctx, id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job %s restored at %s\n", resp.JobID,
				orDash(schema.ResumePoint(resp.CurrentPhase, resp.CurrentAgent)))
			return nil
		},
	}
}
