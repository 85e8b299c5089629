package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/chaosdeck/internal/eventbus"
	"pkt.systems/chaosdeck/internal/format"
	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var projectPath string
	var files []string
	var cluster string
	var detach bool
	var edit formFlags
	cmd := &cobra.Command{
		Use:   "run [instructions...]",
		Short: "Start a chaos engineering cycle and follow its transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openConsole(cmd, flags, consoleOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			c := s.console

			edit.apply(cmd, c.UpdateForm)
			if _, err := c.ClaimCluster(s.ctx, schema.ClusterName(cluster)); err != nil {
				return err
			}
			c.SetProject(projectPath, fileMeta(files))

			events, unsubscribe := c.Subscribe()
			defer unsubscribe()
			resp, err := c.Submit(s.ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "job %s created (work dir %s)\n", resp.JobID, resp.WorkDir)
			if detach {
				return nil
			}
			return follow(s, newRenderer(flags), events, out, cmd.ErrOrStderr(), newStdinReader(cmd))
		},
	}
	cmd.Flags().StringVar(&projectPath, "project", "", "backend path of the uploaded project")
	cmd.Flags().StringSliceVar(&files, "file", nil, "uploaded file name recorded with the cycle (repeatable)")
	cmd.Flags().StringVar(&cluster, "cluster", "", "preferred cluster (defaults to clusters.preferred)")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the job is created")
	edit.register(cmd)
	return cmd
}

func newResumeCmd(flags *globalFlags) *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "resume [feedback...]",
		Short: "Resume the paused job of the current cycle",
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
			events, unsubscribe := s.console.Subscribe()
			defer unsubscribe()
			resp, err := s.console.Jobs().Resume(s.ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			point := schema.ResumePoint(resp.ResumeFrom, resp.ResumeFromAgent)
			if point == "" {
				point = "beginning"
			}
			_, _ = fmt.Fprintf(out, "resuming from %s\n", point)
			if detach {
				return nil
			}
			return follow(s, newRenderer(flags), events, out, cmd.ErrOrStderr(), newStdinReader(cmd))
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the job is resumed")
	return cmd
}

func fileMeta(names []string) []schema.UploadedFileMeta {
	var out []schema.UploadedFileMeta
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, schema.UploadedFileMeta{Name: name})
	}
	return out
}

// followCheckInterval bounds how long follow can miss a run-state change dropped by a
// saturated subscription.
const followCheckInterval = time.Second

// followedConsole is the console surface follow drives.
type followedConsole interface {
	Transcript() []schema.Message
	FlushTranscript()
	RunState() schema.RunState
	RespondApproval(ctx context.Context, action schema.ApprovalAction, message string) error
}

// follow prints the transcript as it grows until the job stops running. Interrupting
// detaches from the stream without stopping the job.
func follow(s *session, renderer *format.PlainRenderer, events <-chan eventbus.Event, out, errOut io.Writer, in *bufio.Reader) error {
	return followJob(s.ctx, s.log, s.console, renderer, events, out, errOut, in, followCheckInterval)
}

func followJob(ctx context.Context, log pslog.Logger, c followedConsole, renderer *format.PlainRenderer, events <-chan eventbus.Event, out, errOut io.Writer, in *bufio.Reader, check time.Duration) error {
	follower := format.NewFollower(renderer)
	printLines(out, follower.Update(c.Transcript()))
	finish := func() {
		c.FlushTranscript()
		printLines(out, follower.Finish(c.Transcript()))
	}
	stopped := func(state schema.RunState) bool {
		if state == schema.RunRunning {
			return false
		}
		finish()
		_, _ = fmt.Fprintf(errOut, "job %s\n", state)
		return true
	}
	if c.RunState() != schema.RunRunning {
		finish()
		return nil
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			finish()
			_, _ = fmt.Fprintln(errOut, "detached; the job keeps running")
			return nil
		case <-ticker.C:
			if stopped(c.RunState()) {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				finish()
				return nil
			}
			switch ev.Type {
			case eventbus.EventTranscript:
				printLines(out, follower.Update(ev.Transcript.Messages))
			case eventbus.EventNotification:
				_, _ = fmt.Fprintf(errOut, "[%s] %s\n", ev.Notification.Level, ev.Notification.Message)
			case eventbus.EventApproval:
				answerApproval(ctx, log, c, ev.Approval, errOut, in)
			case eventbus.EventRunState:
				if stopped(ev.RunState.To) {
					return nil
				}
				continue
			}
			if stopped(c.RunState()) {
				return nil
			}
		}
	}
}

func newRenderer(flags *globalFlags) *format.PlainRenderer {
	r := format.NewPlainRenderer()
	r.Inline = format.InlineStrip
	if flags.color {
		r.Inline = format.InlineANSI
	}
	return r
}

func newStdinReader(cmd *cobra.Command) *bufio.Reader {
	return bufio.NewReader(cmd.InOrStdin())
}

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
}

func answerApproval(ctx context.Context, log pslog.Logger, c followedConsole, req schema.ApprovalRequest, w io.Writer, in *bufio.Reader) {
	_, _ = fmt.Fprintf(w, "approval requested for %s", req.Agent)
	if req.Phase != "" {
		_, _ = fmt.Fprintf(w, " (%s)", req.Phase)
	}
	if req.Message != "" {
		_, _ = fmt.Fprintf(w, ": %s", req.Message)
	}
	_, _ = fmt.Fprint(w, "\n[a]pprove, [r]etry <message>, [c]ancel? ")
	for {
		line, err := in.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			log.Warn("approval prompt closed", "agent", req.Agent, "err", err)
			_, _ = fmt.Fprintln(w, "\nno answer; answer later with `chaosdeck job approve`")
			return
		}
		action, msg, perr := parseApprovalAnswer(line)
		if perr != nil {
			_, _ = fmt.Fprintf(w, "%v\n? ", perr)
			if err != nil {
				return
			}
			continue
		}
		if rerr := c.RespondApproval(context.WithoutCancel(ctx), action, msg); rerr != nil {
			_, _ = fmt.Fprintf(w, "approval failed: %v\n", rerr)
		}
		return
	}
}

// parseApprovalAnswer reads "approve", "retry [message]" or "cancel", or their first letter.
func parseApprovalAnswer(line string) (schema.ApprovalAction, string, error) {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(word) {
	case "a", "approve", "y", "yes":
		return schema.ApprovalApprove, "", nil
	case "r", "retry":
		return schema.ApprovalRetry, rest, nil
	case "c", "cancel":
		return schema.ApprovalCancel, "", nil
	}
	return "", "", fmt.Errorf("%w: %q", schema.ErrInvalidApproval, line)
}
