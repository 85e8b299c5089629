package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"pkt.systems/chaosdeck"
	"pkt.systems/chaosdeck/internal/appconfig"
	"pkt.systems/chaosdeck/internal/jobs"
	"pkt.systems/chaosdeck/internal/logx"
	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

var errNoCurrentCycle = errors.New("no current cycle; open one with `chaosdeck cycles open <id>`")

type consoleOptions struct {
	pollClusters bool
	keepLease    bool
}

// session is one opened console bound to the command context.
type session struct {
	console *chaosdeck.Console
	ctx     context.Context
	log     pslog.Logger
	logs    io.Closer
}

func openConsole(cmd *cobra.Command, flags *globalFlags, opts consoleOptions) (*session, error) {
	cfg, err := appconfig.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, logs := logx.NewLogger(cmd.ErrOrStderr(), logx.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	console, err := chaosdeck.New(chaosdeck.Options{
		Config:       cfg,
		Profile:      schema.ProfileName(flags.profile),
		Logger:       logger,
		PollClusters: opts.pollClusters,
		KeepLease:    opts.keepLease,
	})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	ctx := logx.ContextWithSessionLogger(cmd.Context(), logger, console.Session())
	if err := console.Start(ctx); err != nil {
		_ = console.Close(ctx)
		_ = logs.Close()
		return nil, err
	}
	return &session{
		console: console,
		ctx:     ctx,
		log:     logx.WithSession(ctx, console.Session()),
		logs:    logs,
	}, nil
}

// Close shuts the console down even when the command context was cancelled.
func (s *session) Close() error {
	var result *multierror.Error
	if err := s.console.Close(context.WithoutCancel(s.ctx)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.logs.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// openCurrent reopens the cycle the profile points at.
func (s *session) openCurrent(follow bool, out io.Writer) (jobs.ReattachResult, error) {
	id := s.console.Profile().CurrentSnapshotID
	if id == "" {
		return jobs.ReattachResult{}, errNoCurrentCycle
	}
	return s.openCycle(id, follow, out)
}

func (s *session) openCycle(id schema.SnapshotID, follow bool, out io.Writer) (jobs.ReattachResult, error) {
	result, err := s.console.OpenCycle(s.ctx, id, follow)
	if result.Outcome != "" {
		_, _ = fmt.Fprintf(out, "%s\n", describeReattach(result))
	}
	return result, err
}

func describeReattach(r jobs.ReattachResult) string {
	switch r.Outcome {
	case jobs.OutcomeNoJob:
		return "cycle has no job"
	case jobs.OutcomeUnrecoverable:
		return "job not recoverable"
	case jobs.OutcomeCheckFailed:
		return "job check failed"
	}
	line := fmt.Sprintf("job %s %s", r.Job.JobID, r.Outcome)
	if r.Point != "" {
		line += " at " + r.Point
	}
	return line
}
