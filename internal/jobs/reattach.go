package jobs

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/chaosdeck/internal/backend"
	"pkt.systems/chaosdeck/internal/logx"
	"pkt.systems/chaosdeck/schema"
)

// Outcome classifies how a stored job was reattached.
type Outcome string

const (
	OutcomeNoJob         Outcome = "no_job"
	OutcomePaused        Outcome = "paused"
	OutcomeRunning       Outcome = "running"
	OutcomeCompleted     Outcome = "completed"
	OutcomeRestored      Outcome = "restored"
	OutcomeUnrecoverable Outcome = "unrecoverable"
	OutcomeCheckFailed   Outcome = "check_failed"
)

// ReattachResult describes the job adopted when a stored cycle is opened.
type ReattachResult struct {
	Outcome Outcome
	Job     schema.JobRef
	Status  schema.JobStatus
	// Point is the phase/agent the job is paused at or resumes from.
	Point     string
	Streaming bool
}

// Summary renders the operator message for a cycle titled title.
func (r ReattachResult) Summary(title string) string {
	base := "Restored: " + title
	switch r.Outcome {
	case OutcomePaused:
		point := r.Point
		if point == "" {
			point = "unknown"
		}
		return fmt.Sprintf("%s (paused at %s)", base, point)
	case OutcomeRunning:
		return base + " (running)"
	case OutcomeCompleted:
		if r.Status != "" && r.Status != schema.JobCompleted {
			return fmt.Sprintf("%s (%s)", base, r.Status)
		}
		return base + " (completed)"
	case OutcomeRestored:
		point := r.Point
		if point == "" {
			point = "beginning"
		}
		return fmt.Sprintf("%s (resume from %s)", base, point)
	case OutcomeUnrecoverable:
		return base + " (job not recoverable)"
	case OutcomeCheckFailed:
		return base + " (job check failed)"
	}
	return base
}

// Level is the notification level matching the outcome.
func (r ReattachResult) Level() schema.NotificationLevel {
	switch r.Outcome {
	case OutcomeUnrecoverable, OutcomeCheckFailed:
		return schema.NotifyWarning
	}
	return schema.NotifySuccess
}

// Reattach adopts the job referenced by a stored cycle. A job unknown to the backend is
// restored from disk. With follow set, a running job is streamed again; the stream replays
// from the first event so assistant entries are dropped before reconnecting.
func (c *Controller) Reattach(ctx context.Context, ref schema.JobRef, follow bool) (ReattachResult, error) {
	if ref.JobID == "" {
		return ReattachResult{Outcome: OutcomeNoJob}, nil
	}
	log := logx.WithJob(c.log, ref)
	info, err := c.api.GetJob(ctx, ref.JobID)
	if err != nil {
		var apiErr *backend.APIError
		if !errors.As(err, &apiErr) && !errors.Is(err, schema.ErrNotFound) {
			log.Warn("job reattach check failed", "err", err)
			return ReattachResult{Outcome: OutcomeCheckFailed}, fmt.Errorf("job status: %w", err)
		}
		log.Info("job not found, attempting restore", "err", err)
		restored, rerr := c.Restore(ctx, ref)
		if rerr != nil {
			return ReattachResult{Outcome: OutcomeUnrecoverable}, nil
		}
		return ReattachResult{
			Outcome: OutcomeRestored,
			Job:     c.Job(),
			Status:  schema.JobPaused,
			Point:   schema.ResumePoint(restored.CurrentPhase, restored.CurrentAgent),
		}, nil
	}

	result := ReattachResult{Job: ref, Status: info.Status}
	switch {
	case info.Status == schema.JobPaused:
		c.adopt(ref, TriggerAdoptPaused)
		result.Outcome = OutcomePaused
		result.Point = schema.ResumePoint(info.CurrentPhase, info.CurrentAgent)
	case info.Status.Terminal():
		c.adopt(ref, TriggerTerminal)
		c.mu.Lock()
		c.recordTerminalLocked(info.Status, "reattach")
		c.mu.Unlock()
		result.Outcome = OutcomeCompleted
	default:
		c.adopt(ref, TriggerAdoptRunning)
		result.Outcome = OutcomeRunning
		if follow {
			c.transcript.RetainUserEntries()
			if err := c.openStream(ctx, ref.JobID, streamStarted); err != nil {
				return result, err
			}
			result.Streaming = true
		}
	}
	log.Info("job reattach ok", "outcome", result.Outcome, "status", info.Status)
	return result, nil
}
