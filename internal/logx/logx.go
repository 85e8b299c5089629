package logx

import (
	"context"

	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

type contextKey int

const sessionKey contextKey = 0

// WithSession annotates the context logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithJob annotates the logger with job metadata when available.
func WithJob(log pslog.Logger, job schema.JobRef) pslog.Logger {
	if job.JobID != "" {
		log = log.With("job", job.JobID)
	}
	if job.WorkDir != "" {
		log = log.With("work_dir", job.WorkDir)
	}
	return log
}

// WithSnapshot annotates the logger with a snapshot id when available.
func WithSnapshot(log pslog.Logger, snapshotID schema.SnapshotID) pslog.Logger {
	if snapshotID != "" {
		log = log.With("snapshot", snapshotID)
	}
	return log
}

// WithCluster annotates the logger with a cluster name when available.
func WithCluster(log pslog.Logger, cluster schema.ClusterName) pslog.Logger {
	if cluster != "" {
		log = log.With("cluster", cluster)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}
