package schema

// SessionID identifies a console session (one per profile).
type SessionID string

// SnapshotID identifies a persisted chaos cycle.
type SnapshotID string

// JobID identifies a backend job.
type JobID string

// ClusterName identifies a cluster in the shared pool.
type ClusterName string

// AgentName identifies a backend agent producing transcript output.
type AgentName string

// ModelID identifies an LLM model, e.g. "openai/gpt-4.1".
type ModelID string

// ProfileName identifies a local console profile.
type ProfileName string

// RunState is the locally tracked job lifecycle state.
type RunState string

const (
	// RunIdle indicates no job is active.
	RunIdle RunState = "idle"
	// RunRunning indicates a job is running and streaming.
	RunRunning RunState = "running"
	// RunPaused indicates a job is paused and can be resumed.
	RunPaused RunState = "paused"
	// RunCompleted indicates the job stream ended.
	RunCompleted RunState = "completed"
)

// JobRef links a snapshot to a backend job.
type JobRef struct {
	JobID   JobID
	WorkDir string
}

// Empty reports whether the reference names no job.
func (r JobRef) Empty() bool {
	return r.JobID == "" && r.WorkDir == ""
}
