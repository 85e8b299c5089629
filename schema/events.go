package schema

import "encoding/json"

// StreamEvent is one decoded event-stream frame. The set of implementations is closed.
type StreamEvent interface {
	streamEvent()
}

// PartialMode selects how a partial chunk is applied to the open entry.
type PartialMode string

const (
	// PartialDelta appends the chunk.
	PartialDelta PartialMode = "delta"
	// PartialFrame replaces the entry content with the chunk.
	PartialFrame PartialMode = "frame"
)

// PartialFormat selects the entry type produced by partial chunks.
type PartialFormat string

const (
	// FormatPlain produces text entries.
	FormatPlain PartialFormat = "plain"
	// FormatCode produces code entries.
	FormatCode PartialFormat = "code"
)

// PartialEvent carries one streaming chunk.
type PartialEvent struct {
	Chunk    string
	Role     Role
	Mode     PartialMode
	Format   PartialFormat
	Language string
	Filename string
	Final    bool
	// Legacy marks the bare, non-enveloped payload shape.
	Legacy bool
}

// PartialEndEvent force-closes the open partial entry.
type PartialEndEvent struct{}

// WriteEvent appends a text entry.
type WriteEvent struct {
	Text string
	Role Role
}

// CodeEvent appends a code entry.
type CodeEvent struct {
	Code     string
	Language string
	Filename string
	Role     Role
}

// SubheaderEvent appends a subheader entry.
type SubheaderEvent struct {
	Text string
	Role Role
}

// IframeEvent appends an iframe entry.
type IframeEvent struct {
	URL  string
	Role Role
}

// TagEvent appends a tag entry.
type TagEvent struct {
	Text       string
	Color      string
	Background string
	Role       Role
}

// AgentStartEvent marks the agent producing subsequent output.
type AgentStartEvent struct {
	Agent AgentName
}

// AgentEndEvent marks the end of an agent's output.
type AgentEndEvent struct {
	Agent AgentName
}

// ResumeStartEvent announces the agent a resumed run restarts from.
type ResumeStartEvent struct {
	Agent AgentName
}

// ApprovalRequestEvent asks the operator to gate an agent.
type ApprovalRequestEvent struct {
	Request ApprovalRequest
}

// JobStatus is the backend job status string.
type JobStatus string

const (
	// JobPending indicates the job is queued.
	JobPending JobStatus = "pending"
	// JobRunning indicates the job is running.
	JobRunning JobStatus = "running"
	// JobPaused indicates the job is paused.
	JobPaused JobStatus = "paused"
	// JobCompleted indicates the job finished successfully.
	JobCompleted JobStatus = "completed"
	// JobFailed indicates the job failed.
	JobFailed JobStatus = "failed"
	// JobCancelled indicates the job was cancelled.
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobStatusFrame is a bare progress or completion payload sent next to events.
type JobStatusFrame struct {
	JobID     JobID           `json:"job_id,omitempty"`
	Status    JobStatus       `json:"status,omitempty"`
	Progress  string          `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Rich      string          `json:"rich,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// Summary returns the single line the frame would log.
func (f JobStatusFrame) Summary() string {
	switch {
	case f.Rich != "":
		return f.Rich
	case f.Message != "":
		return f.Message
	case f.Progress != "":
		return f.Progress
	case f.Status != "":
		return "Status: " + string(f.Status)
	}
	return ""
}

// RawFrame is a frame that was not valid JSON.
type RawFrame struct {
	Text string
}

// UnknownEvent is a decoded payload of an unrecognized shape.
type UnknownEvent struct {
	Raw json.RawMessage
}

func (PartialEvent) streamEvent()         {}
func (PartialEndEvent) streamEvent()      {}
func (WriteEvent) streamEvent()           {}
func (CodeEvent) streamEvent()            {}
func (SubheaderEvent) streamEvent()       {}
func (IframeEvent) streamEvent()          {}
func (TagEvent) streamEvent()             {}
func (AgentStartEvent) streamEvent()      {}
func (AgentEndEvent) streamEvent()        {}
func (ResumeStartEvent) streamEvent()     {}
func (ApprovalRequestEvent) streamEvent() {}
func (JobStatusFrame) streamEvent()       {}
func (RawFrame) streamEvent()             {}
func (UnknownEvent) streamEvent()         {}
