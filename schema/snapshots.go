package schema

import "time"

// Session is the identity keying local persistence and cluster leases.
type Session struct {
	ID           SessionID `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastOpenedAt time.Time `json:"lastOpenedAt"`
}

// UploadedFileMeta describes a project file without its content.
type UploadedFileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// FormData is the cycle configuration entered by the operator.
type FormData struct {
	Model           ModelID     `json:"model" mapstructure:"model" yaml:"model"`
	APIKey          string      `json:"apiKey" mapstructure:"-" yaml:"-"`
	APIKeyVisible   bool        `json:"apiKeyVisible" mapstructure:"-" yaml:"-"`
	Cluster         ClusterName `json:"cluster" mapstructure:"cluster" yaml:"cluster"`
	ProjectName     string      `json:"projectName" mapstructure:"project_name" yaml:"project_name"`
	Instructions    string      `json:"instructions" mapstructure:"instructions" yaml:"instructions"`
	CleanBefore     bool        `json:"cleanBefore" mapstructure:"clean_before" yaml:"clean_before"`
	CleanAfter      bool        `json:"cleanAfter" mapstructure:"clean_after" yaml:"clean_after"`
	NewDeployment   bool        `json:"newDeployment" mapstructure:"new_deployment" yaml:"new_deployment"`
	Temperature     float64     `json:"temperature" mapstructure:"temperature" yaml:"temperature"`
	Seed            int         `json:"seed" mapstructure:"seed" yaml:"seed"`
	MaxSteadyStates int         `json:"maxSteadyStates" mapstructure:"max_steady_states" yaml:"max_steady_states"`
	MaxRetries      int         `json:"maxRetries" mapstructure:"max_retries" yaml:"max_retries"`
}

const (
	// DefaultModel is the model selected for new cycles.
	DefaultModel ModelID = "openai/gpt-4.1"
	// DefaultProjectName is the project name for new cycles.
	DefaultProjectName = "chaos-project"
)

// DefaultFormData returns the configuration of a fresh cycle.
func DefaultFormData() FormData {
	return FormData{
		Model:           DefaultModel,
		ProjectName:     DefaultProjectName,
		CleanBefore:     true,
		CleanAfter:      true,
		NewDeployment:   true,
		Temperature:     0,
		Seed:            42,
		MaxSteadyStates: 2,
		MaxRetries:      3,
	}
}

// Redacted returns a copy safe to persist.
func (f FormData) Redacted() FormData {
	f.APIKey = ""
	f.APIKeyVisible = false
	return f
}

// ResetForNewCycle restores defaults while keeping credentials and the cluster.
func (f FormData) ResetForNewCycle() FormData {
	next := DefaultFormData()
	next.Model = f.Model
	next.APIKey = f.APIKey
	next.APIKeyVisible = f.APIKeyVisible
	next.Cluster = f.Cluster
	if next.Model == "" {
		next.Model = DefaultModel
	}
	return next
}

// Snapshot is the persisted record of one chaos cycle.
type Snapshot struct {
	ID                 SnapshotID         `json:"id"`
	SessionID          SessionID          `json:"sessionId"`
	Title              string             `json:"title"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	Messages           []Message          `json:"messages"`
	PanelVisible       bool               `json:"panelVisible"`
	BackendProjectPath string             `json:"backendProjectPath,omitempty"`
	UploadedFilesMeta  []UploadedFileMeta `json:"uploadedFilesMeta"`
	FormData           FormData           `json:"formData"`
	JobID              JobID              `json:"jobId,omitempty"`
	JobWorkDir         string             `json:"jobWorkDir,omitempty"`
}

// JobRef returns the job linkage of the snapshot.
func (s Snapshot) JobRef() JobRef {
	return JobRef{JobID: s.JobID, WorkDir: s.JobWorkDir}
}

// SnapshotPayload is the content of a new snapshot.
type SnapshotPayload struct {
	Messages           []Message
	PanelVisible       bool
	BackendProjectPath string
	UploadedFilesMeta  []UploadedFileMeta
	FormData           FormData
	JobID              JobID
	JobWorkDir         string
}

// Sanitized returns the payload with secrets removed and status entries dropped.
func (p SnapshotPayload) Sanitized() SnapshotPayload {
	p.Messages = VisibleMessages(p.Messages)
	p.FormData = p.FormData.Redacted()
	if p.UploadedFilesMeta == nil {
		p.UploadedFilesMeta = []UploadedFileMeta{}
	}
	return p
}

// SnapshotPatch updates a snapshot. Nil fields are left unchanged.
type SnapshotPatch struct {
	Title              *string
	Messages           *[]Message
	PanelVisible       *bool
	BackendProjectPath *string
	UploadedFilesMeta  *[]UploadedFileMeta
	FormData           *FormData
	JobID              *JobID
	JobWorkDir         *string
}

// Empty reports whether the patch changes nothing.
func (p SnapshotPatch) Empty() bool {
	return p.Title == nil && p.Messages == nil && p.PanelVisible == nil &&
		p.BackendProjectPath == nil && p.UploadedFilesMeta == nil &&
		p.FormData == nil && p.JobID == nil && p.JobWorkDir == nil
}

// Merge returns p overlaid with the non-nil fields of next.
func (p SnapshotPatch) Merge(next SnapshotPatch) SnapshotPatch {
	if next.Title != nil {
		p.Title = next.Title
	}
	if next.Messages != nil {
		p.Messages = next.Messages
	}
	if next.PanelVisible != nil {
		p.PanelVisible = next.PanelVisible
	}
	if next.BackendProjectPath != nil {
		p.BackendProjectPath = next.BackendProjectPath
	}
	if next.UploadedFilesMeta != nil {
		p.UploadedFilesMeta = next.UploadedFilesMeta
	}
	if next.FormData != nil {
		p.FormData = next.FormData
	}
	if next.JobID != nil {
		p.JobID = next.JobID
	}
	if next.JobWorkDir != nil {
		p.JobWorkDir = next.JobWorkDir
	}
	return p
}

// Apply writes the patch onto snap, redacting secrets and dropping status entries.
func (p SnapshotPatch) Apply(snap *Snapshot) {
	if snap == nil {
		return
	}
	if p.Title != nil {
		snap.Title = *p.Title
	}
	if p.Messages != nil {
		snap.Messages = VisibleMessages(*p.Messages)
	}
	if p.PanelVisible != nil {
		snap.PanelVisible = *p.PanelVisible
	}
	if p.BackendProjectPath != nil {
		snap.BackendProjectPath = *p.BackendProjectPath
	}
	if p.UploadedFilesMeta != nil {
		snap.UploadedFilesMeta = append([]UploadedFileMeta{}, (*p.UploadedFilesMeta)...)
	}
	if p.FormData != nil {
		snap.FormData = *p.FormData
	}
	snap.FormData = snap.FormData.Redacted()
	if p.JobID != nil {
		snap.JobID = *p.JobID
	}
	if p.JobWorkDir != nil {
		snap.JobWorkDir = *p.JobWorkDir
	}
}
