package schema

// Job API.

// Credentials carries the per-request model credentials sent as headers.
type Credentials struct {
	APIKey string
	Model  ModelID
}

// CreateJobRequest is the body of POST /jobs.
type CreateJobRequest struct {
	ProjectPath           string      `json:"project_path"`
	Instructions          string      `json:"ce_instructions"`
	KubeContext           ClusterName `json:"kube_context"`
	ProjectName           string      `json:"project_name"`
	WorkDir               *string     `json:"work_dir"`
	CleanClusterBeforeRun bool        `json:"clean_cluster_before_run"`
	CleanClusterAfterRun  bool        `json:"clean_cluster_after_run"`
	IsNewDeployment       bool        `json:"is_new_deployment"`
	ModelName             ModelID     `json:"model_name"`
	Temperature           float64     `json:"temperature"`
	Seed                  int         `json:"seed"`
	MaxNumSteadyStates    int         `json:"max_num_steadystates"`
	MaxRetries            int         `json:"max_retries"`
	Namespace             string      `json:"namespace"`
}

// DefaultNamespace is the Kubernetes namespace jobs run their experiments in.
const DefaultNamespace = "chaos-eater"

// NewCreateJobRequest builds a job payload from the cycle form.
func NewCreateJobRequest(form FormData, projectPath, instructions string) CreateJobRequest {
	projectName := form.ProjectName
	if projectName == "" {
		projectName = DefaultProjectName
	}
	return CreateJobRequest{
		ProjectPath:           projectPath,
		Instructions:          instructions,
		KubeContext:           form.Cluster,
		ProjectName:           projectName,
		CleanClusterBeforeRun: form.CleanBefore,
		CleanClusterAfterRun:  form.CleanAfter,
		IsNewDeployment:       form.NewDeployment,
		ModelName:             form.Model,
		Temperature:           form.Temperature,
		Seed:                  form.Seed,
		MaxNumSteadyStates:    form.MaxSteadyStates,
		MaxRetries:            form.MaxRetries,
		Namespace:             DefaultNamespace,
	}
}

// CreateJobResponse reports the created job.
type CreateJobResponse struct {
	JobID   JobID  `json:"job_id"`
	WorkDir string `json:"work_dir"`
}

// JobInfo is the body of GET /jobs/{id}.
type JobInfo struct {
	JobID            JobID     `json:"job_id,omitempty"`
	Status           JobStatus `json:"status"`
	CurrentPhase     string    `json:"current_phase,omitempty"`
	CurrentAgent     AgentName `json:"current_agent,omitempty"`
	HasPartialOutput bool      `json:"has_partial_output,omitempty"`
	NextAgent        AgentName `json:"next_agent,omitempty"`
	Progress         string    `json:"progress,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// ResumePoint renders phase/agent, or the phase alone.
func ResumePoint(phase string, agent AgentName) string {
	if agent != "" {
		return phase + "/" + string(agent)
	}
	return phase
}

// PauseJobResponse reports where the job paused.
type PauseJobResponse struct {
	CurrentPhase string `json:"current_phase"`
}

// ResumeJobRequest is the body of POST /jobs/{id}/resume.
type ResumeJobRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

// ResumeJobResponse reports where the job resumes from.
type ResumeJobResponse struct {
	ResumeFrom      string    `json:"resume_from"`
	ResumeFromAgent AgentName `json:"resume_from_agent"`
	HasFeedback     bool      `json:"has_feedback"`
}

// RestoreJobRequest is the body of POST /jobs/restore.
type RestoreJobRequest struct {
	WorkDir string `json:"work_dir"`
}

// RestoreJobResponse reports a job rehydrated from disk.
type RestoreJobResponse struct {
	JobID        JobID     `json:"job_id"`
	CurrentPhase string    `json:"current_phase"`
	CurrentAgent AgentName `json:"current_agent"`
}

// DeletedFile is one purge result.
type DeletedFile struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
	Reason  string `json:"reason,omitempty"`
}

// PurgeJobResponse is the body of DELETE /jobs/{id}/purge.
type PurgeJobResponse struct {
	DeletedFiles []DeletedFile `json:"deleted_files"`
}

// ApprovalAction answers an approval gate.
type ApprovalAction string

const (
	// ApprovalApprove lets the agent proceed.
	ApprovalApprove ApprovalAction = "approve"
	// ApprovalRetry reruns the agent, optionally with a message.
	ApprovalRetry ApprovalAction = "retry"
	// ApprovalCancel stops the job.
	ApprovalCancel ApprovalAction = "cancel"
)

// Valid reports whether the action is known.
func (a ApprovalAction) Valid() bool {
	switch a {
	case ApprovalApprove, ApprovalRetry, ApprovalCancel:
		return true
	}
	return false
}

// ApprovalRequest is an agent waiting for operator approval.
type ApprovalRequest struct {
	JobID   JobID     `json:"job_id,omitempty"`
	Agent   AgentName `json:"agent"`
	Phase   string    `json:"phase,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ApprovalResponse is the body of POST /jobs/{id}/approval.
type ApprovalResponse struct {
	Action  ApprovalAction `json:"action"`
	Message string         `json:"message,omitempty"`
}

// ExecutionMode selects how approval gates are handled.
type ExecutionMode string

const (
	// ModeFullAuto approves every gate automatically.
	ModeFullAuto ExecutionMode = "full-auto"
	// ModeInteractive gates the configured agents on the operator.
	ModeInteractive ExecutionMode = "interactive"
)

// Cluster pool API.

// ClaimClusterRequest is the body of POST /clusters/claim.
type ClaimClusterRequest struct {
	SessionID SessionID   `json:"session_id"`
	Preferred ClusterName `json:"preferred,omitempty"`
}

// ClaimClusterResponse reports the granted cluster.
type ClaimClusterResponse struct {
	Cluster      ClusterName `json:"cluster"`
	AlreadyOwned bool        `json:"already_owned,omitempty"`
}

// ReleaseClusterRequest is the body of POST /clusters/release.
type ReleaseClusterRequest struct {
	SessionID SessionID `json:"session_id"`
}
