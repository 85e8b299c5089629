package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/chaosdeck/internal/backend"
	"pkt.systems/chaosdeck/internal/eventstream"
	"pkt.systems/chaosdeck/internal/logx"
	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// DefaultApprovalTimeout bounds an automatic approval call.
const DefaultApprovalTimeout = 30 * time.Second

// API is the backend job surface driven by the controller.
type API interface {
	CreateJob(ctx context.Context, req schema.CreateJobRequest, creds schema.Credentials) (schema.CreateJobResponse, error)
	GetJob(ctx context.Context, id schema.JobID) (schema.JobInfo, error)
	PauseJob(ctx context.Context, id schema.JobID) (schema.PauseJobResponse, error)
	ResumeJob(ctx context.Context, id schema.JobID, feedback string, creds schema.Credentials) (schema.ResumeJobResponse, error)
	CancelJob(ctx context.Context, id schema.JobID) error
	PurgeJob(ctx context.Context, id schema.JobID, deleteFiles bool) (schema.PurgeJobResponse, error)
	RestoreJob(ctx context.Context, ref schema.JobRef) (schema.RestoreJobResponse, error)
	SubmitApproval(ctx context.Context, id schema.JobID, resp schema.ApprovalResponse) error
}

// Streamer opens the event stream of a job.
type Streamer interface {
	Open(ctx context.Context, jobID schema.JobID, h eventstream.Handler) (io.Closer, error)
}

// StreamerFunc adapts a function to Streamer.
type StreamerFunc func(ctx context.Context, jobID schema.JobID, h eventstream.Handler) (io.Closer, error)

// Open calls f.
func (f StreamerFunc) Open(ctx context.Context, jobID schema.JobID, h eventstream.Handler) (io.Closer, error) {
	return f(ctx, jobID, h)
}

// Transcript is the reconstructor surface the controller feeds.
type Transcript interface {
	HandleFrame(raw []byte)
	Append(msg schema.Message)
	ResetPartial()
	Clear()
	RetainUserEntries()
}

// LeaseHolder reports the cluster held by this session.
type LeaseHolder interface {
	Mine() schema.ClusterName
}

// SnapshotCreator persists the cycle the first time a job is created.
type SnapshotCreator interface {
	CreateForJob(ctx context.Context, job schema.JobRef) error
}

// Listener receives controller events. Calls happen outside controller locks.
type Listener interface {
	OnRunState(ev schema.RunStateEvent)
	OnNotification(n schema.Notification)
	OnApproval(req schema.ApprovalRequest)
}

// Options configures a Controller.
type Options struct {
	API             API
	Streamer        Streamer
	Transcript      Transcript
	Lease           LeaseHolder
	Snapshots       SnapshotCreator
	Listener        Listener
	Mode            schema.ExecutionMode
	ApprovalAgents  []schema.AgentName
	ApprovalTimeout time.Duration
	Logger          pslog.Logger
}

// Controller owns the single active job of a console session.
type Controller struct {
	api        API
	streamer   Streamer
	transcript Transcript
	lease      LeaseHolder
	snapshots  SnapshotCreator
	listener   Listener
	mode       schema.ExecutionMode
	gated      map[schema.AgentName]struct{}
	approvalTO time.Duration
	log        pslog.Logger

	snapGroup singleflight.Group
	approvals sync.WaitGroup

	mu             sync.Mutex
	state          schema.RunState
	job            schema.JobRef
	creds          schema.Credentials
	conn           io.Closer
	gen            uint64
	pauseRequested bool
	terminal       schema.JobStatus
	pending        *schema.ApprovalRequest
	gateSeq        uint64
	snapSeen       map[schema.JobID]struct{}
	closed         bool
}

// New constructs a Controller.
func New(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, errors.New("job api is required")
	}
	if opts.Streamer == nil {
		return nil, errors.New("job streamer is required")
	}
	if opts.Transcript == nil {
		return nil, errors.New("transcript is required")
	}
	listener := opts.Listener
	if listener == nil {
		listener = nopListener{}
	}
	mode := opts.Mode
	if mode == "" {
		mode = schema.ModeFullAuto
	}
	timeout := opts.ApprovalTimeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	gated := make(map[schema.AgentName]struct{}, len(opts.ApprovalAgents))
	for _, agent := range opts.ApprovalAgents {
		if agent = schema.AgentName(strings.TrimSpace(string(agent))); agent != "" {
			gated[agent] = struct{}{}
		}
	}
	return &Controller{
		api:        opts.API,
		streamer:   opts.Streamer,
		transcript: opts.Transcript,
		lease:      opts.Lease,
		snapshots:  opts.Snapshots,
		listener:   listener,
		mode:       mode,
		gated:      gated,
		approvalTO: timeout,
		log:        logger,
		state:      schema.RunIdle,
		snapSeen:   make(map[schema.JobID]struct{}),
	}, nil
}

// SubmitRequest describes a new chaos cycle.
type SubmitRequest struct {
	Form        schema.FormData
	ProjectPath string
	Files       []schema.UploadedFileMeta
	// Instructions overrides Form.Instructions when non-empty.
	Instructions string
}

// Submit creates a job, records the operator entry, creates the cycle snapshot once and starts streaming.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (schema.CreateJobResponse, error) {
	var out schema.CreateJobResponse
	form := req.Form
	if c.lease != nil {
		form.Cluster = c.lease.Mine()
	}
	if form.Cluster == "" {
		c.notify(schema.NotifyError, "Please select a cluster")
		return out, schema.ErrNoLease
	}
	if strings.TrimSpace(req.ProjectPath) == "" {
		c.notify(schema.NotifyError, "Please upload your project")
		return out, schema.ErrEmptyProject
	}
	instructions := strings.TrimSpace(req.Instructions)
	if instructions == "" {
		instructions = strings.TrimSpace(form.Instructions)
	}
	form.Instructions = instructions

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return out, errors.New("job controller closed")
	}
	if Active(c.state) {
		c.mu.Unlock()
		return out, schema.ErrJobActive
	}
	c.creds = schema.Credentials{APIKey: form.APIKey, Model: form.Model}
	creds := c.creds
	c.job = schema.JobRef{}
	ev, changed := c.transitionLocked(TriggerSubmit)
	c.mu.Unlock()
	c.emitState(ev, changed)

	log := logx.WithCluster(c.log, form.Cluster)
	log.Info("job create start", "project", req.ProjectPath, "model", form.Model)
	out, err := c.api.CreateJob(ctx, schema.NewCreateJobRequest(form, req.ProjectPath, instructions), creds)
	if err != nil {
		c.mu.Lock()
		ev, changed := c.transitionLocked(TriggerSubmitFailed)
		c.mu.Unlock()
		c.emitState(ev, changed)
		msg := backend.Detail(err)
		if msg == "" {
			msg = err.Error()
		}
		c.notify(schema.NotifyError, msg)
		log.Warn("job create failed", "err", err)
		return out, fmt.Errorf("create job: %w", err)
	}

	ref := schema.JobRef{JobID: out.JobID, WorkDir: out.WorkDir}
	c.mu.Lock()
	c.job = ref
	c.terminal = ""
	c.pending = nil
	c.pauseRequested = false
	c.mu.Unlock()
	log = logx.WithJob(log, ref)
	log.Info("job create ok")

	if entry, ok := userEntry(req.Files, instructions); ok {
		c.transcript.Append(entry)
	}
	c.notify(schema.NotifySuccess, "Job created: "+string(out.JobID))
	c.ensureSnapshot(ctx, ref)

	if err := c.openStream(ctx, ref.JobID, streamStarted); err != nil {
		return out, err
	}
	return out, nil
}

func userEntry(files []schema.UploadedFileMeta, instructions string) (schema.Message, bool) {
	if len(files) == 0 {
		if instructions == "" {
			return schema.Message{}, false
		}
		return schema.Message{Type: schema.MessageText, Role: schema.RoleUser, Content: instructions}, true
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	parts := []string{"**Project:** " + strings.Join(names, ", ")}
	if instructions != "" {
		parts = append(parts, "**Instructions:**\n"+instructions)
	}
	return schema.Message{Type: schema.MessageText, Role: schema.RoleUser, Content: strings.Join(parts, "\n\n")}, true
}

func (c *Controller) ensureSnapshot(ctx context.Context, ref schema.JobRef) {
	if c.snapshots == nil || ref.JobID == "" {
		return
	}
	_, err, _ := c.snapGroup.Do(string(ref.JobID), func() (any, error) {
		c.mu.Lock()
		_, seen := c.snapSeen[ref.JobID]
		c.mu.Unlock()
		if seen {
			return nil, nil
		}
		if err := c.snapshots.CreateForJob(ctx, ref); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.snapSeen[ref.JobID] = struct{}{}
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		logx.WithJob(c.log, ref).Warn("snapshot create failed", "err", err)
	}
}

// Pause stops streaming immediately and asks the backend to pause. It returns the paused phase.
func (c *Controller) Pause(ctx context.Context) (schema.PauseJobResponse, error) {
	var out schema.PauseJobResponse
	c.mu.Lock()
	job := c.job
	if job.Empty() {
		c.mu.Unlock()
		c.notify(schema.NotifyInfo, "No active job")
		return out, schema.ErrNoJob
	}
	if c.state != schema.RunRunning {
		c.mu.Unlock()
		return out, schema.ErrJobNotRunning
	}
	c.pauseRequested = true
	ev, changed := c.transitionLocked(TriggerPause)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.emitState(ev, changed)
	closeQuietly(conn)

	log := logx.WithJob(c.log, job)
	out, err := c.api.PauseJob(ctx, job.JobID)
	if err != nil {
		log.Warn("job pause failed", "err", err)
		switch {
		case errors.Is(err, schema.ErrNotFound):
			c.notify(schema.NotifyWarning, "Job not found")
			err = fmt.Errorf("%w: %w", schema.ErrJobNotFound, err)
		case errors.Is(err, schema.ErrBadRequest):
			msg := backend.Detail(err)
			if msg == "" {
				msg = schema.ErrJobNotRunning.Error()
			}
			c.notify(schema.NotifyWarning, msg)
			err = fmt.Errorf("%w: %w", schema.ErrJobNotRunning, err)
		default:
			c.notify(schema.NotifyError, "Failed to pause job. Backend may still be processing.")
			err = fmt.Errorf("pause job: %w", err)
		}
		c.reconcile(ctx, job)
		return out, err
	}
	phase := out.CurrentPhase
	if phase == "" {
		phase = "unknown"
	}
	log.Info("job pause ok", "phase", out.CurrentPhase)
	c.notify(schema.NotifySuccess, "Job paused at phase: "+phase)
	return out, nil
}

// reconcile polls the backend after a failed pause so a finished job is not left paused.
func (c *Controller) reconcile(ctx context.Context, job schema.JobRef) {
	info, err := c.api.GetJob(ctx, job.JobID)
	if err != nil {
		logx.WithJob(c.log, job).Debug("job reconcile failed", "err", err)
		return
	}
	if info.Status.Terminal() {
		c.observeTerminal(job.JobID, info.Status, "poll")
	}
}

// Resume continues a paused job. The run state changes only once the backend confirms.
func (c *Controller) Resume(ctx context.Context, feedback string) (schema.ResumeJobResponse, error) {
	var out schema.ResumeJobResponse
	c.mu.Lock()
	job := c.job
	if job.Empty() {
		c.mu.Unlock()
		c.notify(schema.NotifyInfo, "No job to resume")
		return out, schema.ErrNoJob
	}
	if c.state != schema.RunPaused {
		c.mu.Unlock()
		return out, schema.ErrNotPaused
	}
	creds := c.creds
	c.mu.Unlock()

	log := logx.WithJob(c.log, job)
	out, err := c.api.ResumeJob(ctx, job.JobID, strings.TrimSpace(feedback), creds)
	if err != nil {
		msg := backend.Detail(err)
		if msg == "" {
			msg = "Failed to resume job"
		}
		c.notify(schema.NotifyError, msg)
		log.Warn("job resume failed", "err", err)
		return out, fmt.Errorf("resume job: %w", err)
	}

	c.mu.Lock()
	if c.job.JobID != job.JobID || c.state != schema.RunPaused {
		c.mu.Unlock()
		log.Debug("job resume superseded")
		return out, nil
	}
	c.pauseRequested = false
	ev, changed := c.transitionLocked(TriggerResume)
	c.mu.Unlock()
	c.emitState(ev, changed)

	c.transcript.ResetPartial()
	point := schema.ResumePoint(out.ResumeFrom, out.ResumeFromAgent)
	if point == "" {
		point = "beginning"
	}
	log.Info("job resume ok", "from", point)
	c.notify(schema.NotifySuccess, "Resuming from: "+point)
	return out, c.openStream(ctx, job.JobID, streamResumed)
}

// Cancel closes the stream, goes idle and deletes the job on the backend.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	job := c.job
	if job.Empty() {
		c.mu.Unlock()
		return schema.ErrNoJob
	}
	conn := c.conn
	c.conn = nil
	c.recordTerminalLocked(schema.JobCancelled, "cancel")
	ev, changed := c.transitionLocked(TriggerCancel)
	c.mu.Unlock()
	closeQuietly(conn)
	c.emitState(ev, changed)

	log := logx.WithJob(c.log, job)
	if err := c.api.CancelJob(ctx, job.JobID); err != nil {
		log.Warn("job cancel failed", "err", err)
		if errors.Is(err, schema.ErrNotFound) {
			c.notify(schema.NotifyWarning, "Job not found")
			return fmt.Errorf("%w: %w", schema.ErrJobNotFound, err)
		}
		c.notify(schema.NotifyError, "Failed to cancel job")
		return fmt.Errorf("cancel job: %w", err)
	}
	log.Info("job cancel ok")
	c.notify(schema.NotifySuccess, "Job cancelled")
	return nil
}

// Discard drops the current job and transcript for a new cycle.
// A running job is stopped on the backend on a best-effort basis.
func (c *Controller) Discard(ctx context.Context) {
	c.mu.Lock()
	job := c.job
	wasRunning := c.state == schema.RunRunning
	conn := c.conn
	c.conn = nil
	c.gen++
	c.job = schema.JobRef{}
	c.terminal = ""
	c.pending = nil
	c.pauseRequested = false
	ev, changed := c.transitionLocked(TriggerDiscard)
	c.mu.Unlock()
	closeQuietly(conn)

	if wasRunning && !job.Empty() {
		log := logx.WithJob(c.log, job)
		if err := c.api.CancelJob(ctx, job.JobID); err != nil {
			log.Warn("job stop failed", "err", err)
		} else {
			log.Info("job stopped before new cycle")
		}
	}
	c.transcript.Clear()
	c.emitState(ev, changed)
}

// Restore rehydrates a job from disk, by work dir when known, and leaves it paused.
func (c *Controller) Restore(ctx context.Context, ref schema.JobRef) (schema.RestoreJobResponse, error) {
	var out schema.RestoreJobResponse
	if ref.Empty() {
		return out, schema.ErrInvalidRequest
	}
	c.mu.Lock()
	if c.state == schema.RunRunning && c.job.JobID != ref.JobID {
		c.mu.Unlock()
		return out, schema.ErrJobActive
	}
	c.mu.Unlock()

	log := logx.WithJob(c.log, ref)
	out, err := c.api.RestoreJob(ctx, ref)
	if err != nil {
		log.Warn("job restore failed", "err", err)
		return out, fmt.Errorf("restore job: %w", err)
	}
	restored := schema.JobRef{JobID: out.JobID, WorkDir: ref.WorkDir}
	if restored.JobID == "" {
		restored.JobID = ref.JobID
	}
	c.adopt(restored, TriggerRestore)
	log.Info("job restore ok", "phase", out.CurrentPhase, "agent", out.CurrentAgent)
	return out, nil
}

// adopt makes ref the current job and applies trigger.
func (c *Controller) adopt(ref schema.JobRef, trigger Trigger) {
	c.mu.Lock()
	if c.job.JobID != ref.JobID {
		c.terminal = ""
		c.pending = nil
	}
	c.job = ref
	c.pauseRequested = false
	ev, changed := c.transitionLocked(trigger)
	c.mu.Unlock()
	c.emitState(ev, changed)
}

// Purge removes the current job and optionally its artifacts from the backend.
func (c *Controller) Purge(ctx context.Context, deleteFiles bool) (schema.PurgeJobResponse, error) {
	job := c.Job()
	if job.Empty() {
		return schema.PurgeJobResponse{}, schema.ErrNoJob
	}
	return c.PurgeJob(ctx, job.JobID, deleteFiles)
}

// PurgeJob removes any job by id, for example one referenced by a stored snapshot.
func (c *Controller) PurgeJob(ctx context.Context, id schema.JobID, deleteFiles bool) (schema.PurgeJobResponse, error) {
	if id == "" {
		return schema.PurgeJobResponse{}, schema.ErrNoJob
	}
	log := c.log.With("job", id)
	out, err := c.api.PurgeJob(ctx, id, deleteFiles)
	if err != nil {
		log.Warn("job purge failed", "err", err)
		if errors.Is(err, schema.ErrNotFound) {
			return out, fmt.Errorf("%w: %w", schema.ErrJobNotFound, err)
		}
		return out, fmt.Errorf("purge job: %w", err)
	}
	deleted := 0
	for _, f := range out.DeletedFiles {
		if f.Deleted {
			deleted++
		}
	}
	log.Info("job purge ok", "deleted", deleted, "files", len(out.DeletedFiles))
	return out, nil
}

// Report merges the live backend status with local state.
type Report struct {
	Job      schema.JobRef
	State    schema.RunState
	Terminal schema.JobStatus
	Pending  *schema.ApprovalRequest
	Info     *schema.JobInfo
}

// Status polls the backend for the current job and reconciles a terminal status.
func (c *Controller) Status(ctx context.Context) (Report, error) {
	report := c.localReport()
	if report.Job.Empty() {
		return report, schema.ErrNoJob
	}
	info, err := c.api.GetJob(ctx, report.Job.JobID)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return report, fmt.Errorf("%w: %w", schema.ErrJobNotFound, err)
		}
		return report, fmt.Errorf("job status: %w", err)
	}
	if info.Status.Terminal() {
		c.observeTerminal(report.Job.JobID, info.Status, "poll")
	}
	report = c.localReport()
	report.Info = &info
	return report, nil
}

func (c *Controller) localReport() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	report := Report{Job: c.job, State: c.state, Terminal: c.terminal}
	if c.pending != nil {
		req := *c.pending
		report.Pending = &req
	}
	return report
}

// OnJobStatus records terminal statuses carried by bare status frames.
func (c *Controller) OnJobStatus(frame schema.JobStatusFrame) {
	c.mu.Lock()
	job := c.job
	c.mu.Unlock()
	log := logx.WithJob(c.log, job)
	log.Debug("job status frame", "status", frame.Status, "summary", frame.Summary())
	if !frame.Status.Terminal() {
		return
	}
	id := frame.JobID
	if id == "" {
		id = job.JobID
	}
	c.observeTerminal(id, frame.Status, "stream")
}

// observeTerminal applies the first terminal status seen for the current job; later ones are ignored.
func (c *Controller) observeTerminal(id schema.JobID, status schema.JobStatus, source string) {
	c.mu.Lock()
	if id != c.job.JobID {
		c.mu.Unlock()
		return
	}
	if !c.recordTerminalLocked(status, source) {
		c.mu.Unlock()
		return
	}
	ev, changed := c.transitionLocked(TriggerTerminal)
	c.mu.Unlock()
	c.emitState(ev, changed)
}

func (c *Controller) recordTerminalLocked(status schema.JobStatus, source string) bool {
	if c.terminal != "" {
		if c.terminal != status {
			c.log.Debug("job terminal status ignored", "job", c.job.JobID, "first", c.terminal, "status", status, "source", source)
		}
		return false
	}
	c.terminal = status
	c.log.Info("job terminal status", "job", c.job.JobID, "status", status, "source", source)
	return true
}

// SetCredentials replaces the credentials used for resume calls.
func (c *Controller) SetCredentials(creds schema.Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

// State returns the current run state.
func (c *Controller) State() schema.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Job returns the current job reference, empty when none.
func (c *Controller) Job() schema.JobRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

// Close stops streaming and waits for in-flight automatic approvals.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.approvals.Wait()
	return err
}

func (c *Controller) transitionLocked(t Trigger) (schema.RunStateEvent, bool) {
	from := c.state
	to, ok := Next(from, t)
	if !ok {
		c.log.Debug("run state transition rejected", "from", from, "trigger", t)
		return schema.RunStateEvent{}, false
	}
	if to == from {
		return schema.RunStateEvent{}, false
	}
	c.state = to
	return schema.RunStateEvent{JobID: c.job.JobID, From: from, To: to}, true
}

func (c *Controller) emitState(ev schema.RunStateEvent, changed bool) {
	if !changed {
		return
	}
	c.log.Debug("run state changed", "job", ev.JobID, "from", ev.From, "to", ev.To)
	c.listener.OnRunState(ev)
}

func (c *Controller) notify(level schema.NotificationLevel, msg string) {
	c.listener.OnNotification(schema.Notification{Level: level, Message: msg})
}

func closeQuietly(conn io.Closer) {
	if conn != nil {
		_ = conn.Close()
	}
}

type nopListener struct{}

func (nopListener) OnRunState(schema.RunStateEvent) {}

func (nopListener) OnNotification(schema.Notification) {}

func (nopListener) OnApproval(schema.ApprovalRequest) {}
