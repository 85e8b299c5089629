// Package chaosdeck composes the chaos-engineering console: one session per profile, one
// active job, an incrementally rebuilt transcript, a cluster lease and persisted cycles.
package chaosdeck

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"

	"pkt.systems/chaosdeck/internal/appconfig"
	"pkt.systems/chaosdeck/internal/backend"
	"pkt.systems/chaosdeck/internal/eventbus"
	"pkt.systems/chaosdeck/internal/eventstream"
	"pkt.systems/chaosdeck/internal/jobs"
	"pkt.systems/chaosdeck/internal/lease"
	"pkt.systems/chaosdeck/internal/logx"
	"pkt.systems/chaosdeck/internal/persist"
	"pkt.systems/chaosdeck/internal/snapshot"
	"pkt.systems/chaosdeck/internal/snapshotdb"
	"pkt.systems/chaosdeck/internal/stream"
	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// Clock drives the frame scheduler, the snapshot debounce and the pool poller.
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}

// Options configures a Console.
type Options struct {
	Config appconfig.Config
	// Profile overrides Config.Console.Profile.
	Profile schema.ProfileName
	Logger  pslog.Logger
	Clock   Clock
	// Sink receives every console event in addition to the event bus.
	Sink EventSink
	// PollClusters starts the pool poller on Start.
	PollClusters bool
	// KeepLease leaves the cluster lease held when the console closes. The lease is
	// always kept while a job is running or paused.
	KeepLease bool
}

// Console is one operator session.
type Console struct {
	cfg     appconfig.Config
	name    schema.ProfileName
	log     pslog.Logger
	clock   Clock
	events  eventFanout
	bus     *eventbus.Bus
	keep    bool
	polling bool

	client     *backend.Client
	dialer     *eventstream.Dialer
	profiles   *persist.Store
	db         *snapshotdb.DB
	snapshots  *snapshot.Store
	transcript *stream.Reconstructor
	jobs       *jobs.Controller
	lease      *lease.Coordinator

	mu          sync.Mutex
	profile     persist.Profile
	form        schema.FormData
	projectPath string
	files       []schema.UploadedFileMeta
	panel       bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// New wires a console from configuration. It opens the profile and the snapshot database.
func New(opts Options) (*Console, error) {
	cfg := opts.Config
	if err := appconfig.Validate(cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	var clk Clock = clock.RealClock{}
	if opts.Clock != nil {
		clk = opts.Clock
	}
	name := opts.Profile
	if name == "" {
		name = schema.ProfileName(cfg.Console.Profile)
	}
	if name == "" {
		name = persist.DefaultProfile
	}

	profiles, err := persist.NewStoreWithLogger(cfg.ProfileDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	profile, err := profiles.LoadOrInit(name)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", name, err)
	}
	log := logger.With("profile", name, "session", profile.SessionID)

	client, err := backend.New(cfg.Backend.APIBase,
		backend.WithTimeout(seconds(cfg.Backend.RequestTimeoutSeconds)),
		backend.WithLogger(log))
	if err != nil {
		return nil, err
	}
	dialer, err := eventstream.NewDialer(cfg.Backend.APIBase,
		eventstream.WithHandshakeTimeout(seconds(cfg.Backend.HandshakeTimeoutSeconds)),
		eventstream.WithLogger(log))
	if err != nil {
		return nil, err
	}
	db, err := snapshotdb.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	bus := eventbus.New(log)
	c := &Console{
		cfg:      cfg,
		name:     name,
		log:      log,
		clock:    clk,
		events:   eventFanout{sinks: []EventSink{bus, opts.Sink}},
		bus:      bus,
		keep:     opts.KeepLease,
		polling:  opts.PollClusters,
		client:   client,
		dialer:   dialer,
		profiles: profiles,
		db:       db,
		profile:  profile,
		form:     cfg.Form,
	}
	c.form.APIKey = cfg.Backend.APIKey
	if c.form.Cluster == "" {
		c.form.Cluster = profile.Cluster
	}

	c.snapshots, err = snapshot.New(snapshot.Options{
		Repo:     db,
		Clock:    clk,
		Debounce: millis(cfg.Console.SnapshotDebounceMS),
		Logger:   log,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.transcript = stream.NewReconstructor(stream.Options{
		Scheduler: stream.NewFrameScheduler(clk, millis(cfg.Console.FrameFlushMS)),
		Sink:      transcriptSink{c: c},
		Logger:    log,
	})
	c.lease, err = lease.New(lease.Options{
		API:           client,
		Session:       profile.SessionID,
		Clock:         clk,
		Interval:      seconds(cfg.Clusters.PollIntervalSeconds),
		UnloadTimeout: seconds(cfg.Clusters.UnloadTimeoutSeconds),
		Listener:      c,
		Logger:        log,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.jobs, err = jobs.New(jobs.Options{
		API: client,
		Streamer: jobs.StreamerFunc(func(ctx context.Context, id schema.JobID, h eventstream.Handler) (io.Closer, error) {
			conn, err := dialer.Open(ctx, id, h)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
		Transcript:      c.transcript,
		Lease:           c.lease,
		Snapshots:       c,
		Listener:        c,
		Mode:            cfg.Console.Mode(),
		ApprovalAgents:  cfg.Console.Agents(),
		ApprovalTimeout: seconds(cfg.Console.ApprovalTimeoutSeconds),
		Logger:          log,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Start registers the session and, when configured, starts polling the cluster pool.
func (c *Console) Start(ctx context.Context) error {
	if _, err := c.snapshots.EnsureSession(ctx, c.profile.SessionID); err != nil {
		c.log.Warn("console session register failed", "err", err)
	}
	c.log.Info("console started", "api_base", c.client.BaseURL(), "poll_clusters", c.polling)
	if !c.polling {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollCancel != nil {
		return nil
	}
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		c.lease.Run(pollCtx)
	}(c.pollDone)
	return nil
}

// Session returns the session id of the profile.
func (c *Console) Session() schema.SessionID {
	return c.profile.SessionID
}

// Profile returns the persisted profile state.
func (c *Console) Profile() persist.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Jobs exposes the job controller.
func (c *Console) Jobs() *jobs.Controller { return c.jobs }

// Lease exposes the lease coordinator.
func (c *Console) Lease() *lease.Coordinator { return c.lease }

// Snapshots exposes the snapshot store.
func (c *Console) Snapshots() *snapshot.Store { return c.snapshots }

// Subscribe returns a channel of console events.
func (c *Console) Subscribe() (<-chan eventbus.Event, func()) {
	return c.bus.Subscribe()
}

// Transcript returns the current transcript.
func (c *Console) Transcript() []schema.Message {
	return c.transcript.Messages()
}

// FlushTranscript applies queued stream frames now.
func (c *Console) FlushTranscript() {
	c.transcript.Flush()
}

// RunState returns the state of the current job.
func (c *Console) RunState() schema.RunState {
	return c.jobs.State()
}

// RespondApproval answers the gate the current job is waiting on.
func (c *Console) RespondApproval(ctx context.Context, action schema.ApprovalAction, message string) error {
	return c.jobs.RespondApproval(ctx, action, message)
}

// Form returns the cycle configuration.
func (c *Console) Form() schema.FormData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// UpdateForm edits the cycle configuration and queues it for the attached snapshot.
func (c *Console) UpdateForm(fn func(*schema.FormData)) schema.FormData {
	c.mu.Lock()
	fn(&c.form)
	form := c.form
	c.mu.Unlock()
	c.jobs.SetCredentials(schema.Credentials{APIKey: form.APIKey, Model: form.Model})
	redacted := form.Redacted()
	c.snapshots.Update(schema.SnapshotPatch{FormData: &redacted})
	return form
}

// SetProject records the backend project path and the uploaded file names.
func (c *Console) SetProject(path string, files []schema.UploadedFileMeta) {
	c.mu.Lock()
	c.projectPath = strings.TrimSpace(path)
	c.files = append([]schema.UploadedFileMeta(nil), files...)
	projectPath := c.projectPath
	meta := append([]schema.UploadedFileMeta{}, c.files...)
	c.mu.Unlock()
	c.snapshots.Update(schema.SnapshotPatch{BackendProjectPath: &projectPath, UploadedFilesMeta: &meta})
}

// Submit starts a cycle with the current form and project.
func (c *Console) Submit(ctx context.Context, instructions string) (schema.CreateJobResponse, error) {
	c.mu.Lock()
	req := jobs.SubmitRequest{
		Form:         c.form,
		ProjectPath:  c.projectPath,
		Files:        append([]schema.UploadedFileMeta(nil), c.files...),
		Instructions: instructions,
	}
	c.mu.Unlock()
	return c.jobs.Submit(ctx, req)
}

// CreateForJob links a newly created job to the cycle snapshot, creating the snapshot
// when none is attached.
func (c *Console) CreateForJob(ctx context.Context, ref schema.JobRef) error {
	// The operator entry queued by Submit belongs in the first write.
	c.transcript.Flush()
	c.mu.Lock()
	payload := schema.SnapshotPayload{
		Messages:           c.transcript.Messages(),
		PanelVisible:       c.panel,
		BackendProjectPath: c.projectPath,
		UploadedFilesMeta:  append([]schema.UploadedFileMeta{}, c.files...),
		FormData:           c.form,
		JobID:              ref.JobID,
		JobWorkDir:         ref.WorkDir,
	}
	c.mu.Unlock()

	if current := c.snapshots.Current(); current != "" {
		jobID, workDir := ref.JobID, ref.WorkDir
		c.snapshots.Update(schema.SnapshotPatch{JobID: &jobID, JobWorkDir: &workDir})
		return c.snapshots.Flush(ctx)
	}
	title := "Project " + c.clock.Now().Local().Format("2006-01-02 15:04:05")
	snap, err := c.snapshots.Create(ctx, c.profile.SessionID, title, payload)
	if err != nil {
		return err
	}
	c.saveProfile(func(p *persist.Profile) { p.CurrentSnapshotID = snap.ID })
	return nil
}

// NewCycle discards the current job and transcript and resets the form, keeping the
// API key and the cluster. A running job is stopped on a best-effort basis.
func (c *Console) NewCycle(ctx context.Context) error {
	c.jobs.Discard(ctx)
	err := c.snapshots.Detach(ctx)
	c.mu.Lock()
	c.form = c.form.ResetForNewCycle()
	c.projectPath = ""
	c.files = nil
	c.panel = false
	c.mu.Unlock()
	c.saveProfile(func(p *persist.Profile) { p.CurrentSnapshotID = "" })
	c.events.OnTranscript(schema.TranscriptEvent{Revision: c.transcript.Revision()})
	c.log.Info("console new cycle")
	return err
}

// OpenCycle restores a stored cycle and reattaches its job. With follow set a running
// job is streamed again.
func (c *Console) OpenCycle(ctx context.Context, id schema.SnapshotID, follow bool) (jobs.ReattachResult, error) {
	snap, err := c.snapshots.Get(ctx, id)
	if err != nil {
		return jobs.ReattachResult{}, err
	}
	if jobs.Active(c.jobs.State()) && c.jobs.Job().JobID != snap.JobID {
		return jobs.ReattachResult{}, schema.ErrJobActive
	}
	if _, err := c.snapshots.Attach(ctx, id); err != nil {
		return jobs.ReattachResult{}, err
	}
	c.transcript.Load(snap.Messages)
	c.mu.Lock()
	apiKey := c.form.APIKey
	c.form = snap.FormData
	c.form.APIKey = apiKey
	if c.form.Model == "" {
		c.form.Model = schema.DefaultModel
	}
	if mine := c.lease.Mine(); mine != "" {
		c.form.Cluster = mine
	}
	c.projectPath = snap.BackendProjectPath
	c.files = append([]schema.UploadedFileMeta(nil), snap.UploadedFilesMeta...)
	c.panel = snap.PanelVisible
	form := c.form
	c.mu.Unlock()
	c.jobs.SetCredentials(schema.Credentials{APIKey: form.APIKey, Model: form.Model})
	c.saveProfile(func(p *persist.Profile) { p.CurrentSnapshotID = snap.ID })
	c.events.OnTranscript(schema.TranscriptEvent{Messages: c.transcript.Messages(), Revision: c.transcript.Revision()})

	log := logx.WithSnapshot(c.log, snap.ID)
	result, err := c.jobs.Reattach(ctx, snap.JobRef(), follow)
	c.events.OnNotification(schema.Notification{Level: result.Level(), Message: result.Summary(snap.Title)})
	if err != nil {
		log.Warn("cycle open reattach failed", "err", err)
		return result, err
	}
	if result.Outcome == jobs.OutcomeRestored && result.Job.JobID != snap.JobID {
		jobID := result.Job.JobID
		c.snapshots.Update(schema.SnapshotPatch{JobID: &jobID})
	}
	log.Info("cycle open ok", "outcome", result.Outcome)
	return result, nil
}

// RestoreCycle rehydrates the job of a stored cycle from its work dir, leaving it paused,
// and attaches the cycle.
func (c *Console) RestoreCycle(ctx context.Context, id schema.SnapshotID) (schema.RestoreJobResponse, error) {
	snap, err := c.snapshots.Get(ctx, id)
	if err != nil {
		return schema.RestoreJobResponse{}, err
	}
	if snap.JobRef().Empty() {
		return schema.RestoreJobResponse{}, fmt.Errorf("%w: cycle has no job", schema.ErrInvalidRequest)
	}
	resp, err := c.jobs.Restore(ctx, snap.JobRef())
	if err != nil {
		return resp, err
	}
	if _, err := c.snapshots.Attach(ctx, id); err != nil {
		return resp, err
	}
	if resp.JobID != "" && resp.JobID != snap.JobID {
		jobID := resp.JobID
		c.snapshots.Update(schema.SnapshotPatch{JobID: &jobID})
	}
	c.saveProfile(func(p *persist.Profile) { p.CurrentSnapshotID = id })
	return resp, c.snapshots.Flush(ctx)
}

// ListCycles returns the session's cycles, newest first.
func (c *Console) ListCycles(ctx context.Context) ([]schema.Snapshot, error) {
	return c.snapshots.List(ctx, c.profile.SessionID)
}

// RenameCycle changes a cycle title.
func (c *Console) RenameCycle(ctx context.Context, id schema.SnapshotID, title string) (schema.Snapshot, error) {
	return c.snapshots.Rename(ctx, id, title)
}

// DeleteCycle removes a stored cycle.
func (c *Console) DeleteCycle(ctx context.Context, id schema.SnapshotID) error {
	if err := c.snapshots.Delete(ctx, id); err != nil {
		return err
	}
	c.saveProfile(func(p *persist.Profile) {
		if p.CurrentSnapshotID == id {
			p.CurrentSnapshotID = ""
		}
	})
	return nil
}

// ClearCycles removes every stored cycle of the session.
func (c *Console) ClearCycles(ctx context.Context) (int64, error) {
	n, err := c.snapshots.Clear(ctx, c.profile.SessionID)
	if err != nil {
		return 0, err
	}
	c.saveProfile(func(p *persist.Profile) { p.CurrentSnapshotID = "" })
	return n, nil
}

// ClaimCluster claims a cluster for the session and selects it in the form.
func (c *Console) ClaimCluster(ctx context.Context, preferred schema.ClusterName) (schema.ClaimClusterResponse, error) {
	if preferred == "" {
		preferred = schema.ClusterName(c.cfg.Clusters.Preferred)
	}
	resp, err := c.lease.Claim(ctx, preferred)
	if err != nil {
		return resp, err
	}
	c.selectCluster(resp.Cluster)
	return resp, nil
}

// ReleaseCluster drops the session's lease.
func (c *Console) ReleaseCluster(ctx context.Context) {
	c.lease.Release(ctx)
	c.selectCluster("")
}

func (c *Console) selectCluster(name schema.ClusterName) {
	c.mu.Lock()
	changed := c.form.Cluster != name
	c.form.Cluster = name
	form := c.form.Redacted()
	c.mu.Unlock()
	c.saveProfile(func(p *persist.Profile) { p.Cluster = name })
	if changed {
		c.snapshots.Update(schema.SnapshotPatch{FormData: &form})
	}
}

func (c *Console) saveProfile(fn func(*persist.Profile)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.profile
	fn(&next)
	if next == c.profile {
		return
	}
	if err := c.profiles.Save(c.name, next); err != nil {
		c.log.Warn("console profile save failed", "err", err)
		return
	}
	c.profile = next
}

// Close stops polling and streaming, flushes pending cycle writes and closes the
// database. The lease is released unless it is kept or a job still needs it.
func (c *Console) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Console) close(ctx context.Context) error {
	var result *multierror.Error
	c.mu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	active := jobs.Active(c.jobs.State())
	if err := c.jobs.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close jobs: %w", err))
	}
	c.transcript.Close()
	if !c.keep && !active && c.lease.Mine() != "" {
		c.lease.OnUnload(ctx)
	}
	if err := c.snapshots.Flush(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush snapshots: %w", err))
	}
	c.snapshots.Close()
	if err := c.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close snapshot database: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		c.log.Warn("console close failed", "err", err)
		return err
	}
	c.log.Debug("console closed")
	return nil
}

// OnRunState implements jobs.Listener.
func (c *Console) OnRunState(ev schema.RunStateEvent) {
	c.events.OnRunState(ev)
}

// OnNotification implements jobs.Listener and lease.Listener.
func (c *Console) OnNotification(n schema.Notification) {
	c.events.OnNotification(n)
}

// OnApproval implements jobs.Listener.
func (c *Console) OnApproval(req schema.ApprovalRequest) {
	c.events.OnApproval(req)
}

// OnPool implements lease.Listener. A lease reported by the backend becomes the form cluster.
func (c *Console) OnPool(ev schema.PoolEvent) {
	if mine := ev.Pool.Mine; mine != "" {
		c.selectCluster(mine)
	}
	c.events.OnPool(ev)
}

// transcriptSink routes reconstructor flushes: transcript revisions go to the attached
// snapshot and subscribers, gates and status frames to the job controller.
type transcriptSink struct {
	c *Console
}

func (s transcriptSink) OnTranscript(ev schema.TranscriptEvent) {
	msgs := schema.VisibleMessages(ev.Messages)
	s.c.snapshots.Update(schema.SnapshotPatch{Messages: &msgs})
	s.c.events.OnTranscript(ev)
}

func (s transcriptSink) OnApproval(req schema.ApprovalRequest) {
	s.c.jobs.OnApproval(req)
}

func (s transcriptSink) OnApprovalClosed(req schema.ApprovalRequest) {
	s.c.jobs.OnApprovalClosed(req)
}

func (s transcriptSink) OnJobStatus(frame schema.JobStatusFrame) {
	s.c.jobs.OnJobStatus(frame)
}
