package jobs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/chaosdeck/internal/backend"
	"pkt.systems/chaosdeck/internal/eventstream"
	"pkt.systems/chaosdeck/internal/stream"
	"pkt.systems/chaosdeck/schema"
)

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.lease.cluster = ""
	_, err := h.ctrl.Submit(context.Background(), SubmitRequest{Form: schema.DefaultFormData(), ProjectPath: "/uploads/p1", Instructions: "ping"})
	if !errors.Is(err, schema.ErrNoLease) {
		t.Fatalf("expected ErrNoLease, got %v", err)
	}
	h.lease.cluster = "c1"
	_, err = h.ctrl.Submit(context.Background(), SubmitRequest{Form: schema.DefaultFormData(), Instructions: "ping"})
	if !errors.Is(err, schema.ErrEmptyProject) {
		t.Fatalf("expected ErrEmptyProject, got %v", err)
	}
	if calls := h.api.callCount("create"); calls != 0 {
		t.Fatalf("expected no create calls, got %d", calls)
	}
	if h.ctrl.State() != schema.RunIdle {
		t.Fatalf("expected idle, got %s", h.ctrl.State())
	}
}

func TestSubmitStreamsToCompletion(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	form := schema.DefaultFormData()
	form.APIKey = "sk-test"
	resp, err := h.ctrl.Submit(context.Background(), SubmitRequest{Form: form, ProjectPath: "/uploads/p1", Instructions: "ping"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.JobID != "j1" || h.ctrl.State() != schema.RunRunning {
		t.Fatalf("unexpected submit result %+v state=%s", resp, h.ctrl.State())
	}
	req, creds := h.api.lastCreate()
	if req.KubeContext != "c1" || req.Instructions != "ping" || creds.APIKey != "sk-test" {
		t.Fatalf("unexpected create request %+v creds=%+v", req, creds)
	}

	sh := h.streamer.handler(t, 0)
	sh.OnFrame([]byte(`{"type":"event","event":{"type":"write","text":"starting"}}`))
	sh.OnFrame([]byte(`{"type":"event","event":{"type":"partial","partial":"result: ","final":false}}`))
	sh.OnFrame([]byte(`{"type":"event","event":{"type":"partial","partial":"ok","final":true}}`))
	sh.OnClose()
	h.transcript.Flush()

	got := contents(schema.VisibleMessages(h.transcript.Messages()))
	if strings.Join(got, "|") != "ping|starting|result: ok" {
		t.Fatalf("unexpected transcript %q", got)
	}
	all := h.transcript.Messages()
	if all[0].Role != schema.RoleUser {
		t.Fatalf("expected user entry first, got %+v", all[0])
	}
	if all[1].Type != schema.MessageStatus || all[1].Content != StatusStarted {
		t.Fatalf("expected connected status, got %+v", all[1])
	}
	if last := all[len(all)-1]; last.Content != StatusClosed {
		t.Fatalf("expected stream closed status, got %+v", last)
	}
	if h.ctrl.State() != schema.RunCompleted {
		t.Fatalf("expected completed, got %s", h.ctrl.State())
	}
	if h.snapshots.count() != 1 {
		t.Fatalf("expected one snapshot, got %d", h.snapshots.count())
	}
	if !h.listener.hasNotification("Job created: j1") {
		t.Fatalf("expected job created notification, got %+v", h.listener.notifications())
	}
}

func TestSubmitRejectsActiveJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	_, err := h.ctrl.Submit(context.Background(), SubmitRequest{Form: schema.DefaultFormData(), ProjectPath: "/uploads/p1"})
	if !errors.Is(err, schema.ErrJobActive) {
		t.Fatalf("expected ErrJobActive, got %v", err)
	}
	if calls := h.api.callCount("create"); calls != 1 {
		t.Fatalf("expected one create call, got %d", calls)
	}
}

func TestSubmitFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.api.createErr = &backend.APIError{StatusCode: http.StatusInternalServerError, Detail: "model unavailable"}
	_, err := h.ctrl.Submit(context.Background(), SubmitRequest{Form: schema.DefaultFormData(), ProjectPath: "/uploads/p1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if h.ctrl.State() != schema.RunIdle {
		t.Fatalf("expected idle, got %s", h.ctrl.State())
	}
	if !h.listener.hasNotification("model unavailable") {
		t.Fatalf("expected backend detail notification, got %+v", h.listener.notifications())
	}
	if h.streamer.opened() != 0 {
		t.Fatalf("stream should not open after failure")
	}
}

func TestSnapshotCreatedOncePerJob(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, harnessOptions{})
	h.snapshots.block = release
	ref := schema.JobRef{JobID: "j1"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.ensureSnapshot(context.Background(), ref)
		}()
	}
	waitFor(t, time.Second, func() bool { return h.snapshots.started() == 1 })
	close(release)
	wg.Wait()
	h.ctrl.ensureSnapshot(context.Background(), ref)
	if got := h.snapshots.count(); got != 1 {
		t.Fatalf("expected one snapshot creation, got %d", got)
	}
}

func TestPause(t *testing.T) {
	tests := []struct {
		name      string
		pauseErr  error
		info      schema.JobInfo
		wantErr   error
		wantState schema.RunState
		wantNote  string
	}{
		{name: "ok", wantState: schema.RunPaused, wantNote: "Job paused at phase: experiment"},
		{name: "not found", pauseErr: &backend.APIError{StatusCode: http.StatusNotFound, Detail: "Job not found"}, info: schema.JobInfo{Status: schema.JobRunning}, wantErr: schema.ErrJobNotFound, wantState: schema.RunPaused, wantNote: "Job not found"},
		{name: "not running", pauseErr: &backend.APIError{StatusCode: http.StatusBadRequest, Detail: "Job is in status completed"}, info: schema.JobInfo{Status: schema.JobRunning}, wantErr: schema.ErrJobNotRunning, wantState: schema.RunPaused, wantNote: "Job is in status completed"},
		{name: "reconciled terminal", pauseErr: &backend.APIError{StatusCode: http.StatusBadRequest}, info: schema.JobInfo{Status: schema.JobCompleted}, wantErr: schema.ErrJobNotRunning, wantState: schema.RunCompleted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			h.api.pauseErr = tc.pauseErr
			h.api.pauseResp = schema.PauseJobResponse{CurrentPhase: "experiment"}
			h.api.info = tc.info
			h.submit(t)
			conn := h.streamer.conn(t, 0)

			_, err := h.ctrl.Pause(context.Background())
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Pause: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if !conn.isClosed() {
				t.Fatalf("expected stream closed on pause")
			}
			if got := h.ctrl.State(); got != tc.wantState {
				t.Fatalf("expected %s, got %s", tc.wantState, got)
			}
			if tc.wantNote != "" && !h.listener.hasNotification(tc.wantNote) {
				t.Fatalf("expected notification %q, got %+v", tc.wantNote, h.listener.notifications())
			}
		})
	}
}

func TestStreamCloseAfterPauseStaysPaused(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	sh := h.streamer.handler(t, 0)
	if _, err := h.ctrl.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	sh.OnClose()
	if h.ctrl.State() != schema.RunPaused {
		t.Fatalf("expected paused, got %s", h.ctrl.State())
	}
}

func TestResumeChangesStateOnlyAfterConfirmation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	if _, err := h.ctrl.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.api.resumeErr = &backend.APIError{StatusCode: http.StatusBadRequest, Detail: "Job is not paused"}
	if _, err := h.ctrl.Resume(context.Background(), "try harder"); err == nil {
		t.Fatalf("expected resume error")
	}
	if h.ctrl.State() != schema.RunPaused {
		t.Fatalf("expected paused after failed resume, got %s", h.ctrl.State())
	}

	h.api.resumeErr = nil
	h.api.resumeResp = schema.ResumeJobResponse{ResumeFrom: "experiment", ResumeFromAgent: "runner"}
	if _, err := h.ctrl.Resume(context.Background(), "try harder"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.ctrl.State() != schema.RunRunning {
		t.Fatalf("expected running, got %s", h.ctrl.State())
	}
	if h.api.lastFeedback() != "try harder" {
		t.Fatalf("feedback not forwarded")
	}
	if h.streamer.opened() != 2 {
		t.Fatalf("expected a second stream, got %d", h.streamer.opened())
	}
	if !h.listener.hasNotification("Resuming from: experiment/runner") {
		t.Fatalf("expected resume notification, got %+v", h.listener.notifications())
	}

	stale := h.streamer.handler(t, 0)
	stale.OnClose()
	if h.ctrl.State() != schema.RunRunning {
		t.Fatalf("stale connection changed state to %s", h.ctrl.State())
	}
	h.transcript.Flush()
	msgs := h.transcript.Messages()
	if last := msgs[len(msgs)-1]; last.Content != StatusResumed {
		t.Fatalf("expected resumed status last, got %+v", last)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if _, err := h.ctrl.Resume(context.Background(), ""); !errors.Is(err, schema.ErrNoJob) {
		t.Fatalf("expected ErrNoJob, got %v", err)
	}
	h.submit(t)
	if _, err := h.ctrl.Resume(context.Background(), ""); !errors.Is(err, schema.ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestCancelGoesIdleBeforeBackendCall(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	conn := h.streamer.conn(t, 0)
	h.api.onCancel = func() {
		if h.ctrl.State() != schema.RunIdle {
			t.Errorf("expected idle before cancel call, got %s", h.ctrl.State())
		}
		if !conn.isClosed() {
			t.Errorf("expected stream closed before cancel call")
		}
	}
	if err := h.ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.streamer.handler(t, 0).OnClose()
	if h.ctrl.State() != schema.RunIdle {
		t.Fatalf("expected idle after close, got %s", h.ctrl.State())
	}
}

func TestFirstTerminalStatusWins(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	if err := h.ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.ctrl.OnJobStatus(schema.JobStatusFrame{Status: schema.JobCompleted})
	if h.ctrl.State() != schema.RunIdle {
		t.Fatalf("later terminal status changed state to %s", h.ctrl.State())
	}
	h.api.info = schema.JobInfo{Status: schema.JobFailed}
	report, err := h.ctrl.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Terminal != schema.JobCancelled || report.Info == nil || report.Info.Status != schema.JobFailed {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestStreamTerminalFrameCompletesJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	h.ctrl.OnJobStatus(schema.JobStatusFrame{Status: schema.JobFailed, Message: "boom"})
	if h.ctrl.State() != schema.RunCompleted {
		t.Fatalf("expected completed, got %s", h.ctrl.State())
	}
	h.ctrl.OnJobStatus(schema.JobStatusFrame{Status: schema.JobRunning})
	if h.ctrl.State() != schema.RunCompleted {
		t.Fatalf("non-terminal frame changed state")
	}
}

func TestStreamOpenFailureCompletes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.streamer.err = errors.New("dial refused")
	_, err := h.ctrl.Submit(context.Background(), SubmitRequest{Form: schema.DefaultFormData(), ProjectPath: "/uploads/p1"})
	if err == nil {
		t.Fatalf("expected stream error")
	}
	h.transcript.Flush()
	msgs := h.transcript.Messages()
	if len(msgs) != 2 || msgs[0].Content != StatusError || msgs[1].Content != StatusClosed {
		t.Fatalf("unexpected transcript %+v", msgs)
	}
	if h.ctrl.State() != schema.RunCompleted {
		t.Fatalf("expected completed, got %s", h.ctrl.State())
	}
}

func TestDiscardStopsRunningJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	h.ctrl.Discard(context.Background())
	if h.api.callCount("cancel") != 1 {
		t.Fatalf("expected best-effort cancel")
	}
	if !h.ctrl.Job().Empty() || h.ctrl.State() != schema.RunIdle {
		t.Fatalf("expected cleared job, got %+v %s", h.ctrl.Job(), h.ctrl.State())
	}
	if len(h.transcript.Messages()) != 0 {
		t.Fatalf("expected cleared transcript")
	}
	h.streamer.handler(t, 0).OnClose()
	h.transcript.Flush()
	if len(h.transcript.Messages()) != 0 {
		t.Fatalf("stale stream close leaked into the new cycle")
	}
}

func TestDiscardPausedJobSkipsCancel(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.submit(t)
	if _, err := h.ctrl.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.ctrl.Discard(context.Background())
	if h.api.callCount("cancel") != 0 {
		t.Fatalf("paused job should not be cancelled on discard")
	}
}

func TestReattach(t *testing.T) {
	notFound := &backend.APIError{StatusCode: http.StatusNotFound, Detail: "Job not found"}
	tests := []struct {
		name       string
		ref        schema.JobRef
		info       schema.JobInfo
		getErr     error
		restoreErr error
		follow     bool
		want       Outcome
		wantState  schema.RunState
		wantErr    bool
		summary    string
		streams    int
	}{
		{name: "no job", want: OutcomeNoJob, wantState: schema.RunIdle, summary: "Restored: t"},
		{name: "paused", ref: schema.JobRef{JobID: "j1"}, info: schema.JobInfo{Status: schema.JobPaused, CurrentPhase: "experiment", CurrentAgent: "runner"}, want: OutcomePaused, wantState: schema.RunPaused, summary: "Restored: t (paused at experiment/runner)"},
		{name: "running follow", ref: schema.JobRef{JobID: "j1"}, info: schema.JobInfo{Status: schema.JobRunning}, follow: true, want: OutcomeRunning, wantState: schema.RunRunning, summary: "Restored: t (running)", streams: 1},
		{name: "running detached", ref: schema.JobRef{JobID: "j1"}, info: schema.JobInfo{Status: schema.JobRunning}, want: OutcomeRunning, wantState: schema.RunRunning, summary: "Restored: t (running)"},
		{name: "completed", ref: schema.JobRef{JobID: "j1"}, info: schema.JobInfo{Status: schema.JobCompleted}, want: OutcomeCompleted, wantState: schema.RunCompleted, summary: "Restored: t (completed)"},
		{name: "restored", ref: schema.JobRef{JobID: "j1", WorkDir: "/sandbox/j1"}, getErr: notFound, want: OutcomeRestored, wantState: schema.RunPaused, summary: "Restored: t (resume from experiment)"},
		{name: "unrecoverable", ref: schema.JobRef{JobID: "j1"}, getErr: notFound, restoreErr: notFound, want: OutcomeUnrecoverable, wantState: schema.RunIdle, summary: "Restored: t (job not recoverable)"},
		{name: "check failed", ref: schema.JobRef{JobID: "j1"}, getErr: errors.New("connection refused"), want: OutcomeCheckFailed, wantState: schema.RunIdle, wantErr: true, summary: "Restored: t (job check failed)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			h.api.info = tc.info
			h.api.getErr = tc.getErr
			h.api.restoreErr = tc.restoreErr
			h.api.restoreResp = schema.RestoreJobResponse{JobID: "j1", CurrentPhase: "experiment"}
			h.transcript.Load([]schema.Message{
				{Type: schema.MessageText, Role: schema.RoleUser, Content: "ping"},
				{Type: schema.MessageText, Role: schema.RoleAssistant, Content: "old"},
			})

			res, err := h.ctrl.Reattach(context.Background(), tc.ref, tc.follow)
			if tc.wantErr != (err != nil) {
				t.Fatalf("unexpected error %v", err)
			}
			if res.Outcome != tc.want {
				t.Fatalf("expected outcome %s, got %s", tc.want, res.Outcome)
			}
			if got := h.ctrl.State(); got != tc.wantState {
				t.Fatalf("expected %s, got %s", tc.wantState, got)
			}
			if got := res.Summary("t"); got != tc.summary {
				t.Fatalf("summary = %q, want %q", got, tc.summary)
			}
			if got := h.streamer.opened(); got != tc.streams {
				t.Fatalf("expected %d streams, got %d", tc.streams, got)
			}
			if tc.follow {
				h.transcript.Flush()
				got := contents(schema.VisibleMessages(h.transcript.Messages()))
				if strings.Join(got, "|") != "ping" {
					t.Fatalf("expected assistant entries dropped before replay, got %q", got)
				}
			}
		})
	}
}

func TestApprovalAutoApprovesUngatedAgents(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: schema.ModeInteractive, agents: []schema.AgentName{"experiment_planner"}})
	h.submit(t)
	h.ctrl.OnApproval(schema.ApprovalRequest{Agent: "hypothesis"})
	select {
	case resp := <-h.api.approvals:
		if resp.Action != schema.ApprovalApprove {
			t.Fatalf("expected approve, got %s", resp.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("auto approval not sent")
	}
	if _, ok := h.ctrl.PendingApproval(); ok {
		t.Fatalf("ungated agent should not be pending")
	}
}

func TestApprovalGatedAgentWaitsForOperator(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: schema.ModeInteractive, agents: []schema.AgentName{"experiment_planner"}})
	h.submit(t)
	if err := h.ctrl.RespondApproval(context.Background(), schema.ApprovalApprove, ""); !errors.Is(err, schema.ErrNoApprovalPending) {
		t.Fatalf("expected ErrNoApprovalPending, got %v", err)
	}
	h.ctrl.OnApproval(schema.ApprovalRequest{Agent: "experiment_planner", Phase: "experiment"})
	pending, ok := h.ctrl.PendingApproval()
	if !ok || pending.JobID != "j1" {
		t.Fatalf("expected pending approval for j1, got %+v", pending)
	}
	if len(h.listener.approvalRequests()) != 1 {
		t.Fatalf("expected listener approval")
	}
	if err := h.ctrl.RespondApproval(context.Background(), "maybe", ""); !errors.Is(err, schema.ErrInvalidApproval) {
		t.Fatalf("expected ErrInvalidApproval, got %v", err)
	}
	if err := h.ctrl.RespondApproval(context.Background(), schema.ApprovalRetry, "use fewer pods"); err != nil {
		t.Fatalf("RespondApproval: %v", err)
	}
	resp := <-h.api.approvals
	if resp.Action != schema.ApprovalRetry || resp.Message != "use fewer pods" {
		t.Fatalf("unexpected approval response %+v", resp)
	}
	if _, ok := h.ctrl.PendingApproval(); ok {
		t.Fatalf("approval should be cleared")
	}
}

func TestReattachReplayIgnoresAnsweredGates(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: schema.ModeInteractive, agents: []schema.AgentName{"experiment_planner"}, routeControl: true})
	h.api.info = schema.JobInfo{Status: schema.JobRunning}
	if _, err := h.ctrl.Reattach(context.Background(), schema.JobRef{JobID: "j1"}, true); err != nil {
		t.Fatalf("Reattach: %v", err)
	}
	replay := h.streamer.handler(t, 0)
	for _, raw := range []string{
		`{"type":"event","event":{"type":"agent_start","agent":"hypothesis"}}`,
		`{"type":"event","event":{"type":"approval_request","agent":"hypothesis","phase":"hypothesis"}}`,
		`{"type":"event","event":{"type":"agent_start","agent":"experiment_planner"}}`,
		`{"type":"event","event":{"type":"approval_request","agent":"experiment_planner","phase":"experiment"}}`,
		`{"type":"event","event":{"type":"agent_start","agent":"analysis"}}`,
		`{"type":"event","event":{"type":"write","text":"analysing"}}`,
	} {
		replay.OnFrame([]byte(raw))
	}
	h.transcript.Flush()

	if req, ok := h.ctrl.PendingApproval(); ok {
		t.Fatalf("answered gate left pending: %+v", req)
	}
	if n := h.api.callCount("approval"); n != 0 {
		t.Fatalf("expected no approvals posted for replayed gates, got %d", n)
	}
	if len(h.listener.approvalRequests()) != 0 {
		t.Fatalf("replayed gates must not reach the listener")
	}
	if err := h.ctrl.RespondApproval(context.Background(), schema.ApprovalApprove, ""); !errors.Is(err, schema.ErrNoApprovalPending) {
		t.Fatalf("expected ErrNoApprovalPending, got %v", err)
	}

	replay.OnFrame([]byte(`{"type":"event","event":{"type":"approval_request","agent":"experiment_planner","phase":"experiment"}}`))
	h.transcript.Flush()
	if req, ok := h.ctrl.PendingApproval(); !ok || req.Agent != "experiment_planner" {
		t.Fatalf("expected the newest gate pending, got %+v %v", req, ok)
	}
}

func TestApprovalClosedClearsPending(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: schema.ModeInteractive, agents: []schema.AgentName{"experiment_planner"}})
	h.submit(t)
	h.ctrl.OnApproval(schema.ApprovalRequest{Agent: "experiment_planner", Phase: "experiment"})
	h.ctrl.OnApprovalClosed(schema.ApprovalRequest{Agent: "hypothesis", Phase: "hypothesis"})
	if _, ok := h.ctrl.PendingApproval(); !ok {
		t.Fatalf("closing another gate must keep the pending one")
	}
	h.ctrl.OnApprovalClosed(schema.ApprovalRequest{Agent: "experiment_planner", Phase: "experiment"})
	if _, ok := h.ctrl.PendingApproval(); ok {
		t.Fatalf("expected pending gate cleared")
	}
	if err := h.ctrl.RespondApproval(context.Background(), schema.ApprovalApprove, ""); !errors.Is(err, schema.ErrNoApprovalPending) {
		t.Fatalf("expected ErrNoApprovalPending, got %v", err)
	}
}

func TestPurgeJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if _, err := h.ctrl.Purge(context.Background(), true); !errors.Is(err, schema.ErrNoJob) {
		t.Fatalf("expected ErrNoJob, got %v", err)
	}
	h.api.purgeResp = schema.PurgeJobResponse{DeletedFiles: []schema.DeletedFile{{Path: "/sandbox/j9", Deleted: true}}}
	out, err := h.ctrl.PurgeJob(context.Background(), "j9", true)
	if err != nil {
		t.Fatalf("PurgeJob: %v", err)
	}
	if len(out.DeletedFiles) != 1 {
		t.Fatalf("unexpected purge result %+v", out)
	}
}

func TestUserEntry(t *testing.T) {
	if _, ok := userEntry(nil, ""); ok {
		t.Fatalf("expected no entry")
	}
	msg, _ := userEntry(nil, "ping")
	if msg.Content != "ping" || msg.Role != schema.RoleUser {
		t.Fatalf("unexpected entry %+v", msg)
	}
	msg, _ = userEntry([]schema.UploadedFileMeta{{Name: "a.yaml"}, {Name: "b.yaml"}}, "ping")
	if msg.Content != "**Project:** a.yaml, b.yaml\n\n**Instructions:**\nping" {
		t.Fatalf("unexpected entry %q", msg.Content)
	}
}

func TestStateTable(t *testing.T) {
	tests := []struct {
		from schema.RunState
		on   Trigger
		to   schema.RunState
		ok   bool
	}{
		{schema.RunIdle, TriggerSubmit, schema.RunRunning, true},
		{schema.RunRunning, TriggerPause, schema.RunPaused, true},
		{schema.RunPaused, TriggerResume, schema.RunRunning, true},
		{schema.RunRunning, TriggerStreamClose, schema.RunCompleted, true},
		{schema.RunPaused, TriggerStreamClose, schema.RunPaused, true},
		{schema.RunPaused, TriggerCancel, schema.RunIdle, true},
		{schema.RunPaused, TriggerRestore, schema.RunPaused, true},
		{schema.RunRunning, TriggerTerminal, schema.RunCompleted, true},
		{schema.RunIdle, TriggerPause, "", false},
		{schema.RunRunning, TriggerSubmit, "", false},
		{schema.RunCompleted, TriggerResume, "", false},
	}
	for _, tc := range tests {
		to, ok := Next(tc.from, tc.on)
		if ok != tc.ok || to != tc.to {
			t.Fatalf("Next(%s, %s) = %s,%v want %s,%v", tc.from, tc.on, to, ok, tc.to, tc.ok)
		}
	}
}

// harness

type harnessOptions struct {
	mode   schema.ExecutionMode
	agents []schema.AgentName
	// routeControl sends gates and status frames from the transcript to the controller.
	routeControl bool
}

type harness struct {
	ctrl       *Controller
	api        *fakeAPI
	streamer   *fakeStreamer
	transcript *stream.Reconstructor
	lease      *fakeLease
	snapshots  *fakeSnapshots
	listener   *recordingListener
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	sink := &controlSink{}
	var transcriptSink stream.Sink
	if opts.routeControl {
		transcriptSink = sink
	}
	h := &harness{
		api:        newFakeAPI(),
		streamer:   &fakeStreamer{},
		transcript: stream.NewReconstructor(stream.Options{Scheduler: idleScheduler{}, Sink: transcriptSink}),
		lease:      &fakeLease{cluster: "c1"},
		snapshots:  &fakeSnapshots{},
		listener:   &recordingListener{},
	}
	ctrl, err := New(Options{
		API:            h.api,
		Streamer:       h.streamer,
		Transcript:     h.transcript,
		Lease:          h.lease,
		Snapshots:      h.snapshots,
		Listener:       h.listener,
		Mode:           opts.mode,
		ApprovalAgents: opts.agents,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	h.ctrl = ctrl
	sink.ctrl = ctrl
	return h
}

type controlSink struct {
	ctrl *Controller
}

func (s *controlSink) OnTranscript(schema.TranscriptEvent) {}

func (s *controlSink) OnApproval(req schema.ApprovalRequest) { s.ctrl.OnApproval(req) }

func (s *controlSink) OnApprovalClosed(req schema.ApprovalRequest) { s.ctrl.OnApprovalClosed(req) }

func (s *controlSink) OnJobStatus(frame schema.JobStatusFrame) { s.ctrl.OnJobStatus(frame) }

func (h *harness) submit(t *testing.T) {
	t.Helper()
	if _, err := h.ctrl.Submit(context.Background(), SubmitRequest{Form: schema.DefaultFormData(), ProjectPath: "/uploads/p1", Instructions: "ping"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

type idleScheduler struct{}

func (idleScheduler) Schedule(func()) func() { return func() {} }

type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	create   schema.CreateJobRequest
	creds    schema.Credentials
	feedback string
	onCancel func()

	createErr   error
	info        schema.JobInfo
	getErr      error
	pauseResp   schema.PauseJobResponse
	pauseErr    error
	resumeResp  schema.ResumeJobResponse
	resumeErr   error
	purgeResp   schema.PurgeJobResponse
	restoreResp schema.RestoreJobResponse
	restoreErr  error
	approvals   chan schema.ApprovalResponse
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: map[string]int{}, approvals: make(chan schema.ApprovalResponse, 8)}
}

func (f *fakeAPI) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeAPI) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) lastCreate() (schema.CreateJobRequest, schema.Credentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.create, f.creds
}

func (f *fakeAPI) lastFeedback() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feedback
}

func (f *fakeAPI) CreateJob(_ context.Context, req schema.CreateJobRequest, creds schema.Credentials) (schema.CreateJobResponse, error) {
	f.record("create")
	f.mu.Lock()
	f.create, f.creds = req, creds
	f.mu.Unlock()
	if f.createErr != nil {
		return schema.CreateJobResponse{}, f.createErr
	}
	return schema.CreateJobResponse{JobID: "j1", WorkDir: "/sandbox/j1"}, nil
}

func (f *fakeAPI) GetJob(context.Context, schema.JobID) (schema.JobInfo, error) {
	f.record("get")
	return f.info, f.getErr
}

func (f *fakeAPI) PauseJob(context.Context, schema.JobID) (schema.PauseJobResponse, error) {
	f.record("pause")
	return f.pauseResp, f.pauseErr
}

func (f *fakeAPI) ResumeJob(_ context.Context, _ schema.JobID, feedback string, _ schema.Credentials) (schema.ResumeJobResponse, error) {
	f.record("resume")
	f.mu.Lock()
	f.feedback = feedback
	f.mu.Unlock()
	return f.resumeResp, f.resumeErr
}

func (f *fakeAPI) CancelJob(context.Context, schema.JobID) error {
	f.record("cancel")
	if f.onCancel != nil {
		f.onCancel()
	}
	return nil
}

func (f *fakeAPI) PurgeJob(context.Context, schema.JobID, bool) (schema.PurgeJobResponse, error) {
	f.record("purge")
	return f.purgeResp, nil
}

func (f *fakeAPI) RestoreJob(context.Context, schema.JobRef) (schema.RestoreJobResponse, error) {
	f.record("restore")
	return f.restoreResp, f.restoreErr
}

func (f *fakeAPI) SubmitApproval(_ context.Context, _ schema.JobID, resp schema.ApprovalResponse) error {
	f.record("approval")
	f.approvals <- resp
	return nil
}

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeStreamer struct {
	mu       sync.Mutex
	err      error
	handlers []eventstream.Handler
	conns    []*fakeConn
}

func (s *fakeStreamer) Open(_ context.Context, _ schema.JobID, h eventstream.Handler) (io.Closer, error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	conn := &fakeConn{}
	s.handlers = append(s.handlers, h)
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	h.OnOpen()
	return conn, nil
}

func (s *fakeStreamer) opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *fakeStreamer) handler(t *testing.T, i int) eventstream.Handler {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.handlers) {
		t.Fatalf("stream %d not opened", i)
	}
	return s.handlers[i]
}

func (s *fakeStreamer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.conns) {
		t.Fatalf("stream %d not opened", i)
	}
	return s.conns[i]
}

type fakeLease struct {
	cluster schema.ClusterName
}

func (l *fakeLease) Mine() schema.ClusterName { return l.cluster }

type fakeSnapshots struct {
	mu      sync.Mutex
	block   chan struct{}
	calls   int
	created int
}

func (s *fakeSnapshots) CreateForJob(context.Context, schema.JobRef) error {
	s.mu.Lock()
	s.calls++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
	return nil
}

func (s *fakeSnapshots) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSnapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

type recordingListener struct {
	mu        sync.Mutex
	states    []schema.RunStateEvent
	notes     []schema.Notification
	approvals []schema.ApprovalRequest
}

func (l *recordingListener) OnRunState(ev schema.RunStateEvent) {
	l.mu.Lock()
	l.states = append(l.states, ev)
	l.mu.Unlock()
}

func (l *recordingListener) OnNotification(n schema.Notification) {
	l.mu.Lock()
	l.notes = append(l.notes, n)
	l.mu.Unlock()
}

func (l *recordingListener) OnApproval(req schema.ApprovalRequest) {
	l.mu.Lock()
	l.approvals = append(l.approvals, req)
	l.mu.Unlock()
}

func (l *recordingListener) notifications() []schema.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schema.Notification(nil), l.notes...)
}

func (l *recordingListener) hasNotification(msg string) bool {
	for _, n := range l.notifications() {
		if n.Message == msg {
			return true
		}
	}
	return false
}

func (l *recordingListener) approvalRequests() []schema.ApprovalRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schema.ApprovalRequest(nil), l.approvals...)
}

func contents(msgs []schema.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Content)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, ready func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ready() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
