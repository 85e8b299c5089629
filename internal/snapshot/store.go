// Package snapshot keeps the operator's chaos cycles: one snapshot per cycle, created once and
// then updated with debounced writes while the transcript grows.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"

	"pkt.systems/chaosdeck/internal/logx"
	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// DefaultDebounce is the quiet period before queued updates are written.
const DefaultDebounce = 600 * time.Millisecond

// Repository is the persistent snapshot storage.
type Repository interface {
	EnsureSession(ctx context.Context, id schema.SessionID, now time.Time) (schema.Session, error)
	ListSnapshots(ctx context.Context, session schema.SessionID) ([]schema.Snapshot, error)
	GetSnapshot(ctx context.Context, id schema.SnapshotID) (schema.Snapshot, error)
	InsertSnapshot(ctx context.Context, snap schema.Snapshot) error
	UpdateSnapshot(ctx context.Context, id schema.SnapshotID, patch schema.SnapshotPatch, now time.Time) (schema.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id schema.SnapshotID) error
	ClearSnapshots(ctx context.Context, session schema.SessionID) (int64, error)
	DeleteSession(ctx context.Context, id schema.SessionID) error
}

// Options configures a Store.
type Options struct {
	Repo     Repository
	Clock    clock.WithDelayedExecution
	Debounce time.Duration
	Logger   pslog.Logger
	// NewID returns the random suffix of snapshot ids. Defaults to a uuid.
	NewID func() string
}

type pendingWrite struct {
	session schema.SessionID
	patch   schema.SnapshotPatch
}

// Store is the snapshot store of one console.
type Store struct {
	repo     Repository
	clock    clock.WithDelayedExecution
	debounce time.Duration
	log      pslog.Logger
	newID    func() string

	mu         sync.Mutex
	cache      map[schema.SessionID][]schema.Snapshot
	attached   schema.SnapshotID
	attachedTo schema.SessionID
	pending    map[schema.SnapshotID]pendingWrite
	timer      clock.Timer
	timerGen   uint64
	creating   bool
	closed     bool

	flushMu sync.Mutex
}

// New constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.Repo == nil {
		return nil, errors.New("snapshot repository is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Store{
		repo:     opts.Repo,
		clock:    clk,
		debounce: debounce,
		log:      logger,
		newID:    newID,
		cache:    make(map[schema.SessionID][]schema.Snapshot),
		pending:  make(map[schema.SnapshotID]pendingWrite),
	}, nil
}

// EnsureSession creates the session record if needed and marks it opened now.
func (s *Store) EnsureSession(ctx context.Context, id schema.SessionID) (schema.Session, error) {
	sess, err := s.repo.EnsureSession(ctx, id, s.clock.Now())
	if err != nil {
		s.log.Warn("snapshot session ensure failed", "session", id, "err", err)
		return schema.Session{}, fmt.Errorf("ensure session: %w", err)
	}
	return sess, nil
}

// List returns the session's snapshots, newest first. The list is loaded once and then cached.
func (s *Store) List(ctx context.Context, session schema.SessionID) ([]schema.Snapshot, error) {
	s.mu.Lock()
	if list, ok := s.cache[session]; ok {
		out := cloneList(list)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	list, err := s.repo.ListSnapshots(ctx, session)
	if err != nil {
		s.log.Warn("snapshot list failed", "session", session, "err", err)
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[session]; ok {
		return cloneList(cached), nil
	}
	for i := range list {
		if w, ok := s.pending[list[i].ID]; ok {
			w.patch.Apply(&list[i])
		}
	}
	s.cache[session] = list
	return cloneList(list), nil
}

// Create stores a new snapshot and attaches it. Only one creation may run at a time.
func (s *Store) Create(ctx context.Context, session schema.SessionID, title string, payload schema.SnapshotPayload) (schema.Snapshot, error) {
	if session == "" {
		return schema.Snapshot{}, fmt.Errorf("%w: missing session id", schema.ErrInvalidRequest)
	}
	s.mu.Lock()
	if s.creating {
		s.mu.Unlock()
		return schema.Snapshot{}, schema.ErrCreateInProgress
	}
	s.creating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.creating = false
		s.mu.Unlock()
	}()

	now := time.UnixMilli(s.clock.Now().UnixMilli()).UTC()
	payload = payload.Sanitized()
	snap := schema.Snapshot{
		ID:                 s.snapshotID(session, now),
		SessionID:          session,
		Title:              strings.TrimSpace(title),
		CreatedAt:          now,
		UpdatedAt:          now,
		Messages:           payload.Messages,
		PanelVisible:       payload.PanelVisible,
		BackendProjectPath: payload.BackendProjectPath,
		UploadedFilesMeta:  payload.UploadedFilesMeta,
		FormData:           payload.FormData,
		JobID:              payload.JobID,
		JobWorkDir:         payload.JobWorkDir,
	}
	log := logx.WithSnapshot(s.log, snap.ID)
	if err := s.repo.InsertSnapshot(ctx, snap); err != nil {
		log.Warn("snapshot create failed", "err", err)
		return schema.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	// Pending writes belong to the previously attached snapshot.
	if err := s.Flush(ctx); err != nil {
		log.Warn("snapshot flush before attach failed", "err", err)
	}

	s.mu.Lock()
	if list, ok := s.cache[session]; ok {
		s.cache[session] = append([]schema.Snapshot{cloneSnapshot(snap)}, list...)
	}
	s.attached = snap.ID
	s.attachedTo = session
	s.mu.Unlock()
	log.Info("snapshot create ok", "session", session, "title", snap.Title)
	return cloneSnapshot(snap), nil
}

func (s *Store) snapshotID(session schema.SessionID, now time.Time) schema.SnapshotID {
	suffix := strings.ReplaceAll(s.newID(), "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return schema.SnapshotID(fmt.Sprintf("%s-%d-%s", session, now.UnixMilli(), suffix))
}

// Attach makes id the target of subsequent updates. Queued writes are flushed first.
func (s *Store) Attach(ctx context.Context, id schema.SnapshotID) (schema.Snapshot, error) {
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("snapshot flush before attach failed", "err", err)
	}
	snap, err := s.Get(ctx, id)
	if err != nil {
		return schema.Snapshot{}, err
	}
	s.mu.Lock()
	s.attached = snap.ID
	s.attachedTo = snap.SessionID
	s.mu.Unlock()
	logx.WithSnapshot(s.log, snap.ID).Debug("snapshot attached")
	return snap, nil
}

// Detach flushes queued writes and stops routing updates to any snapshot.
func (s *Store) Detach(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.attached = ""
	s.attachedTo = ""
	s.mu.Unlock()
	return err
}

// Current returns the attached snapshot id, or "".
func (s *Store) Current() schema.SnapshotID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Update queues patch for the attached snapshot and restarts the debounce timer.
// It reports whether anything was queued.
func (s *Store) Update(patch schema.SnapshotPatch) bool {
	if patch.Empty() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.attached == "" {
		return false
	}
	w := s.pending[s.attached]
	w.session = s.attachedTo
	w.patch = w.patch.Merge(patch)
	s.pending[s.attached] = w
	s.applyToCacheLocked(s.attachedTo, s.attached, patch)

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	// Fake clocks run AfterFunc callbacks under their own lock.
	s.timer = s.clock.AfterFunc(s.debounce, func() { go s.flushTimer(gen) })
	return true
}

func (s *Store) flushTimer(gen uint64) {
	s.mu.Lock()
	current := gen == s.timerGen && !s.closed
	s.mu.Unlock()
	if !current {
		return
	}
	if err := s.Flush(context.Background()); err != nil {
		s.log.Warn("snapshot debounced write failed", "err", err)
	}
}

// Flush writes every queued update now.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	writes := s.pending
	s.pending = make(map[schema.SnapshotID]pendingWrite)
	s.mu.Unlock()

	var result *multierror.Error
	for id, w := range writes {
		log := logx.WithSnapshot(s.log, id)
		snap, err := s.repo.UpdateSnapshot(ctx, id, w.patch, s.clock.Now())
		if err != nil {
			log.Warn("snapshot update failed", "err", err)
			result = multierror.Append(result, fmt.Errorf("update snapshot %s: %w", id, err))
			continue
		}
		s.mu.Lock()
		s.replaceInCacheLocked(snap)
		s.mu.Unlock()
		log.Debug("snapshot update ok", "messages", len(snap.Messages))
	}
	return result.ErrorOrNil()
}

// Get loads one snapshot, including updates not yet written.
func (s *Store) Get(ctx context.Context, id schema.SnapshotID) (schema.Snapshot, error) {
	snap, err := s.repo.GetSnapshot(ctx, id)
	if err != nil {
		return schema.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	s.mu.Lock()
	if w, ok := s.pending[id]; ok {
		w.patch.Apply(&snap)
	}
	s.mu.Unlock()
	return snap, nil
}

// Rename changes a snapshot title.
func (s *Store) Rename(ctx context.Context, id schema.SnapshotID, title string) (schema.Snapshot, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return schema.Snapshot{}, fmt.Errorf("%w: empty title", schema.ErrInvalidRequest)
	}
	s.mu.Lock()
	if w, ok := s.pending[id]; ok {
		w.patch.Title = nil
		s.pending[id] = w
	}
	s.mu.Unlock()
	snap, err := s.repo.UpdateSnapshot(ctx, id, schema.SnapshotPatch{Title: &title}, s.clock.Now())
	if err != nil {
		logx.WithSnapshot(s.log, id).Warn("snapshot rename failed", "err", err)
		return schema.Snapshot{}, fmt.Errorf("rename snapshot: %w", err)
	}
	s.mu.Lock()
	s.replaceInCacheLocked(snap)
	s.mu.Unlock()
	return snap, nil
}

// Delete removes one snapshot and drops its queued writes.
func (s *Store) Delete(ctx context.Context, id schema.SnapshotID) error {
	s.mu.Lock()
	delete(s.pending, id)
	if s.attached == id {
		s.attached = ""
		s.attachedTo = ""
	}
	for session, list := range s.cache {
		s.cache[session] = removeID(list, id)
	}
	s.mu.Unlock()
	if err := s.repo.DeleteSnapshot(ctx, id); err != nil {
		logx.WithSnapshot(s.log, id).Warn("snapshot delete failed", "err", err)
		return fmt.Errorf("delete snapshot: %w", err)
	}
	logx.WithSnapshot(s.log, id).Info("snapshot delete ok")
	return nil
}

// Clear removes every snapshot of session.
func (s *Store) Clear(ctx context.Context, session schema.SessionID) (int64, error) {
	s.dropSession(session, true)
	n, err := s.repo.ClearSnapshots(ctx, session)
	if err != nil {
		s.log.Warn("snapshot clear failed", "session", session, "err", err)
		return 0, fmt.Errorf("clear snapshots: %w", err)
	}
	s.log.Info("snapshot clear ok", "session", session, "removed", n)
	return n, nil
}

// DeleteSession removes the session and all of its snapshots.
func (s *Store) DeleteSession(ctx context.Context, session schema.SessionID) error {
	s.dropSession(session, false)
	if err := s.repo.DeleteSession(ctx, session); err != nil {
		s.log.Warn("snapshot session delete failed", "session", session, "err", err)
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) dropSession(session schema.SessionID, keepCache bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.pending {
		if w.session == session {
			delete(s.pending, id)
		}
	}
	if s.attachedTo == session {
		s.attached = ""
		s.attachedTo = ""
	}
	if keepCache {
		s.cache[session] = []schema.Snapshot{}
	} else {
		delete(s.cache, session)
	}
}

// Close stops the debounce timer and drops queued writes.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	if n := len(s.pending); n > 0 {
		s.log.Debug("snapshot store closed with queued writes", "dropped", n)
	}
	s.pending = make(map[schema.SnapshotID]pendingWrite)
	s.closed = true
}

func (s *Store) applyToCacheLocked(session schema.SessionID, id schema.SnapshotID, patch schema.SnapshotPatch) {
	list := s.cache[session]
	for i := range list {
		if list[i].ID == id {
			patch.Apply(&list[i])
			return
		}
	}
}

func (s *Store) replaceInCacheLocked(snap schema.Snapshot) {
	list := s.cache[snap.SessionID]
	for i := range list {
		if list[i].ID == snap.ID {
			if w, ok := s.pending[snap.ID]; ok {
				w.patch.Apply(&snap)
			}
			list[i] = cloneSnapshot(snap)
			return
		}
	}
}

func removeID(list []schema.Snapshot, id schema.SnapshotID) []schema.Snapshot {
	out := list[:0]
	for _, snap := range list {
		if snap.ID != id {
			out = append(out, snap)
		}
	}
	return out
}

func cloneSnapshot(snap schema.Snapshot) schema.Snapshot {
	snap.Messages = schema.CloneMessages(snap.Messages)
	snap.UploadedFilesMeta = append([]schema.UploadedFileMeta(nil), snap.UploadedFilesMeta...)
	return snap
}

func cloneList(list []schema.Snapshot) []schema.Snapshot {
	out := make([]schema.Snapshot, len(list))
	for i, snap := range list {
		out[i] = cloneSnapshot(snap)
	}
	return out
}
