package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoLease indicates no cluster is held by the session.
	ErrNoLease = errors.New("no cluster lease held")
	// ErrEmptyProject indicates no project content was supplied.
	ErrEmptyProject = errors.New("no project supplied")
	// ErrJobActive indicates a job is already running or paused.
	ErrJobActive = errors.New("a job is already active")
	// ErrNoJob indicates no job is attached to the console.
	ErrNoJob = errors.New("no active job")
	// ErrJobNotFound indicates the backend does not know the job.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotRunning indicates the job is not running or already finished.
	ErrJobNotRunning = errors.New("job may not be running or already finished")
	// ErrNotPaused indicates resume was requested for a job that is not paused.
	ErrNotPaused = errors.New("job is not paused")
	// ErrNoApprovalPending indicates no approval gate is waiting.
	ErrNoApprovalPending = errors.New("no approval pending")
	// ErrInvalidApproval indicates an unknown approval action.
	ErrInvalidApproval = errors.New("invalid approval action")
	// ErrNoClustersAvailable indicates the pool has no free cluster.
	ErrNoClustersAvailable = errors.New("no clusters available")
	// ErrSnapshotNotFound indicates a snapshot could not be found.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSessionNotFound indicates a session could not be found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCreateInProgress indicates a snapshot creation is already running.
	ErrCreateInProgress = errors.New("snapshot creation already in progress")
	// ErrNotFound indicates the backend answered 404.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest indicates the backend answered 400.
	ErrBadRequest = errors.New("bad request")
	// ErrConflict indicates the backend answered 409.
	ErrConflict = errors.New("conflict")
)
