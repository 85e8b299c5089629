package schema

// NotificationLevel grades an operator-facing notification.
type NotificationLevel string

const (
	// NotifyInfo is informational.
	NotifyInfo NotificationLevel = "info"
	// NotifySuccess reports a completed action.
	NotifySuccess NotificationLevel = "success"
	// NotifyWarning reports a degraded outcome.
	NotifyWarning NotificationLevel = "warning"
	// NotifyError reports a failed action.
	NotifyError NotificationLevel = "error"
)

// Notification is a one-line operator message.
type Notification struct {
	Level   NotificationLevel
	Message string
}

// RunStateEvent reports a run-state transition.
type RunStateEvent struct {
	JobID JobID
	From  RunState
	To    RunState
}
