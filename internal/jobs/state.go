package jobs

import "pkt.systems/chaosdeck/schema"

// Trigger is an input to the run-state machine.
type Trigger string

const (
	// TriggerSubmit is a job creation request.
	TriggerSubmit Trigger = "submit"
	// TriggerSubmitFailed reverts a submit the backend rejected.
	TriggerSubmitFailed Trigger = "submit_failed"
	// TriggerPause is an operator pause.
	TriggerPause Trigger = "pause"
	// TriggerResume is a confirmed resume.
	TriggerResume Trigger = "resume"
	// TriggerStreamClose is the event stream going away.
	TriggerStreamClose Trigger = "stream_close"
	// TriggerCancel is an operator cancel.
	TriggerCancel Trigger = "cancel"
	// TriggerDiscard drops the job for a new cycle.
	TriggerDiscard Trigger = "discard"
	// TriggerRestore is a job rehydrated from disk.
	TriggerRestore Trigger = "restore"
	// TriggerAdoptRunning adopts a job the backend reports as running.
	TriggerAdoptRunning Trigger = "adopt_running"
	// TriggerAdoptPaused adopts a job the backend reports as paused.
	TriggerAdoptPaused Trigger = "adopt_paused"
	// TriggerTerminal is a terminal backend status.
	TriggerTerminal Trigger = "terminal"
)

var transitions = map[schema.RunState]map[Trigger]schema.RunState{
	schema.RunIdle: {
		TriggerSubmit:       schema.RunRunning,
		TriggerRestore:      schema.RunPaused,
		TriggerAdoptRunning: schema.RunRunning,
		TriggerAdoptPaused:  schema.RunPaused,
		TriggerTerminal:     schema.RunCompleted,
		TriggerDiscard:      schema.RunIdle,
		TriggerCancel:       schema.RunIdle,
		TriggerStreamClose:  schema.RunIdle,
	},
	schema.RunRunning: {
		TriggerSubmitFailed: schema.RunIdle,
		TriggerPause:        schema.RunPaused,
		TriggerStreamClose:  schema.RunCompleted,
		TriggerCancel:       schema.RunIdle,
		TriggerDiscard:      schema.RunIdle,
		TriggerTerminal:     schema.RunCompleted,
		TriggerAdoptRunning: schema.RunRunning,
		TriggerAdoptPaused:  schema.RunPaused,
	},
	schema.RunPaused: {
		TriggerResume:       schema.RunRunning,
		TriggerStreamClose:  schema.RunPaused,
		TriggerCancel:       schema.RunIdle,
		TriggerDiscard:      schema.RunIdle,
		TriggerRestore:      schema.RunPaused,
		TriggerTerminal:     schema.RunCompleted,
		TriggerAdoptRunning: schema.RunRunning,
		TriggerAdoptPaused:  schema.RunPaused,
	},
	schema.RunCompleted: {
		TriggerSubmit:       schema.RunRunning,
		TriggerRestore:      schema.RunPaused,
		TriggerStreamClose:  schema.RunCompleted,
		TriggerCancel:       schema.RunIdle,
		TriggerDiscard:      schema.RunIdle,
		TriggerTerminal:     schema.RunCompleted,
		TriggerAdoptRunning: schema.RunRunning,
		TriggerAdoptPaused:  schema.RunPaused,
	},
}

// Next returns the state reached from "from" on trigger t.
// ok is false when the transition is not allowed.
func Next(from schema.RunState, t Trigger) (schema.RunState, bool) {
	to, ok := transitions[from][t]
	return to, ok
}

// Active reports whether a job in state s blocks a new submit.
func Active(s schema.RunState) bool {
	return s == schema.RunRunning || s == schema.RunPaused
}
