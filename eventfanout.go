package chaosdeck

import "pkt.systems/chaosdeck/schema"

// EventSink receives every console event.
type EventSink interface {
	OnTranscript(event schema.TranscriptEvent)
	OnRunState(event schema.RunStateEvent)
	OnNotification(n schema.Notification)
	OnPool(event schema.PoolEvent)
	OnApproval(req schema.ApprovalRequest)
}

type eventFanout struct {
	sinks []EventSink
}

func (f eventFanout) OnTranscript(event schema.TranscriptEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnTranscript(event)
	}
}

func (f eventFanout) OnRunState(event schema.RunStateEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnRunState(event)
	}
}

func (f eventFanout) OnNotification(n schema.Notification) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnNotification(n)
	}
}

func (f eventFanout) OnPool(event schema.PoolEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnPool(event)
	}
}

func (f eventFanout) OnApproval(req schema.ApprovalRequest) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnApproval(req)
	}
}
