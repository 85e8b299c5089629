// Package eventbus fans console events out to subscribers such as the CLI follower.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTranscript carries the transcript after a flush.
	EventTranscript EventType = "transcript"
	// EventRunState carries a run-state transition.
	EventRunState EventType = "run_state"
	// EventNotification carries an operator notification.
	EventNotification EventType = "notification"
	// EventPool carries a changed cluster pool view.
	EventPool EventType = "pool"
	// EventApproval carries an approval gate waiting for the operator.
	EventApproval EventType = "approval"
)

// Event represents a UI-facing event emitted by the console.
type Event struct {
	Type         EventType
	Transcript   schema.TranscriptEvent
	RunState     schema.RunStateEvent
	Notification schema.Notification
	Pool         schema.PoolEvent
	Approval     schema.ApprovalRequest
}

// Bus fans events out to subscribers. Slow subscribers lose events rather than block publishers.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	log     pslog.Logger
	depth   int
	dropped atomic.Uint64
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber and returns a channel + cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
			b.log.Debug("eventbus unsubscribe")
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// OnTranscript publishes a transcript event.
func (b *Bus) OnTranscript(event schema.TranscriptEvent) {
	event.Messages = schema.CloneMessages(event.Messages)
	b.publish(Event{Type: EventTranscript, Transcript: event})
}

// OnRunState publishes a run-state transition.
func (b *Bus) OnRunState(event schema.RunStateEvent) {
	b.publish(Event{Type: EventRunState, RunState: event})
}

// OnNotification publishes a notification.
func (b *Bus) OnNotification(n schema.Notification) {
	b.publish(Event{Type: EventNotification, Notification: n})
}

// OnPool publishes a pool change.
func (b *Bus) OnPool(event schema.PoolEvent) {
	b.publish(Event{Type: EventPool, Pool: event})
}

// OnApproval publishes an approval gate.
func (b *Bus) OnApproval(req schema.ApprovalRequest) {
	b.publish(Event{Type: EventApproval, Approval: req})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
		b.log.Trace("eventbus dropped", "type", event.Type, "count", dropped)
	}
}
