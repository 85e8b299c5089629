package stream

import (
	"context"
	"sync"

	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// Sink receives the results of a flush.
// An approval gate is live only while it is the newest backend event: the backend
// blocks on the gate, so any later event means it was already answered. Replayed
// gates followed by later output never reach OnApproval; a gate delivered earlier
// and overtaken by later events is reported to OnApprovalClosed.
type Sink interface {
	OnTranscript(event schema.TranscriptEvent)
	OnApproval(req schema.ApprovalRequest)
	OnApprovalClosed(req schema.ApprovalRequest)
	OnJobStatus(frame schema.JobStatusFrame)
}

// Options configures a Reconstructor.
type Options struct {
	Scheduler Scheduler
	Sink      Sink
	Logger    pslog.Logger
}

type queued struct {
	raw   []byte
	local *schema.Message
}

type partialState struct {
	role     schema.Role
	typ      schema.MessageType
	language string
	index    int
}

// Reconstructor assembles event-stream frames into an ordered transcript.
// Frames are queued on arrival and applied together by a single scheduled flush.
type Reconstructor struct {
	mu       sync.Mutex
	queue    []queued
	pending  bool
	schedGen uint64
	cancel   func()
	partial  *partialState
	agent    schema.AgentName
	gate     *schema.ApprovalRequest
	messages []schema.Message
	revision uint64

	flushMu sync.Mutex
	sched   Scheduler
	sink    Sink
	log     pslog.Logger
}

// NewReconstructor constructs a Reconstructor.
func NewReconstructor(opts Options) *Reconstructor {
	sched := opts.Scheduler
	if sched == nil {
		sched = NewFrameScheduler(nil, DefaultFrameInterval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Reconstructor{sched: sched, sink: opts.Sink, log: logger}
}

// HandleFrame queues one raw frame for the next flush.
func (r *Reconstructor) HandleFrame(raw []byte) {
	r.enqueue(queued{raw: append([]byte(nil), raw...)})
}

// Append queues a locally produced entry, ordered with the frames around it.
func (r *Reconstructor) Append(msg schema.Message) {
	r.enqueue(queued{local: &msg})
}

func (r *Reconstructor) enqueue(item queued) {
	r.mu.Lock()
	r.queue = append(r.queue, item)
	if r.pending {
		r.mu.Unlock()
		return
	}
	r.pending = true
	r.schedGen++
	gen := r.schedGen
	r.mu.Unlock()

	cancel := r.sched.Schedule(func() { r.scheduledFlush(gen) })

	r.mu.Lock()
	if r.pending && r.schedGen == gen {
		r.cancel = cancel
	}
	r.mu.Unlock()
}

func (r *Reconstructor) scheduledFlush(gen uint64) {
	r.mu.Lock()
	current := r.pending && r.schedGen == gen
	r.mu.Unlock()
	if current {
		r.Flush()
	}
}

// Flush applies every queued frame and notifies the sink once.
func (r *Reconstructor) Flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	items := r.queue
	r.queue = nil
	r.stopScheduleLocked()
	if len(items) == 0 {
		r.mu.Unlock()
		return
	}
	var (
		live     *schema.ApprovalRequest
		closed   []schema.ApprovalRequest
		statuses []schema.JobStatusFrame
	)
	supersede := func() {
		if live != nil {
			r.log.Debug("stream approval superseded", "agent", live.Agent, "phase", live.Phase)
			live = nil
		}
		if r.gate != nil {
			closed = append(closed, *r.gate)
			r.gate = nil
		}
	}
	changed := false
	for _, item := range items {
		if item.local != nil {
			r.appendLocked(*item.local)
			changed = true
			continue
		}
		switch ev := Decode(item.raw).(type) {
		case schema.ApprovalRequestEvent:
			supersede()
			req := ev.Request
			live = &req
		case schema.JobStatusFrame:
			r.log.Debug("stream status frame", "status", ev.Status, "summary", ev.Summary())
			statuses = append(statuses, ev)
		default:
			supersede()
			if r.applyLocked(ev) {
				changed = true
			}
		}
	}
	if live != nil {
		gate := *live
		r.gate = &gate
	}
	var event schema.TranscriptEvent
	if changed {
		r.revision++
		event = schema.TranscriptEvent{Messages: schema.CloneMessages(r.messages), Revision: r.revision}
	}
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		return
	}
	if changed {
		sink.OnTranscript(event)
	}
	for _, req := range closed {
		sink.OnApprovalClosed(req)
	}
	if live != nil {
		sink.OnApproval(*live)
	}
	for _, frame := range statuses {
		sink.OnJobStatus(frame)
	}
}

// applyLocked applies ev and reports whether the transcript changed.
func (r *Reconstructor) applyLocked(ev schema.StreamEvent) bool {
	switch ev := ev.(type) {
	case schema.RawFrame:
		r.appendStreamLocked(schema.Message{Type: schema.MessageText, Role: schema.RoleAssistant, Content: ev.Text})
	case schema.UnknownEvent:
		r.appendStreamLocked(schema.Message{Type: schema.MessageText, Role: schema.RoleAssistant, Content: string(ev.Raw)})
	case schema.PartialEvent:
		r.applyPartialLocked(ev)
	case schema.PartialEndEvent:
		r.partial = nil
		return false
	case schema.WriteEvent:
		r.appendStreamLocked(schema.Message{Type: schema.MessageText, Role: ev.Role, Content: ev.Text})
	case schema.CodeEvent:
		r.appendStreamLocked(schema.Message{Type: schema.MessageCode, Role: ev.Role, Content: ev.Code, Language: ev.Language, Filename: ev.Filename})
	case schema.SubheaderEvent:
		r.appendStreamLocked(schema.Message{Type: schema.MessageSubheader, Role: ev.Role, Content: ev.Text})
	case schema.IframeEvent:
		r.appendStreamLocked(schema.Message{Type: schema.MessageIframe, Role: ev.Role, Content: ev.URL})
	case schema.TagEvent:
		r.appendStreamLocked(schema.Message{Type: schema.MessageTag, Role: ev.Role, Content: ev.Text, Color: ev.Color, Background: ev.Background})
	case schema.AgentStartEvent:
		r.partial = nil
		r.agent = ev.Agent
		return false
	case schema.AgentEndEvent:
		r.partial = nil
		if ev.Agent == "" || ev.Agent == r.agent {
			r.agent = ""
		}
		return false
	case schema.ResumeStartEvent:
		r.partial = nil
		r.agent = ev.Agent
		return r.pruneAgentLocked(ev.Agent)
	default:
		return false
	}
	return true
}

func (r *Reconstructor) applyPartialLocked(ev schema.PartialEvent) {
	typ := schema.MessageText
	language := ""
	if ev.Format == schema.FormatCode {
		typ = schema.MessageCode
		language = ev.Language
	}
	last := len(r.messages) - 1
	open := r.partial
	same := open != nil && last >= 0 && open.index == last &&
		open.role == ev.Role && open.typ == typ &&
		(typ == schema.MessageText || open.language == language) &&
		r.messages[last].Role == ev.Role && r.messages[last].Type == typ
	if same {
		if ev.Mode == schema.PartialFrame {
			r.messages[last].Content = ev.Chunk
		} else {
			r.messages[last].Content += ev.Chunk
		}
	} else {
		msg := schema.Message{Type: typ, Role: ev.Role, Content: ev.Chunk, AgentID: r.agent}
		if typ == schema.MessageCode {
			msg.Language = language
			msg.Filename = ev.Filename
		}
		r.messages = append(r.messages, msg)
		r.partial = &partialState{role: ev.Role, typ: typ, language: language, index: len(r.messages) - 1}
	}
	if ev.Final {
		r.partial = nil
	}
}

// appendStreamLocked appends backend output tagged with the current agent.
func (r *Reconstructor) appendStreamLocked(msg schema.Message) {
	if msg.AgentID == "" {
		msg.AgentID = r.agent
	}
	r.appendLocked(msg)
}

// appendLocked appends a new entry; the open partial never survives an append.
func (r *Reconstructor) appendLocked(msg schema.Message) {
	r.partial = nil
	r.messages = append(r.messages, msg)
}

func (r *Reconstructor) pruneAgentLocked(agent schema.AgentName) bool {
	if agent == "" {
		return false
	}
	kept := r.messages[:0]
	removed := 0
	for _, msg := range r.messages {
		if msg.AgentID == agent {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(r.messages); i++ {
		r.messages[i] = schema.Message{}
	}
	r.messages = kept
	if removed > 0 {
		r.log.Debug("stream resume pruned", "agent", agent, "removed", removed)
	}
	return removed > 0
}

func (r *Reconstructor) stopScheduleLocked() {
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = nil
	r.pending = false
	r.schedGen++
}

// Reset drops queued frames, cancels the pending flush and closes the open partial.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
	r.stopScheduleLocked()
	r.partial = nil
	r.gate = nil
}

// ResetPartial closes the open partial while keeping the transcript and queue.
func (r *Reconstructor) ResetPartial() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial = nil
}

// Clear drops everything, including the transcript.
func (r *Reconstructor) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
	r.stopScheduleLocked()
	r.partial = nil
	r.agent = ""
	r.gate = nil
	r.messages = nil
	r.revision++
}

// Load replaces the transcript, e.g. when reopening a saved cycle.
func (r *Reconstructor) Load(msgs []schema.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
	r.stopScheduleLocked()
	r.partial = nil
	r.agent = ""
	r.gate = nil
	r.messages = schema.CloneMessages(msgs)
	r.revision++
}

// RetainUserEntries drops every entry not produced by the operator.
func (r *Reconstructor) RetainUserEntries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]schema.Message, 0, len(r.messages))
	for _, msg := range r.messages {
		if msg.Role == schema.RoleUser {
			kept = append(kept, msg)
		}
	}
	r.messages = kept
	r.partial = nil
	r.agent = ""
	r.gate = nil
	r.revision++
}

// Messages returns a copy of the transcript.
func (r *Reconstructor) Messages() []schema.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return schema.CloneMessages(r.messages)
}

// OpenIndex returns the index of the entry accepting partial chunks, or -1.
func (r *Reconstructor) OpenIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partial == nil {
		return -1
	}
	return r.partial.index
}

// Revision increases every time the transcript changes.
func (r *Reconstructor) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// Pending reports the number of queued frames.
func (r *Reconstructor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close cancels the pending flush. Queued frames are dropped.
func (r *Reconstructor) Close() {
	r.Reset()
}
