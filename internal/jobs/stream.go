package jobs

import (
	"context"
	"fmt"

	"pkt.systems/chaosdeck/schema"
)

// Stream status entries. They take part in transcript ordering but are never persisted.
const (
	StatusStarted = "Connected. Streaming started…"
	StatusResumed = "Resumed. Streaming restarted…"
	StatusError   = "WebSocket error"
	StatusClosed  = "Stream closed"
)

type streamKind int

const (
	streamStarted streamKind = iota
	streamResumed
)

func (k streamKind) openStatus() string {
	if k == streamResumed {
		return StatusResumed
	}
	return StatusStarted
}

func statusEntry(text string) schema.Message {
	return schema.Message{Type: schema.MessageStatus, Role: schema.RoleAssistant, Content: text}
}

// openStream replaces the current connection with a new one for jobID.
// Callbacks of earlier connections are ignored from here on.
func (c *Controller) openStream(ctx context.Context, jobID schema.JobID, kind streamKind) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	old := c.conn
	c.conn = nil
	c.mu.Unlock()
	closeQuietly(old)

	h := &streamHandler{c: c, gen: gen, kind: kind}
	conn, err := c.streamer.Open(ctx, jobID, h)
	if err != nil {
		c.log.Warn("job stream open failed", "job", jobID, "err", err)
		h.OnError(err)
		h.OnClose()
		c.notify(schema.NotifyError, "Stream connection failed: "+err.Error())
		return fmt.Errorf("open job stream: %w", err)
	}
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		closeQuietly(conn)
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) streamClosed(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	ev, changed := c.transitionLocked(TriggerStreamClose)
	c.mu.Unlock()
	c.emitState(ev, changed)
}

// streamHandler binds one connection generation to the controller.
type streamHandler struct {
	c    *Controller
	gen  uint64
	kind streamKind
}

func (h *streamHandler) OnOpen() {
	if !h.c.isCurrent(h.gen) {
		return
	}
	h.c.transcript.Append(statusEntry(h.kind.openStatus()))
}

func (h *streamHandler) OnFrame(data []byte) {
	if !h.c.isCurrent(h.gen) {
		return
	}
	h.c.transcript.HandleFrame(data)
}

func (h *streamHandler) OnError(err error) {
	if !h.c.isCurrent(h.gen) {
		return
	}
	h.c.log.Debug("job stream error", "err", err)
	h.c.transcript.Append(statusEntry(StatusError))
}

func (h *streamHandler) OnClose() {
	if !h.c.isCurrent(h.gen) {
		return
	}
	h.c.transcript.Append(statusEntry(StatusClosed))
	h.c.streamClosed(h.gen)
}
