// Package eventstream opens the per-job WebSocket event stream.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// DefaultHandshakeTimeout bounds the WebSocket upgrade.
const DefaultHandshakeTimeout = 15 * time.Second

// Handler receives connection lifecycle callbacks.
// OnFrame, OnError and OnClose run on the connection's reader goroutine.
type Handler interface {
	OnOpen()
	OnFrame(data []byte)
	OnError(err error)
	OnClose()
}

// Dialer opens event streams below a base URL.
type Dialer struct {
	base *url.URL
	ws   *websocket.Dialer
	log  pslog.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithLogger sets the dialer logger.
func WithLogger(logger pslog.Logger) Option {
	return func(d *Dialer) {
		if logger != nil {
			d.log = logger
		}
	}
}

// WithHandshakeTimeout overrides the upgrade timeout.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.ws.HandshakeTimeout = timeout
		}
	}
}

// NewDialer builds a Dialer. base may be an http(s) or ws(s) URL; http schemes are mapped to ws.
func NewDialer(base string, opts ...Option) (*Dialer, error) {
	raw := strings.TrimSpace(base)
	if raw == "" {
		return nil, errors.New("stream base url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported stream url scheme %q", parsed.Scheme)
	}
	d := &Dialer{
		base: parsed,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		log: pslog.Ctx(context.Background()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// URL returns the stream endpoint for a job.
func (d *Dialer) URL(jobID schema.JobID) string {
	u := *d.base
	u.RawPath = path.Join("/", d.base.EscapedPath(), "jobs", url.PathEscape(string(jobID)), "stream")
	u.Path, _ = url.PathUnescape(u.RawPath)
	u.RawQuery = ""
	return u.String()
}

// Open dials the job stream, calls h.OnOpen and starts forwarding text frames to h.
// A failed dial returns the error without invoking h.
func (d *Dialer) Open(ctx context.Context, jobID schema.JobID, h Handler) (*Conn, error) {
	if jobID == "" {
		return nil, schema.ErrNoJob
	}
	if h == nil {
		return nil, errors.New("stream handler is required")
	}
	target := d.URL(jobID)
	ws, resp, err := d.ws.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		d.log.Warn("event stream dial failed", "job", jobID, "url", target, "err", err)
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	d.log.Debug("event stream connected", "job", jobID, "url", target)
	c := &Conn{
		job:  jobID,
		ws:   ws,
		done: make(chan struct{}),
		log:  d.log,
	}
	h.OnOpen()
	go c.readLoop(h)
	return c, nil
}

// Conn is one open event stream.
type Conn struct {
	job  schema.JobID
	ws   *websocket.Conn
	done chan struct{}
	log  pslog.Logger

	mu      sync.Mutex
	closing bool
	once    sync.Once
}

// Done is closed once the reader has exited and OnClose has run.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a normal closure and tears down the socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Conn) readLoop(h Handler) {
	defer close(c.done)
	defer h.OnClose()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("event stream closed", "job", c.job)
			} else {
				c.log.Warn("event stream read failed", "job", c.job, "err", err)
				h.OnError(err)
			}
			_ = c.ws.Close()
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.OnFrame(data)
	}
}
