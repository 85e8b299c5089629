package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds a single API call.
const DefaultTimeout = 30 * time.Second

// Client talks to the chaos backend job and cluster APIs.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     pslog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// New constructs a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, errors.New("backend api base url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported backend url scheme %q", parsed.Scheme)
	}
	c := &Client{
		baseURL: parsed,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: DefaultTimeout,
		},
		log: pslog.Ctx(context.Background()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

type request struct {
	method  string
	path    string
	query   url.Values
	headers http.Header
	body    any
}

// call sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) call(ctx context.Context, req request, out any) error {
	res, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		apiErr := readAPIError(res)
		c.log.Debug("backend request failed", "method", req.method, "path", req.path, "status", res.StatusCode, "err", apiErr)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s %s: %w", req.method, req.path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	if c == nil || c.http == nil || c.baseURL == nil {
		return nil, errors.New("backend client not initialized")
	}
	reqURL := *c.baseURL
	reqURL.RawPath = path.Join("/", c.baseURL.EscapedPath(), strings.TrimPrefix(req.path, "/"))
	unescaped, err := url.PathUnescape(reqURL.RawPath)
	if err != nil {
		return nil, fmt.Errorf("request path %q: %w", req.path, err)
	}
	reqURL.Path = unescaped
	if req.query != nil {
		reqURL.RawQuery = req.query.Encode()
	}
	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, values := range req.headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	c.log.Trace("backend request", "method", req.method, "path", reqURL.Path)
	return c.http.Do(httpReq)
}

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e == nil {
		return "backend API error"
	}
	return fmt.Sprintf("backend API error (%d): %s", e.StatusCode, e.Detail)
}

// Unwrap maps well-known status codes onto schema sentinels.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch e.StatusCode {
	case http.StatusNotFound:
		return schema.ErrNotFound
	case http.StatusBadRequest:
		return schema.ErrBadRequest
	case http.StatusConflict:
		return schema.ErrConflict
	}
	return nil
}

func readAPIError(res *http.Response) error {
	if res == nil {
		return &APIError{Detail: "no response"}
	}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		switch {
		case len(payload.Detail) > 0:
			var detail string
			if err := json.Unmarshal(payload.Detail, &detail); err == nil {
				msg = detail
			} else {
				msg = string(payload.Detail)
			}
		case payload.Message != "":
			msg = payload.Message
		}
	}
	if msg == "" {
		msg = res.Status
	}
	return &APIError{StatusCode: res.StatusCode, Detail: msg}
}

// Detail returns the backend's message for err, or "" when err is not an APIError.
func Detail(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}
	return ""
}
