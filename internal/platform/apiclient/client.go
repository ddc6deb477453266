// Package apiclient is the single chokepoint for calls to the diagnosis API.
// It attaches the bearer credential, serializes JSON bodies and normalizes
// every failure into *Error. It never retries, never refreshes credentials
// and never touches credential storage.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// APIPrefix roots every endpoint under the configured origin.
const APIPrefix = "/api"

// TokenSource returns the current access credential, or "" when anonymous.
type TokenSource func() string

type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu    sync.RWMutex
	token TokenSource
}

type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default transport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTokenSource installs the credential callback at construction time.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// New creates a client for the API served at origin (e.g.
// "http://localhost:5000"); requests go to origin + APIPrefix + path.
func New(origin string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(origin, "/") + APIPrefix,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetTokenSource wires the credential callback after construction, which
// breaks the construction cycle between the client and the session.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.token = ts
	c.mu.Unlock()
}

// BaseURL returns origin + APIPrefix.
func (c *Client) BaseURL() string { return c.baseURL }

type requestOptions struct {
	bearer    string
	hasBearer bool
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

// WithBearer sends token instead of the stored access credential. The
// refresh call uses it to present the refresh credential.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) {
		o.bearer = token
		o.hasBearer = true
	}
}

func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.do(ctx, http.MethodGet, path, nil, out, opts)
}

func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.do(ctx, http.MethodPost, path, body, out, opts)
}

func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.do(ctx, http.MethodPut, path, body, out, opts)
}

func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.do(ctx, http.MethodDelete, path, nil, out, opts)
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	ts := c.token
	c.mu.RUnlock()
	if ts == nil {
		return ""
	}
	return ts()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, opts []RequestOption) error {
	var ro requestOptions
	for _, o := range opts {
		o(&ro)
	}

	var reader io.Reader
	write := method == http.MethodPost || method == http.MethodPut
	if write {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	rid := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", rid)
	if write {
		req.Header.Set("Content-Type", "application/json")
	}
	token := c.currentToken()
	if ro.hasBearer {
		token = ro.bearer
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error().Err(err).
			Str("request_id", rid).
			Str("method", method).
			Str("path", path).
			Msg("api unreachable")
		return unreachable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unreachable(err)
	}

	c.logger.Debug().
		Str("request_id", rid).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) *Error {
	var body struct {
		Status  string              `json:"status"`
		Message string              `json:"message"`
		Msg     string              `json:"msg"`
		Errors  map[string][]string `json:"errors"`
	}
	_ = json.Unmarshal(raw, &body)

	e := &Error{
		StatusCode: status,
		Status:     body.Status,
		Message:    body.Message,
		Errors:     body.Errors,
	}
	if e.Status == "" {
		e.Status = "error"
	}
	if e.Message == "" {
		e.Message = body.Msg
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
