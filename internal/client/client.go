// Package client is the caller side of a manager's HTTP endpoint.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/fanout/internal/api"
	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/events"
	"github.com/mattjoyce/fanout/internal/history"
)

// ErrNotFound is returned when the manager reports 404.
var ErrNotFound = errors.New("not found")

// Error is a non-2xx answer from a manager.
type Error struct {
	StatusCode int
	Message    string
	Kind       string
	// Report is set when a dispatch failed after it started.
	Report *coordinator.Report
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("manager returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("manager returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one manager.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a client for a fanout:// or http(s):// address.
func New(address string, opts ...Option) (*Client, error) {
	base, err := BaseURL(address)
	if err != nil {
		return nil, err
	}
	c := &Client{base: base, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL maps a manager address to the HTTP URL it serves on.
func BaseURL(address string) (*url.URL, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse manager address %q: %w", address, err)
	}
	switch u.Scheme {
	case api.Scheme:
		u.Scheme = "http"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported manager address scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("manager address %q has no host", address)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// URL returns the HTTP base URL of the manager.
func (c *Client) URL() string { return c.base.String() }

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Identity calls GET /identity.
func (c *Client) Identity(ctx context.Context) (*api.IdentityResponse, error) {
	var out api.IdentityResponse
	if err := c.do(ctx, http.MethodGet, "/identity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AvailableFor asks whether the manager accepts project.
func (c *Client) AvailableFor(ctx context.Context, project string) (bool, error) {
	var out api.AvailableResponse
	if err := c.do(ctx, http.MethodGet, "/available/"+url.PathEscape(project), nil, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

// Dispatch triggers a dispatch and blocks until the manager's workers exit.
// On failure the returned *Error may carry a partial report.
func (c *Client) Dispatch(ctx context.Context, project, dispatcher string) (*coordinator.Report, error) {
	body, err := json.Marshal(api.DispatchRequest{Project: project, Dispatcher: dispatcher})
	if err != nil {
		return nil, err
	}
	var out coordinator.Report
	if err := c.do(ctx, http.MethodPost, "/dispatch", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dispatches lists recent dispatches, newest first.
func (c *Client) Dispatches(ctx context.Context, limit int) ([]history.Dispatch, error) {
	path := "/dispatches"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.DispatchListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Dispatches, nil
}

// GetDispatch returns one dispatch with its worker runs.
func (c *Client) GetDispatch(ctx context.Context, id string) (*history.Dispatch, error) {
	var out history.Dispatch
	if err := c.do(ctx, http.MethodGet, "/dispatches/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events streams GET /events into fn until ctx ends or the stream closes.
// lastID resumes after an event already seen.
func (c *Client) Events(ctx context.Context, lastID int64, fn func(events.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Type != "" || len(current.Data) > 0 {
				current.At = time.Now()
				fn(current)
			}
			current = events.Event{}
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = events.Type(line[7:])
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	e := &Error{StatusCode: resp.StatusCode}
	var body api.ErrorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		e.Message = body.Error
		e.Kind = body.Kind
		e.Report = body.Report
	} else {
		e.Message = strings.TrimSpace(string(raw))
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, e)
	}
	return e
}
