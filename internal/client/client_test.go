package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fanout/internal/api"
	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/events"
	"github.com/mattjoyce/fanout/internal/history"
	"github.com/mattjoyce/fanout/internal/rsync"
)

type stubManager struct {
	err error
}

func (stubManager) Config() coordinator.Config {
	return coordinator.Config{ID: "mgr-1", Name: "build-01", WorkerSize: 2, Projects: []string{"alpha"}}
}
func (stubManager) Projects() []string { return []string{"alpha"} }
func (stubManager) Status() coordinator.Status {
	return coordinator.Status{State: coordinator.StateIdle, Announced: true}
}
func (stubManager) AvailableFor(project string) bool { return project == "alpha" }

func (m stubManager) Dispatch(_ context.Context, req coordinator.Request) (*coordinator.Report, error) {
	report := &coordinator.Report{ID: "d-1", Project: req.Project, Dispatcher: req.Dispatcher, WorkerSize: 2}
	if m.err != nil {
		report.Status = history.StatusFailed
		return report, m.err
	}
	report.Status = history.StatusCompleted
	return report, nil
}

type stubHistory struct{}

func (stubHistory) Get(_ context.Context, id string) (*history.Dispatch, error) {
	if id != "d-1" {
		return nil, history.ErrNotFound
	}
	return &history.Dispatch{ID: "d-1", Project: "alpha", Status: history.StatusCompleted}, nil
}

func (stubHistory) List(context.Context, int) ([]history.Dispatch, error) {
	return []history.Dispatch{{ID: "d-1", Project: "alpha"}}, nil
}

func newTestManagerServer(t *testing.T, cfg api.Config, m api.Manager, ev api.EventSource) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := api.New(cfg, m, stubHistory{}, ev, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func fanoutAddress(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http://", "fanout://", 1)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "fanout://10.0.0.5:7400", want: "http://10.0.0.5:7400"},
		{in: "http://build-01.local:7400/", want: "http://build-01.local:7400"},
		{in: "https://mgr.example.com", want: "https://mgr.example.com"},
		{in: "10.0.0.5:7400", want: "http://10.0.0.5:7400"},
		{in: "druby://10.0.0.5:7400", wantErr: true},
		{in: "fanout://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := BaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestClient_IdentityAndAvailable(t *testing.T) {
	ts := newTestManagerServer(t, api.Config{AdvertiseHost: "127.0.0.1"}, stubManager{}, nil)
	c, err := New(fanoutAddress(ts))
	require.NoError(t, err)
	ctx := context.Background()

	id, err := c.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mgr-1", id.ID)
	assert.Equal(t, 2, id.WorkerSize)
	assert.Equal(t, []string{"alpha"}, id.Projects)

	ok, err := c.AvailableFor(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AvailableFor(ctx, "beta")
	require.NoError(t, err)
	assert.False(t, ok)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestClient_Dispatch(t *testing.T) {
	ts := newTestManagerServer(t, api.Config{}, stubManager{}, nil)
	c, err := New(ts.URL)
	require.NoError(t, err)

	report, err := c.Dispatch(context.Background(), "alpha", "druby://runner:9000")
	require.NoError(t, err)
	assert.Equal(t, "d-1", report.ID)
	assert.Equal(t, "druby://runner:9000", report.Dispatcher)
	assert.Equal(t, history.StatusCompleted, report.Status)
}

func TestClient_DispatchError(t *testing.T) {
	syncErr := &rsync.Error{Host: "runner", Project: "alpha", Err: errors.New("exit status 10")}
	ts := newTestManagerServer(t, api.Config{}, stubManager{err: syncErr}, nil)
	c, err := New(ts.URL)
	require.NoError(t, err)

	_, err = c.Dispatch(context.Background(), "alpha", "druby://runner:9000")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, coordinator.KindSync, apiErr.Kind)
	require.NotNil(t, apiErr.Report)
	assert.Equal(t, history.StatusFailed, apiErr.Report.Status)
}

func TestClient_Token(t *testing.T) {
	ts := newTestManagerServer(t, api.Config{APIKey: "secret"}, stubManager{}, nil)

	anon, err := New(ts.URL)
	require.NoError(t, err)
	_, err = anon.Identity(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	authed, err := New(ts.URL, WithToken("secret"))
	require.NoError(t, err)
	_, err = authed.Identity(context.Background())
	assert.NoError(t, err)
}

func TestClient_Dispatches(t *testing.T) {
	ts := newTestManagerServer(t, api.Config{}, stubManager{}, nil)
	c, err := New(ts.URL, WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	require.NoError(t, err)
	ctx := context.Background()

	list, err := c.Dispatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "d-1", list[0].ID)

	d, err := c.GetDispatch(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Project)

	_, err = c.GetDispatch(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_Events(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.ManagerReady, map[string]any{"worker_size": 2})
	ts := newTestManagerServer(t, api.Config{}, stubManager{}, hub)
	c, err := New(ts.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Events(ctx, 0, func(ev events.Event) { got <- ev })
	}()

	first := <-got
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, events.ManagerReady, first.Type)
	assert.JSONEq(t, `{"worker_size":2}`, string(first.Data))

	hub.Publish(events.DispatchStarted, map[string]any{"project": "alpha"})
	second := <-got
	assert.Equal(t, events.DispatchStarted, second.Type)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
