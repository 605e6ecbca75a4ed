package api

import (
	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/history"
)

// DispatchRequest is the JSON body for POST /dispatch
type DispatchRequest struct {
	Project    string `json:"project"`
	Dispatcher string `json:"dispatcher"`
}

// ErrorResponse is returned on errors. Report is set when a dispatch got far
// enough to produce one.
type ErrorResponse struct {
	Error  string              `json:"error"`
	Kind   string              `json:"kind,omitempty"`
	Report *coordinator.Report `json:"report,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	State         coordinator.State `json:"state"`
}

// IdentityResponse is returned by GET /identity.
type IdentityResponse struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Scheme     string            `json:"scheme"`
	WorkerSize int               `json:"worker_size"`
	Projects   []string          `json:"projects"`
	State      coordinator.State `json:"state"`
	DispatchID string            `json:"dispatch_id,omitempty"`
	Project    string            `json:"project,omitempty"`
	Dispatcher string            `json:"dispatcher,omitempty"`
	WorkerPIDs []int             `json:"worker_pids"`
	Announced  bool              `json:"announced"`
}

// AvailableResponse is returned by GET /available/{project}.
type AvailableResponse struct {
	Project   string `json:"project"`
	Available bool   `json:"available"`
}

// DispatchListResponse is returned by GET /dispatches. Worker runs are only
// included by GET /dispatches/{id}.
type DispatchListResponse struct {
	Dispatches []history.Dispatch `json:"dispatches"`
}
