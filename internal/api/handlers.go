package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/history"
)

const maxDispatchBody = 64 << 10

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		State:         s.manager.Status().State,
	})
}

// handleIdentity handles GET /identity
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	cfg := s.manager.Config()
	st := s.manager.Status()
	pids := st.WorkerPIDs
	if pids == nil {
		pids = []int{}
	}
	respondJSON(w, http.StatusOK, IdentityResponse{
		ID:         cfg.ID,
		Name:       cfg.Name,
		Address:    s.Address(),
		Scheme:     Scheme,
		WorkerSize: cfg.WorkerSize,
		Projects:   s.manager.Projects(),
		State:      st.State,
		DispatchID: st.DispatchID,
		Project:    st.Project,
		Dispatcher: st.Dispatcher,
		WorkerPIDs: pids,
		Announced:  st.Announced,
	})
}

// handleAvailable handles GET /available/{project}
func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	respondJSON(w, http.StatusOK, AvailableResponse{
		Project:   project,
		Available: s.manager.AvailableFor(project),
	})
}

// handleDispatch handles POST /dispatch. It blocks until every worker exited.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDispatchBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body", coordinator.KindBadRequest)
		return
	}
	if len(body) > maxDispatchBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", coordinator.KindBadRequest)
		return
	}

	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", coordinator.KindBadRequest)
		return
	}

	// Run on the server context: a caller hanging up must not orphan a
	// half-finished dispatch with the advertisement withdrawn.
	report, err := s.manager.Dispatch(s.baseCtx, coordinator.Request{
		Project:    req.Project,
		Dispatcher: req.Dispatcher,
	})
	if err != nil {
		kind := coordinator.Kind(err)
		respondJSON(w, statusForKind(kind), ErrorResponse{
			Error:  err.Error(),
			Kind:   kind,
			Report: report,
		})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// statusForKind maps a dispatch error kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case coordinator.KindBusy:
		return http.StatusConflict
	case coordinator.KindNotRegistered:
		return http.StatusForbidden
	case coordinator.KindBadRequest:
		return http.StatusBadRequest
	case coordinator.KindResolution:
		return http.StatusUnprocessableEntity
	case coordinator.KindSync, coordinator.KindInstall, coordinator.KindHook:
		return http.StatusBadGateway
	case coordinator.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleListDispatches handles GET /dispatches?limit=N
func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, "dispatch history is not enabled", "")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", coordinator.KindBadRequest)
			return
		}
		limit = n
	}

	list, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list dispatches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dispatches", coordinator.KindInternal)
		return
	}
	if list == nil {
		list = []history.Dispatch{}
	}
	respondJSON(w, http.StatusOK, DispatchListResponse{Dispatches: list})
}

// handleGetDispatch handles GET /dispatches/{id}
func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, "dispatch history is not enabled", "")
		return
	}

	id := chi.URLParam(r, "id")
	d, err := s.history.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "dispatch not found", "")
			return
		}
		s.logger.Error("failed to get dispatch", "dispatch_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get dispatch", coordinator.KindInternal)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// handleOpenAPI handles GET /openapi.json
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.manager.Config().Name))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message, kind string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Kind: kind})
}
