package api

import (
	"errors"
	"net/http"

	"github.com/tallyhq/tally/pkg/auth"
	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/engine"
	"github.com/tallyhq/tally/pkg/store"
)

// handleLease handles POST /v1/lease. An empty queue is not an error:
// the worker gets 204 and polls again.
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var req contracts.LeaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	grant, err := s.engine.Lease(r.Context(), tenantID, &req)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	if grant == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// handleHeartbeat handles POST /v1/lease/{id}/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var req contracts.HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.engine.Heartbeat(r.Context(), tenantID, r.PathValue("id"), &req)
	if err != nil {
		writeLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleComplete handles POST /v1/lease/{id}/complete. A late completion
// still lands its receipt in the ledger, but the call reports the
// conflict so the worker knows the queue moved on.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var req contracts.CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.engine.Complete(r.Context(), tenantID, r.PathValue("id"), &req)
	if err != nil {
		if errors.Is(err, engine.ErrLateSettlement) {
			WriteConflict(w, "Lease no longer live; the completion receipt was recorded")
			return
		}
		writeLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFail handles POST /v1/lease/{id}/fail.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var req contracts.FailRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.engine.Fail(r.Context(), tenantID, r.PathValue("id"), &req)
	if err != nil {
		if errors.Is(err, engine.ErrLateSettlement) {
			WriteConflict(w, "Lease no longer live; the failure receipt was recorded")
			return
		}
		writeLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// releaseRequest is the body of POST /v1/lease/{id}/release.
type releaseRequest struct {
	WorkerID string `json:"worker_id"`
}

// handleRelease handles POST /v1/lease/{id}/release.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.engine.Release(r.Context(), tenantID, r.PathValue("id"), req.WorkerID)
	if err != nil {
		if errors.Is(err, engine.ErrLateSettlement) {
			WriteConflict(w, "Lease no longer live; the release receipt was recorded")
			return
		}
		writeLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeLeaseError maps lease errors onto problem responses carrying the
// request's trace_id and instance.
func writeLeaseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "Lease not found")
	case errors.Is(err, store.ErrLeaseNotOwned):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "Lease is held by a different worker")
	case errors.Is(err, store.ErrLeaseExpired):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", "Lease has expired")
	case errors.Is(err, store.ErrLeaseReleased):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", "Lease has already been settled")
	default:
		WriteInternal(w, err)
	}
}
