package api

import (
	"errors"
	"net/http"

	"github.com/tallyhq/tally/pkg/auth"
	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/engine"
	"github.com/tallyhq/tally/pkg/store"
)

// handleSubmitTask handles POST /v1/tasks.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var sub contracts.TaskSubmission
	if !decodeBody(w, r, &sub) {
		return
	}

	task, receipt, err := s.engine.Submit(r.Context(), tenantID, &sub)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	resp := contracts.TaskResponse{
		TaskID:    task.TaskID,
		Status:    task.Status,
		CreatedAt: task.CreatedAt,
	}
	if receipt != nil {
		resp.ReceiptID = receipt.ReceiptID
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleListTasks handles GET /v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	status := contracts.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.engine.ListTasks(r.Context(), tenantID, status, queryInt(r, "limit", 100))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"count":     len(tasks),
		"tasks":     tasks,
	})
}

// handleGetTask handles GET /v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	task, err := s.engine.GetTask(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Task not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTimeline handles GET /v1/tasks/{id}/timeline. Default order is
// ascending stored_at; order=desc flips it.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	ascending := r.URL.Query().Get("order") != "desc"
	timeline, err := s.ledger.Timeline(r.Context(), tenantID, r.PathValue("id"), ascending)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

// handleChildren handles GET /v1/tasks/{id}/children.
func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	children, err := s.ledger.Children(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"parent_task_id": r.PathValue("id"),
		"count":          len(children),
		"receipts":       children,
	})
}

// handleStatus handles GET /v1/tasks/{id}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	derived, err := s.ledger.Status(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": r.PathValue("id"),
		"status":  derived,
	})
}
