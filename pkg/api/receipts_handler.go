package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tallyhq/tally/pkg/auth"
	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/ledger"
	"github.com/tallyhq/tally/pkg/receipts"
	"github.com/tallyhq/tally/pkg/store"
)

// handleAppendReceipt handles POST /v1/receipts. Appending is idempotent:
// replaying an identical receipt returns the stored copy, replaying an
// altered one is a conflict.
func (s *Server) handleAppendReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var sub contracts.ReceiptSubmission
	if !decodeBody(w, r, &sub) {
		return
	}

	receipt, err := s.ledger.Append(r.Context(), tenantID, &sub)
	if err != nil {
		var verr *receipts.ValidationError
		switch {
		case errors.As(err, &verr):
			if len(verr.Errors) > 0 {
				s.obs.RecordValidationFailure(r.Context(), string(verr.Errors[0].Layer))
			}
			WriteValidationError(w, r, verr)
		case errors.Is(err, ledger.ErrPayloadMismatch):
			WriteErrorR(w, r, http.StatusConflict, "Conflict", "A different receipt with this receipt_id already exists")
		case errors.Is(err, ledger.ErrDedupeConflict):
			WriteErrorR(w, r, http.StatusConflict, "Conflict", "A different receipt with this dedupe_key already exists")
		default:
			WriteInternal(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, contracts.ReceiptResponse{
		ReceiptID: receipt.ReceiptID,
		StoredAt:  *receipt.StoredAt,
		TenantID:  receipt.TenantID,
	})
}

// handleGetReceipt handles GET /v1/receipts/{id}.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	receipt, err := s.ledger.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Receipt not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleArchiveReceipt handles POST /v1/receipts/{id}/archive. Archiving
// is idempotent; the first archive timestamp wins.
func (s *Server) handleArchiveReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	receipt, err := s.ledger.Archive(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Receipt not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleChain handles GET /v1/receipts/{id}/chain.
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	chain, err := s.ledger.Chain(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "Receipt not found")
		case errors.Is(err, ledger.ErrChainCycle):
			WriteConflict(w, "Causality chain contains a cycle")
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// handleInbox handles GET /v1/inbox. The recipient_ai query parameter is
// required; unread_only=true hides already-read receipts and
// mark_read=true flips the read marker on the returned page.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	recipient := r.URL.Query().Get("recipient_ai")
	if recipient == "" {
		WriteBadRequest(w, "Missing required query parameter: recipient_ai")
		return
	}

	opts := ledger.InboxOptions{
		UnreadOnly: queryBool(r, "unread_only"),
		MarkRead:   queryBool(r, "mark_read"),
		Limit:      queryInt(r, "limit", 0),
	}

	inbox, err := s.ledger.Inbox(r.Context(), tenantID, recipient, opts)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inbox)
}

// bootstrapRequest is the body of POST /v1/bootstrap.
type bootstrapRequest struct {
	AgentName   string `json:"agent_name"`
	SessionID   string `json:"session_id,omitempty"`
	InboxLimit  int    `json:"inbox_limit,omitempty"`
	RecentLimit int    `json:"recent_limit,omitempty"`
}

// handleBootstrap handles POST /v1/bootstrap.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustGetTenantID(r.Context())

	var req bootstrapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentName == "" {
		WriteBadRequest(w, "Missing required field: agent_name")
		return
	}

	resp, err := s.ledger.Bootstrap(r.Context(), tenantID, req.AgentName, req.SessionID, req.InboxLimit, req.RecentLimit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
