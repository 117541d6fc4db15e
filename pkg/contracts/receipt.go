// Package contracts defines the wire types of the tally protocol: the
// immutable Receipt, the mutable Task, and the transient Lease, together
// with the request/response shapes of the public API.
//
// Receipts are the only coordination currency. A receipt records one of
// three obligation events:
//   - accepted: creates an obligation
//   - complete: resolves an obligation
//   - escalate: transfers responsibility
package contracts

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Sentinel values used by string fields that carry "absent" or
// "not yet known" semantics on the wire.
const (
	NA  = "NA"
	TBD = "TBD"
)

// SchemaVersion is the current receipt schema version.
const SchemaVersion = "1.0"

// Phase is the kind of obligation event a receipt records.
type Phase string

const (
	PhaseAccepted Phase = "accepted"
	PhaseComplete Phase = "complete"
	PhaseEscalate Phase = "escalate"
)

// Valid reports whether p is a member of the closed phase set.
func (p Phase) Valid() bool {
	switch p {
	case PhaseAccepted, PhaseComplete, PhaseEscalate:
		return true
	}
	return false
}

// Status is the completion status carried by complete receipts.
type Status string

const (
	StatusNA       Status = NA
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusNA, StatusSuccess, StatusFailure, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether s resolves an obligation.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCanceled
}

// OutcomeKind describes the shape of a task outcome.
type OutcomeKind string

const (
	OutcomeNA       OutcomeKind = NA
	OutcomeNone     OutcomeKind = "none"
	OutcomeText     OutcomeKind = "response_text"
	OutcomeArtifact OutcomeKind = "artifact_pointer"
	OutcomeMixed    OutcomeKind = "mixed"
)

// Valid reports whether k is a member of the closed outcome set.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeNA, OutcomeNone, OutcomeText, OutcomeArtifact, OutcomeMixed:
		return true
	}
	return false
}

// RequiresArtifact reports whether k obliges the artifact fields.
func (k OutcomeKind) RequiresArtifact() bool {
	return k == OutcomeArtifact || k == OutcomeMixed
}

// EscalationClass categorizes why responsibility is being transferred.
type EscalationClass string

const (
	EscalationNA         EscalationClass = NA
	EscalationOwner      EscalationClass = "owner"
	EscalationCapability EscalationClass = "capability"
	EscalationTrust      EscalationClass = "trust"
	EscalationPolicy     EscalationClass = "policy"
	EscalationScope      EscalationClass = "scope"
	EscalationOther      EscalationClass = "other"
)

// Valid reports whether c is a member of the closed escalation set.
func (c EscalationClass) Valid() bool {
	switch c {
	case EscalationNA, EscalationOwner, EscalationCapability,
		EscalationTrust, EscalationPolicy, EscalationScope, EscalationOther:
		return true
	}
	return false
}

// Receipt is an immutable, tenant-scoped record of an obligation event.
// After a receipt is appended to the ledger the only mutable columns are
// the read and archive markers; everything else is frozen.
type Receipt struct {
	SchemaVersion string `json:"schema_version"`

	// TenantID is server-assigned from the authenticated principal.
	// Client-supplied values are discarded on append.
	TenantID string `json:"tenant_id"`

	// ReceiptID is a ULID: 128-bit, time-prefixed, lexicographically
	// sortable. Unique per tenant.
	ReceiptID string `json:"receipt_id"`

	// Task correlation and provenance.
	TaskID            string `json:"task_id"`
	ParentTaskID      string `json:"parent_task_id"`
	CausedByReceiptID string `json:"caused_by_receipt_id"`
	DedupeKey         string `json:"dedupe_key"`
	Attempt           int    `json:"attempt"`

	// Routing and accountability. None of these may be "NA" or "TBD".
	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`
	SourceSystem  string `json:"source_system"`
	RecipientAI   string `json:"recipient_ai"`
	TrustDomain   string `json:"trust_domain"`

	Phase    Phase  `json:"phase"`
	Status   Status `json:"status"`
	Realtime bool   `json:"realtime"`

	// Task definition.
	TaskType             string         `json:"task_type"`
	TaskSummary          string         `json:"task_summary"`
	TaskBody             string         `json:"task_body"`
	Inputs               map[string]any `json:"inputs"`
	ExpectedOutcomeKind  OutcomeKind    `json:"expected_outcome_kind"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime"`

	// Outcome and artifacts. The artifact pointer is opaque to the
	// ledger; resolution belongs to the artifact store.
	OutcomeKind       OutcomeKind `json:"outcome_kind"`
	OutcomeText       string      `json:"outcome_text"`
	ArtifactLocation  string      `json:"artifact_location"`
	ArtifactPointer   string      `json:"artifact_pointer"`
	ArtifactChecksum  string      `json:"artifact_checksum"`
	ArtifactSizeBytes int64       `json:"artifact_size_bytes"`
	ArtifactMime      string      `json:"artifact_mime"`

	// Escalation.
	EscalationClass  EscalationClass `json:"escalation_class"`
	EscalationReason string          `json:"escalation_reason"`
	EscalationTo     string          `json:"escalation_to"`
	RetryRequested   bool            `json:"retry_requested"`

	// Timestamps. CreatedAt is the issuer clock; StoredAt is the ledger
	// clock and the authoritative ordering key.
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StoredAt    *time.Time `json:"stored_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`

	Metadata map[string]any `json:"metadata"`
}

// ReceiptSubmission is the client-facing shape for appending a receipt.
// tenant_id is intentionally absent: the ledger stamps it from the
// authenticated scope. stored_at, read_at and archived_at are server-owned.
type ReceiptSubmission struct {
	SchemaVersion string `json:"schema_version,omitempty"`
	ReceiptID     string `json:"receipt_id,omitempty"`

	TaskID            string `json:"task_id"`
	ParentTaskID      string `json:"parent_task_id,omitempty"`
	CausedByReceiptID string `json:"caused_by_receipt_id,omitempty"`
	DedupeKey         string `json:"dedupe_key,omitempty"`
	Attempt           int    `json:"attempt,omitempty"`

	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`
	SourceSystem  string `json:"source_system"`
	RecipientAI   string `json:"recipient_ai"`
	TrustDomain   string `json:"trust_domain,omitempty"`

	Phase    Phase  `json:"phase"`
	Status   Status `json:"status,omitempty"`
	Realtime bool   `json:"realtime,omitempty"`

	TaskType             string         `json:"task_type"`
	TaskSummary          string         `json:"task_summary"`
	TaskBody             string         `json:"task_body,omitempty"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	ExpectedOutcomeKind  OutcomeKind    `json:"expected_outcome_kind,omitempty"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime,omitempty"`

	OutcomeKind       OutcomeKind `json:"outcome_kind,omitempty"`
	OutcomeText       string      `json:"outcome_text,omitempty"`
	ArtifactLocation  string      `json:"artifact_location,omitempty"`
	ArtifactPointer   string      `json:"artifact_pointer,omitempty"`
	ArtifactChecksum  string      `json:"artifact_checksum,omitempty"`
	ArtifactSizeBytes int64       `json:"artifact_size_bytes,omitempty"`
	ArtifactMime      string      `json:"artifact_mime,omitempty"`

	EscalationClass  EscalationClass `json:"escalation_class,omitempty"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	EscalationTo     string          `json:"escalation_to,omitempty"`
	RetryRequested   bool            `json:"retry_requested,omitempty"`

	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Receipt materializes the submission into a Receipt with wire defaults
// applied. The result has no tenant and no stored_at; the ledger stamps
// both during append.
func (s *ReceiptSubmission) Receipt() *Receipt {
	r := &Receipt{
		SchemaVersion:        orDefault(s.SchemaVersion, SchemaVersion),
		ReceiptID:            s.ReceiptID,
		TaskID:               s.TaskID,
		ParentTaskID:         orDefault(s.ParentTaskID, NA),
		CausedByReceiptID:    orDefault(s.CausedByReceiptID, NA),
		DedupeKey:            orDefault(s.DedupeKey, NA),
		Attempt:              s.Attempt,
		FromPrincipal:        s.FromPrincipal,
		ForPrincipal:         s.ForPrincipal,
		SourceSystem:         s.SourceSystem,
		RecipientAI:          s.RecipientAI,
		TrustDomain:          orDefault(s.TrustDomain, "default"),
		Phase:                s.Phase,
		Status:               Status(orDefault(string(s.Status), NA)),
		Realtime:             s.Realtime,
		TaskType:             s.TaskType,
		TaskSummary:          s.TaskSummary,
		TaskBody:             s.TaskBody,
		Inputs:               s.Inputs,
		ExpectedOutcomeKind:  OutcomeKind(orDefault(string(s.ExpectedOutcomeKind), NA)),
		ExpectedArtifactMime: orDefault(s.ExpectedArtifactMime, NA),
		OutcomeKind:          OutcomeKind(orDefault(string(s.OutcomeKind), NA)),
		OutcomeText:          orDefault(s.OutcomeText, NA),
		ArtifactLocation:     orDefault(s.ArtifactLocation, NA),
		ArtifactPointer:      orDefault(s.ArtifactPointer, NA),
		ArtifactChecksum:     orDefault(s.ArtifactChecksum, NA),
		ArtifactSizeBytes:    s.ArtifactSizeBytes,
		ArtifactMime:         orDefault(s.ArtifactMime, NA),
		EscalationClass:      EscalationClass(orDefault(string(s.EscalationClass), NA)),
		EscalationReason:     orDefault(s.EscalationReason, NA),
		EscalationTo:         orDefault(s.EscalationTo, NA),
		RetryRequested:       s.RetryRequested,
		CreatedAt:            s.CreatedAt,
		StartedAt:            s.StartedAt,
		CompletedAt:          s.CompletedAt,
		Metadata:             s.Metadata,
	}
	if r.Inputs == nil {
		r.Inputs = map[string]any{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return r
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// NewReceiptID returns a fresh ULID for use as a receipt identifier.
func NewReceiptID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// ReceiptResponse is returned after a successful append.
type ReceiptResponse struct {
	ReceiptID string    `json:"receipt_id"`
	StoredAt  time.Time `json:"stored_at"`
	TenantID  string    `json:"tenant_id"`
}

// InboxResponse lists the active obligations of a recipient.
type InboxResponse struct {
	TenantID    string     `json:"tenant_id"`
	RecipientAI string     `json:"recipient_ai"`
	Count       int        `json:"count"`
	Receipts    []*Receipt `json:"receipts"`
}

// TimelineResponse lists every receipt of one task in stored order.
type TimelineResponse struct {
	TenantID string     `json:"tenant_id"`
	TaskID   string     `json:"task_id"`
	Receipts []*Receipt `json:"receipts"`
}

// ChainResponse is a bounded provenance traversal rooted at one receipt.
// Truncated is set when the traversal hit the depth cap; ContinueFrom
// names the receipt where a follow-up traversal should resume.
type ChainResponse struct {
	RootReceiptID string     `json:"root_receipt_id"`
	Chain         []*Receipt `json:"chain"`
	Truncated     bool       `json:"truncated,omitempty"`
	ContinueFrom  string     `json:"continue_from,omitempty"`
}

// BootstrapResponse hands an agent everything it needs to resume work:
// its open obligations and its recent receipt context.
type BootstrapResponse struct {
	TenantID  string          `json:"tenant_id"`
	AgentName string          `json:"agent_name"`
	SessionID string          `json:"session_id,omitempty"`
	Config    BootstrapConfig `json:"config"`
	Inbox     struct {
		Count    int        `json:"count"`
		Receipts []*Receipt `json:"receipts"`
	} `json:"inbox"`
	RecentContext struct {
		Receipts []*Receipt `json:"receipts"`
	} `json:"recent_context"`
}

// BootstrapConfig is the configuration portion of a bootstrap response.
type BootstrapConfig struct {
	ReceiptSchemaVersion string `json:"receipt_schema_version"`
}
