package contracts

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TaskStatus is the queue state of a task. The only legal transitions are
//
//	queued -> leased -> completed | failed
//	leased -> queued           (retryable failure or lease expiry, attempts left)
//	leased -> failed           (terminal failure or retries exhausted)
//
// A lapsed lease is not a task state: the lease row records the expiry
// and the task lands back in queued or in failed per the retry budget.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskLeased    TaskStatus = "leased"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is the mutable queue entry behind one obligation. Its task_* fields
// mirror the receipt subset so the engine can stamp receipts from the row.
type Task struct {
	TaskID   string `json:"task_id"`
	TenantID string `json:"tenant_id"`

	TaskType             string         `json:"task_type"`
	TaskSummary          string         `json:"task_summary"`
	TaskBody             string         `json:"task_body"`
	Inputs               map[string]any `json:"inputs"`
	ExpectedOutcomeKind  OutcomeKind    `json:"expected_outcome_kind"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime"`

	RecipientAI   string `json:"recipient_ai"`
	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`

	CausedByReceiptID string `json:"caused_by_receipt_id"`
	ParentTaskID      string `json:"parent_task_id"`

	Status   TaskStatus `json:"status"`
	Priority int        `json:"priority"`

	// RetryPrincipal is where reaper escalations for this task are routed.
	// Set at submission; falls back to the tenant default.
	RetryPrincipal string `json:"retry_principal,omitempty"`

	// LeaseTTLSeconds overrides the configured lease TTL when positive.
	LeaseTTLSeconds int `json:"lease_ttl_seconds,omitempty"`

	LeaseID        string     `json:"lease_id,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	NotBefore   *time.Time `json:"not_before,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskSubmission is the client-facing shape for queueing a task. Task
// bodies obey the same sentinel-value rules as receipts.
type TaskSubmission struct {
	TaskType    string         `json:"task_type"`
	TaskSummary string         `json:"task_summary"`
	TaskBody    string         `json:"task_body,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`

	RecipientAI   string `json:"recipient_ai"`
	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`

	ExpectedOutcomeKind  OutcomeKind `json:"expected_outcome_kind,omitempty"`
	ExpectedArtifactMime string      `json:"expected_artifact_mime,omitempty"`

	CausedByReceiptID string `json:"caused_by_receipt_id,omitempty"`
	ParentTaskID      string `json:"parent_task_id,omitempty"`

	Priority        int        `json:"priority,omitempty"`
	MaxAttempts     int        `json:"max_attempts,omitempty"`
	RetryPrincipal  string     `json:"retry_principal,omitempty"`
	LeaseTTLSeconds int        `json:"lease_ttl_seconds,omitempty"`
	NotBefore       *time.Time `json:"not_before,omitempty"`
}

// TaskResponse is returned after queueing a task.
type TaskResponse struct {
	TaskID    string     `json:"task_id"`
	ReceiptID string     `json:"receipt_id,omitempty"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// DerivedStatus is computed from a task's receipt history, never stored.
type DerivedStatus string

const (
	DerivedResolved  DerivedStatus = "resolved"
	DerivedEscalated DerivedStatus = "escalated"
	DerivedOpen      DerivedStatus = "open"
	DerivedUnknown   DerivedStatus = "unknown"
)

// LeaseStatus tracks the lifecycle of a lease row.
type LeaseStatus string

const (
	LeaseActive   LeaseStatus = "active"
	LeaseReleased LeaseStatus = "released"
	LeaseExpired  LeaseStatus = "expired"
)

// Lease is a transient, exclusive claim on a task. Leases are coordination
// state only; they never cross into the receipt ledger.
type Lease struct {
	LeaseID    string      `json:"lease_id"`
	TenantID   string      `json:"tenant_id"`
	TaskID     string      `json:"task_id"`
	WorkerID   string      `json:"worker_id"`
	GrantedAt  time.Time   `json:"granted_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Heartbeats int         `json:"heartbeats"`
	Status     LeaseStatus `json:"status"`
}

// LeaseRequest is a worker's poll for available work. PreferredKinds
// narrows the claim to specific task types; without it the worker's
// Capabilities bound what it may be handed.
type LeaseRequest struct {
	WorkerID       string   `json:"worker_id"`
	Capabilities   []string `json:"capabilities,omitempty"`
	PreferredKinds []string `json:"preferred_kinds,omitempty"`
}

// LeaseTask is the task projection handed to a worker inside a grant.
type LeaseTask struct {
	TaskID               string         `json:"task_id"`
	TaskType             string         `json:"task_type"`
	TaskSummary          string         `json:"task_summary"`
	TaskBody             string         `json:"task_body"`
	Inputs               map[string]any `json:"inputs"`
	ExpectedOutcomeKind  OutcomeKind    `json:"expected_outcome_kind"`
	ExpectedArtifactMime string         `json:"expected_artifact_mime"`
	Attempt              int            `json:"attempt"`
}

// LeaseGrant is the offer returned by lease_next. The offer is ephemeral:
// no receipt is emitted until the worker acts on it.
type LeaseGrant struct {
	LeaseID        string    `json:"lease_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	Task           LeaseTask `json:"task"`
}

// HeartbeatRequest extends a lease.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// HeartbeatResponse confirms the extension.
type HeartbeatResponse struct {
	LeaseID        string    `json:"lease_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// CompleteRequest resolves a leased task.
type CompleteRequest struct {
	WorkerID string `json:"worker_id"`
	Status   Status `json:"status"`

	OutcomeKind OutcomeKind `json:"outcome_kind,omitempty"`
	OutcomeText string      `json:"outcome_text,omitempty"`

	ArtifactPointer   string `json:"artifact_pointer,omitempty"`
	ArtifactLocation  string `json:"artifact_location,omitempty"`
	ArtifactMime      string `json:"artifact_mime,omitempty"`
	ArtifactChecksum  string `json:"artifact_checksum,omitempty"`
	ArtifactSizeBytes int64  `json:"artifact_size_bytes,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// CompleteResponse confirms a completion.
type CompleteResponse struct {
	TaskID      string    `json:"task_id"`
	LeaseID     string    `json:"lease_id"`
	Status      Status    `json:"status"`
	ReceiptID   string    `json:"receipt_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// FailRequest reports a failure on a leased task. Class is optional; when
// absent the engine derives it from the reason text.
type FailRequest struct {
	WorkerID  string          `json:"worker_id"`
	Reason    string          `json:"reason"`
	Class     EscalationClass `json:"class,omitempty"`
	Retryable bool            `json:"retryable"`
}

// FailResponse reports the retry decision.
type FailResponse struct {
	TaskID         string `json:"task_id"`
	LeaseID        string `json:"lease_id"`
	Status         string `json:"status"`
	ReceiptID      string `json:"receipt_id"`
	RetryScheduled bool   `json:"retry_scheduled"`
	NextAttempt    int    `json:"next_attempt,omitempty"`
}

// NewTaskID returns a fresh task identifier. The ULID suffix keeps task
// IDs lexicographically sortable by creation time.
func NewTaskID() string {
	return "T-" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewLeaseID returns a fresh lease identifier.
func NewLeaseID() string {
	return "lease-" + uuid.New().String()
}
