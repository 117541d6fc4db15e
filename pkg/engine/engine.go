// Package engine runs the task and lease lifecycle on top of the ledger:
// queueing, exclusive leases with TTLs and heartbeats, completion and
// failure settlement, and the background reaper that recovers work from
// dead workers. Leases are coordination state; every durable outcome the
// engine produces is a receipt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/ledger"
	"github.com/tallyhq/tally/pkg/observability"
	"github.com/tallyhq/tally/pkg/store"
)

var (
	// ErrInvalidRequest means the request shape is unusable: missing
	// worker, sentinel principals, empty reason, and so on.
	ErrInvalidRequest = errors.New("engine: invalid request")

	// ErrLateSettlement means the lease lapsed before the worker
	// settled. The outcome receipt is still appended for the record,
	// but the task's queue state is owned by whoever won the race.
	ErrLateSettlement = errors.New("engine: lease no longer live, outcome recorded out of band")
)

// Config carries the engine's tunables. Zero values fall back to the
// defaults documented per field.
type Config struct {
	LeaseTTL         time.Duration // default 15m
	MaxLeaseLifetime time.Duration // heartbeat cap from grant, default 2h
	ReaperInterval   time.Duration // default 30s
	ReaperBatch      int           // default 100

	DefaultMaxAttempts int // default 3

	// RetryPrincipal receives the escalation receipts for expired and
	// exhausted tasks when the task itself does not name one.
	RetryPrincipal string

	// SourceSystem is stamped on engine-authored receipts.
	SourceSystem string

	// EmitAcceptedOnSubmit appends an accepted receipt when a task is
	// queued. Off by default: acceptance belongs to the worker that
	// actually takes the obligation on.
	EmitAcceptedOnSubmit bool
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Minute
	}
	if c.MaxLeaseLifetime <= 0 {
		c.MaxLeaseLifetime = 2 * time.Hour
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	if c.ReaperBatch <= 0 {
		c.ReaperBatch = 100
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.RetryPrincipal == "" {
		c.RetryPrincipal = "agent:operator"
	}
	if c.SourceSystem == "" {
		c.SourceSystem = "tally-engine"
	}
	return c
}

// Engine coordinates tasks and leases.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	cfg    Config
	log    *slog.Logger
	obs    *observability.Provider
	clock  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithObservability attaches metric instruments. A nil provider is fine;
// recording becomes a no-op.
func WithObservability(obs *observability.Provider) Option {
	return func(e *Engine) { e.obs = obs }
}

// New builds an Engine over st and l.
func New(st store.Store, l *ledger.Ledger, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		ledger: l,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func isSentinel(v string) bool {
	return v == "" || v == contracts.NA || v == contracts.TBD
}

// Submit queues a task. When accepted-receipt emission is enabled the
// returned receipt is non-nil.
func (e *Engine) Submit(ctx context.Context, tenantID string, sub *contracts.TaskSubmission) (*contracts.Task, *contracts.Receipt, error) {
	switch {
	case isSentinel(sub.TaskType):
		return nil, nil, fmt.Errorf("task_type is required: %w", ErrInvalidRequest)
	case isSentinel(sub.TaskSummary):
		return nil, nil, fmt.Errorf("task_summary is required: %w", ErrInvalidRequest)
	case isSentinel(sub.RecipientAI):
		return nil, nil, fmt.Errorf("recipient_ai is required: %w", ErrInvalidRequest)
	case isSentinel(sub.FromPrincipal):
		return nil, nil, fmt.Errorf("from_principal is required: %w", ErrInvalidRequest)
	case isSentinel(sub.ForPrincipal):
		return nil, nil, fmt.Errorf("for_principal is required: %w", ErrInvalidRequest)
	}

	now := e.clock().UTC()
	task := &contracts.Task{
		TaskID:               contracts.NewTaskID(),
		TenantID:             tenantID,
		TaskType:             sub.TaskType,
		TaskSummary:          sub.TaskSummary,
		TaskBody:             orNA(sub.TaskBody),
		Inputs:               sub.Inputs,
		ExpectedOutcomeKind:  orOutcomeNA(sub.ExpectedOutcomeKind),
		ExpectedArtifactMime: orNA(sub.ExpectedArtifactMime),
		RecipientAI:          sub.RecipientAI,
		FromPrincipal:        sub.FromPrincipal,
		ForPrincipal:         sub.ForPrincipal,
		CausedByReceiptID:    orNA(sub.CausedByReceiptID),
		ParentTaskID:         orNA(sub.ParentTaskID),
		Status:               contracts.TaskQueued,
		Priority:             sub.Priority,
		RetryPrincipal:       sub.RetryPrincipal,
		LeaseTTLSeconds:      sub.LeaseTTLSeconds,
		MaxAttempts:          sub.MaxAttempts,
		NotBefore:            sub.NotBefore,
		CreatedAt:            now,
	}
	if task.Inputs == nil {
		task.Inputs = map[string]any{}
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = e.cfg.DefaultMaxAttempts
	}

	if err := e.store.InsertTask(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("queue task: %w", err)
	}
	e.obs.AddQueuedTasks(ctx, tenantID, 1)
	e.log.InfoContext(ctx, "task queued",
		"tenant_id", tenantID,
		"task_id", task.TaskID,
		"task_type", task.TaskType,
		"recipient_ai", task.RecipientAI)

	if !e.cfg.EmitAcceptedOnSubmit {
		return task, nil, nil
	}

	accepted := (&contracts.ReceiptSubmission{
		TaskID:               task.TaskID,
		ParentTaskID:         task.ParentTaskID,
		CausedByReceiptID:    task.CausedByReceiptID,
		FromPrincipal:        task.FromPrincipal,
		ForPrincipal:         task.ForPrincipal,
		SourceSystem:         e.cfg.SourceSystem,
		RecipientAI:          task.RecipientAI,
		Phase:                contracts.PhaseAccepted,
		TaskType:             task.TaskType,
		TaskSummary:          task.TaskSummary,
		TaskBody:             task.TaskBody,
		Inputs:               task.Inputs,
		ExpectedOutcomeKind:  task.ExpectedOutcomeKind,
		ExpectedArtifactMime: task.ExpectedArtifactMime,
		CreatedAt:            &now,
	}).Receipt()
	if err := e.ledger.Prepare(ctx, tenantID, accepted); err != nil {
		return nil, nil, fmt.Errorf("accepted receipt: %w", err)
	}
	receipt, err := e.ledger.Commit(ctx, accepted)
	if err != nil {
		return nil, nil, fmt.Errorf("accepted receipt: %w", err)
	}
	return task, receipt, nil
}

// GetTask fetches one task in the tenant's scope.
func (e *Engine) GetTask(ctx context.Context, tenantID, taskID string) (*contracts.Task, error) {
	return e.store.GetTask(ctx, tenantID, taskID)
}

// ListTasks lists tasks, optionally filtered by queue status.
func (e *Engine) ListTasks(ctx context.Context, tenantID string, status contracts.TaskStatus, limit int) ([]*contracts.Task, error) {
	return e.store.ListTasks(ctx, tenantID, status, limit)
}

// Lease claims the next eligible task for a worker. A nil grant with a
// nil error means the queue is empty.
func (e *Engine) Lease(ctx context.Context, tenantID string, req *contracts.LeaseRequest) (*contracts.LeaseGrant, error) {
	if req == nil || req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required: %w", ErrInvalidRequest)
	}
	now := e.clock().UTC()
	leaseID := contracts.NewLeaseID()

	// An explicit preference narrows the claim; otherwise the worker's
	// declared capabilities bound what it may be handed.
	kinds := req.PreferredKinds
	if len(kinds) == 0 {
		kinds = req.Capabilities
	}

	task, err := e.store.LeaseNext(ctx, tenantID, req.WorkerID, leaseID, kinds, now, e.cfg.LeaseTTL)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease next: %w", err)
	}

	e.obs.RecordLeaseGranted(ctx, tenantID)
	e.obs.AddQueuedTasks(ctx, tenantID, -1)
	e.log.InfoContext(ctx, "lease granted",
		"tenant_id", tenantID,
		"task_id", task.TaskID,
		"lease_id", leaseID,
		"worker_id", req.WorkerID,
		"attempt", task.Attempt)

	return &contracts.LeaseGrant{
		LeaseID:        leaseID,
		LeaseExpiresAt: *task.LeaseExpiresAt,
		Task: contracts.LeaseTask{
			TaskID:               task.TaskID,
			TaskType:             task.TaskType,
			TaskSummary:          task.TaskSummary,
			TaskBody:             task.TaskBody,
			Inputs:               task.Inputs,
			ExpectedOutcomeKind:  task.ExpectedOutcomeKind,
			ExpectedArtifactMime: task.ExpectedArtifactMime,
			Attempt:              task.Attempt,
		},
	}, nil
}

// Heartbeat extends a live lease by its TTL, capped at the maximum
// lifetime from the original grant.
func (e *Engine) Heartbeat(ctx context.Context, tenantID, leaseID string, req *contracts.HeartbeatRequest) (*contracts.HeartbeatResponse, error) {
	if req == nil || req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required: %w", ErrInvalidRequest)
	}
	now := e.clock().UTC()

	lease, err := e.store.GetLease(ctx, tenantID, leaseID)
	if err != nil {
		return nil, err
	}
	ttl := e.cfg.LeaseTTL
	if task, err := e.store.GetTask(ctx, tenantID, lease.TaskID); err == nil && task.LeaseTTLSeconds > 0 {
		ttl = time.Duration(task.LeaseTTLSeconds) * time.Second
	}

	newExpiry := now.Add(ttl)
	lifetimeCap := lease.GrantedAt.Add(e.cfg.MaxLeaseLifetime)
	if newExpiry.After(lifetimeCap) {
		newExpiry = lifetimeCap
	}
	if !newExpiry.After(now) {
		return nil, fmt.Errorf("lease %s hit its lifetime cap: %w", leaseID, store.ErrLeaseExpired)
	}

	updated, err := e.store.ExtendLease(ctx, tenantID, leaseID, req.WorkerID, now, newExpiry)
	if err != nil {
		return nil, err
	}
	return &contracts.HeartbeatResponse{
		LeaseID:        leaseID,
		LeaseExpiresAt: updated.ExpiresAt,
	}, nil
}

// Complete settles a leased task with a terminal status and appends the
// completion receipt atomically with the task transition. If the lease
// lapsed first, the receipt is still appended and ErrLateSettlement is
// returned.
func (e *Engine) Complete(ctx context.Context, tenantID, leaseID string, req *contracts.CompleteRequest) (*contracts.CompleteResponse, error) {
	if req == nil || req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required: %w", ErrInvalidRequest)
	}
	if !req.Status.Terminal() {
		return nil, fmt.Errorf("status must be success, failure, or canceled: %w", ErrInvalidRequest)
	}
	now := e.clock().UTC()

	lease, err := e.store.GetLease(ctx, tenantID, leaseID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, tenantID, lease.TaskID)
	if err != nil {
		return nil, err
	}

	kind := req.OutcomeKind
	if kind == "" || kind == contracts.OutcomeNA {
		if req.OutcomeText != "" {
			kind = contracts.OutcomeText
		} else {
			kind = contracts.OutcomeNone
		}
	}

	receipt := (&contracts.ReceiptSubmission{
		TaskID:               task.TaskID,
		ParentTaskID:         task.ParentTaskID,
		CausedByReceiptID:    task.CausedByReceiptID,
		Attempt:              task.Attempt,
		FromPrincipal:        req.WorkerID,
		ForPrincipal:         task.ForPrincipal,
		SourceSystem:         e.cfg.SourceSystem,
		RecipientAI:          task.FromPrincipal,
		Phase:                contracts.PhaseComplete,
		Status:               req.Status,
		TaskType:             task.TaskType,
		TaskSummary:          task.TaskSummary,
		TaskBody:             task.TaskBody,
		Inputs:               task.Inputs,
		ExpectedOutcomeKind:  task.ExpectedOutcomeKind,
		ExpectedArtifactMime: task.ExpectedArtifactMime,
		OutcomeKind:          kind,
		OutcomeText:          req.OutcomeText,
		ArtifactPointer:      req.ArtifactPointer,
		ArtifactLocation:     req.ArtifactLocation,
		ArtifactMime:         req.ArtifactMime,
		ArtifactChecksum:     req.ArtifactChecksum,
		ArtifactSizeBytes:    req.ArtifactSizeBytes,
		StartedAt:            task.StartedAt,
		CompletedAt:          &now,
		Metadata:             req.Metadata,
	}).Receipt()
	if err := e.ledger.Prepare(ctx, tenantID, receipt); err != nil {
		return nil, err
	}

	err = e.store.CompleteLease(ctx, tenantID, leaseID, req.WorkerID, receipt, now)
	if errors.Is(err, store.ErrLeaseExpired) || errors.Is(err, store.ErrLeaseReleased) {
		if _, commitErr := e.ledger.Commit(ctx, receipt); commitErr != nil {
			return nil, fmt.Errorf("record late completion: %w", commitErr)
		}
		e.log.WarnContext(ctx, "late completion recorded after lease lapse",
			"tenant_id", tenantID,
			"task_id", task.TaskID,
			"lease_id", leaseID,
			"receipt_id", receipt.ReceiptID)
		return nil, fmt.Errorf("receipt %s: %w", receipt.ReceiptID, ErrLateSettlement)
	}
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "task completed",
		"tenant_id", tenantID,
		"task_id", task.TaskID,
		"lease_id", leaseID,
		"status", string(req.Status))

	return &contracts.CompleteResponse{
		TaskID:      task.TaskID,
		LeaseID:     leaseID,
		Status:      req.Status,
		ReceiptID:   receipt.ReceiptID,
		CompletedAt: now,
	}, nil
}

// Fail reports a failed attempt. Retryable failures requeue the task
// while attempts remain; either way an escalation receipt routes the
// obligation to the retry principal.
func (e *Engine) Fail(ctx context.Context, tenantID, leaseID string, req *contracts.FailRequest) (*contracts.FailResponse, error) {
	if req == nil || req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required: %w", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("reason is required: %w", ErrInvalidRequest)
	}
	now := e.clock().UTC()

	lease, err := e.store.GetLease(ctx, tenantID, leaseID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, tenantID, lease.TaskID)
	if err != nil {
		return nil, err
	}

	requeue := req.Retryable && task.Attempt+1 < task.MaxAttempts
	receipt, err := e.prepareEscalation(ctx, task, escalation{
		from:    req.WorkerID,
		class:   req.Class,
		reason:  req.Reason,
		requeue: requeue,
	})
	if err != nil {
		return nil, err
	}

	if err := e.store.FailLease(ctx, tenantID, leaseID, req.WorkerID, receipt, requeue, now); err != nil {
		return nil, err
	}
	if requeue {
		e.obs.AddQueuedTasks(ctx, tenantID, 1)
	}

	status := contracts.TaskFailed
	resp := &contracts.FailResponse{
		TaskID:         task.TaskID,
		LeaseID:        leaseID,
		ReceiptID:      receipt.ReceiptID,
		RetryScheduled: requeue,
	}
	if requeue {
		status = contracts.TaskQueued
		resp.NextAttempt = task.Attempt + 1
	}
	resp.Status = string(status)

	e.log.InfoContext(ctx, "task attempt failed",
		"tenant_id", tenantID,
		"task_id", task.TaskID,
		"lease_id", leaseID,
		"retry_scheduled", requeue,
		"class", string(receipt.EscalationClass))
	return resp, nil
}

// Release hands a lease back voluntarily. It is recorded as a retryable
// failure so the attempt budget still bounds churn.
func (e *Engine) Release(ctx context.Context, tenantID, leaseID, workerID string) (*contracts.FailResponse, error) {
	return e.Fail(ctx, tenantID, leaseID, &contracts.FailRequest{
		WorkerID:  workerID,
		Reason:    "voluntary_release: worker returned the lease",
		Class:     contracts.EscalationOther,
		Retryable: true,
	})
}

type escalation struct {
	from    string
	class   contracts.EscalationClass
	reason  string
	requeue bool
}

// prepareEscalation builds and validates the escalate receipt for a
// failed or expired attempt. The escalation target doubles as the
// recipient so the obligation lands in the right inbox.
func (e *Engine) prepareEscalation(ctx context.Context, task *contracts.Task, esc escalation) (*contracts.Receipt, error) {
	target := task.RetryPrincipal
	if target == "" {
		target = e.cfg.RetryPrincipal
	}
	class := esc.class
	if class == "" || class == contracts.EscalationNA {
		class = deriveClass(esc.reason)
	}
	attempt := task.Attempt
	if esc.requeue {
		attempt++
	}

	receipt := (&contracts.ReceiptSubmission{
		TaskID:               task.TaskID,
		ParentTaskID:         task.ParentTaskID,
		CausedByReceiptID:    task.CausedByReceiptID,
		Attempt:              attempt,
		FromPrincipal:        esc.from,
		ForPrincipal:         task.ForPrincipal,
		SourceSystem:         e.cfg.SourceSystem,
		RecipientAI:          target,
		Phase:                contracts.PhaseEscalate,
		TaskType:             task.TaskType,
		TaskSummary:          task.TaskSummary,
		TaskBody:             task.TaskBody,
		Inputs:               task.Inputs,
		ExpectedOutcomeKind:  task.ExpectedOutcomeKind,
		ExpectedArtifactMime: task.ExpectedArtifactMime,
		EscalationClass:      class,
		EscalationReason:     esc.reason,
		EscalationTo:         target,
		RetryRequested:       esc.requeue,
		StartedAt:            task.StartedAt,
	}).Receipt()
	if err := e.ledger.Prepare(ctx, task.TenantID, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// deriveClass maps a conventional "class: detail" reason prefix onto the
// escalation taxonomy.
func deriveClass(reason string) contracts.EscalationClass {
	prefix, _, found := strings.Cut(reason, ":")
	if !found {
		return contracts.EscalationOther
	}
	switch strings.TrimSpace(strings.ToLower(prefix)) {
	case "owner":
		return contracts.EscalationOwner
	case "capability":
		return contracts.EscalationCapability
	case "trust":
		return contracts.EscalationTrust
	case "policy":
		return contracts.EscalationPolicy
	case "scope":
		return contracts.EscalationScope
	}
	return contracts.EscalationOther
}

func orNA(v string) string {
	if v == "" {
		return contracts.NA
	}
	return v
}

func orOutcomeNA(k contracts.OutcomeKind) contracts.OutcomeKind {
	if k == "" {
		return contracts.OutcomeNA
	}
	return k
}
