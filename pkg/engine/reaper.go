package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/receipts"
	"github.com/tallyhq/tally/pkg/store"
)

const maxReaperBackoff = 5 * time.Minute

// RunReaper sweeps expired leases until ctx is canceled. Store outages
// back the loop off exponentially instead of crashing it; one healthy
// sweep resets the interval.
func (e *Engine) RunReaper(ctx context.Context) error {
	interval := e.cfg.ReaperInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	e.log.InfoContext(ctx, "reaper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			e.log.InfoContext(ctx, "reaper stopped")
			return ctx.Err()
		case <-timer.C:
		}

		if err := e.SweepExpiredLeases(ctx); err != nil {
			interval *= 2
			if interval > maxReaperBackoff {
				interval = maxReaperBackoff
			}
			e.log.WarnContext(ctx, "reaper sweep failed, backing off",
				"error", err, "next_interval", interval.String())
		} else {
			interval = e.cfg.ReaperInterval
		}
		timer.Reset(interval)
	}
}

// SweepExpiredLeases runs one reaper pass: every leased task whose
// deadline passed is either requeued with attempt+1 or failed for good,
// and an escalation receipt routes the obligation to the retry
// principal. Exported so operators can trigger a pass out of cycle.
func (e *Engine) SweepExpiredLeases(ctx context.Context) error {
	now := e.clock().UTC()
	expired, err := e.store.ListExpiredLeases(ctx, now, e.cfg.ReaperBatch)
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}

	for _, task := range expired {
		if err := e.expire(ctx, task, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// A worker settled in the window between the listing
				// and our guarded update. Their outcome stands.
				e.log.DebugContext(ctx, "expiry lost race to worker",
					"tenant_id", task.TenantID, "task_id", task.TaskID)
				continue
			}
			e.log.ErrorContext(ctx, "lease expiry failed",
				"tenant_id", task.TenantID,
				"task_id", task.TaskID,
				"lease_id", task.LeaseID,
				"error", err)
		}
	}
	return nil
}

func (e *Engine) expire(ctx context.Context, task *contracts.Task, now time.Time) error {
	requeue := task.Attempt+1 < task.MaxAttempts
	reason := fmt.Sprintf("policy: lease expired, worker %s missed its deadline", task.WorkerID)

	receipt, err := e.prepareEscalation(ctx, task, escalation{
		from:    "system:reaper",
		class:   contracts.EscalationPolicy,
		reason:  reason,
		requeue: requeue,
	})
	if err != nil {
		receipt, err = e.quarantine(ctx, task, err)
		if err != nil {
			return err
		}
		requeue = false
	}

	if err := e.store.ExpireLease(ctx, task, receipt, requeue, now); err != nil {
		return err
	}
	e.obs.RecordLeaseExpired(ctx, task.TenantID, requeue)
	if requeue {
		e.obs.AddQueuedTasks(ctx, task.TenantID, 1)
	}

	e.log.InfoContext(ctx, "lease expired",
		"tenant_id", task.TenantID,
		"task_id", task.TaskID,
		"lease_id", task.LeaseID,
		"worker_id", task.WorkerID,
		"requeued", requeue,
		"attempt", task.Attempt)
	return nil
}

// quarantine builds a fallback escalation for a task row whose own
// fields cannot produce a valid receipt, routing everything at the
// configured retry principal. The task is failed rather than requeued:
// a row the engine cannot describe should not cycle through workers.
func (e *Engine) quarantine(ctx context.Context, task *contracts.Task, cause error) (*contracts.Receipt, error) {
	var ve *receipts.ValidationError
	if !errors.As(cause, &ve) {
		return nil, cause
	}
	e.log.WarnContext(ctx, "quarantining malformed task row",
		"tenant_id", task.TenantID,
		"task_id", task.TaskID,
		"error", cause)

	receipt := (&contracts.ReceiptSubmission{
		TaskID:           task.TaskID,
		FromPrincipal:    "system:reaper",
		ForPrincipal:     e.cfg.RetryPrincipal,
		SourceSystem:     e.cfg.SourceSystem,
		RecipientAI:      e.cfg.RetryPrincipal,
		Phase:            contracts.PhaseEscalate,
		TaskType:         orNA(task.TaskType),
		TaskSummary:      "quarantined: task row failed receipt validation",
		EscalationClass:  contracts.EscalationOther,
		EscalationReason: fmt.Sprintf("other: malformed task row (%s)", ve.Errors[0].Code),
		EscalationTo:     e.cfg.RetryPrincipal,
	}).Receipt()
	if err := e.ledger.Prepare(ctx, task.TenantID, receipt); err != nil {
		return nil, fmt.Errorf("quarantine receipt: %w", err)
	}
	return receipt, nil
}
