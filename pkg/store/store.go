// Package store persists receipts, tasks, and leases. Two backends are
// provided: SQLite for single-node deployments and Postgres for anything
// that needs concurrent writers. Both speak the same Store interface and
// the same schema shape; the ledger and engine never see SQL.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tallyhq/tally/pkg/contracts"
)

// Sentinel errors. Callers branch on these with errors.Is; backends wrap
// driver errors into them.
var (
	// ErrNotFound means the row does not exist in the caller's tenant scope.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateReceipt means a receipt with the same (tenant, receipt_id)
	// already exists. The ledger resolves whether it is a benign replay.
	ErrDuplicateReceipt = errors.New("store: duplicate receipt")

	// ErrConflict means a guarded update lost a race, for example expiring
	// a lease that a worker completed in the same instant.
	ErrConflict = errors.New("store: conflict")

	// ErrLeaseExpired means the lease deadline passed before the operation.
	ErrLeaseExpired = errors.New("store: lease expired")

	// ErrLeaseNotOwned means the worker_id does not match the lease holder.
	ErrLeaseNotOwned = errors.New("store: lease not owned by worker")

	// ErrLeaseReleased means the lease was already released or expired.
	ErrLeaseReleased = errors.New("store: lease already released")

	// ErrUnavailable means the backend is unreachable. The reaper backs
	// off on this instead of crashing.
	ErrUnavailable = errors.New("store: unavailable")
)

// InboxFilter narrows an inbox listing. The inbox is always the set of
// unarchived accepted receipts addressed to the recipient, newest first;
// UnreadOnly additionally hides receipts that already carry a read marker.
type InboxFilter struct {
	RecipientAI string
	UnreadOnly  bool
	Limit       int
}

// Store is the persistence contract shared by both backends. All receipt
// and task reads are tenant-scoped; only ListExpiredLeases crosses
// tenants, because the reaper sweeps the whole table.
type Store interface {
	// Receipts.
	InsertReceipt(ctx context.Context, r *contracts.Receipt) error
	GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error)
	FindByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*contracts.Receipt, error)
	ListInbox(ctx context.Context, tenantID string, f InboxFilter) ([]*contracts.Receipt, error)
	MarkInboxRead(ctx context.Context, tenantID string, receiptIDs []string, at time.Time) (int, error)
	ListByTask(ctx context.Context, tenantID, taskID string, ascending bool) ([]*contracts.Receipt, error)
	ListChildren(ctx context.Context, tenantID, parentTaskID string) ([]*contracts.Receipt, error)
	ListCausedBy(ctx context.Context, tenantID, receiptID string) ([]*contracts.Receipt, error)
	ListRecent(ctx context.Context, tenantID, recipientAI string, limit int) ([]*contracts.Receipt, error)
	ArchiveReceipt(ctx context.Context, tenantID, receiptID string, at time.Time) (*contracts.Receipt, error)
	MaxStoredAt(ctx context.Context, tenantID string) (time.Time, error)

	// Tasks and leases.
	InsertTask(ctx context.Context, t *contracts.Task) error
	GetTask(ctx context.Context, tenantID, taskID string) (*contracts.Task, error)
	ListTasks(ctx context.Context, tenantID string, status contracts.TaskStatus, limit int) ([]*contracts.Task, error)
	GetLease(ctx context.Context, tenantID, leaseID string) (*contracts.Lease, error)

	// LeaseNext atomically claims the highest-priority eligible queued
	// task. The lease expiry honors the task's TTL override when set,
	// defaultTTL otherwise. Returns ErrNotFound when the queue is empty.
	LeaseNext(ctx context.Context, tenantID, workerID, leaseID string, kinds []string, now time.Time, defaultTTL time.Duration) (*contracts.Task, error)

	// ExtendLease moves the lease deadline. The caller computes the new
	// expiry, including any lifetime cap.
	ExtendLease(ctx context.Context, tenantID, leaseID, workerID string, now, newExpiry time.Time) (*contracts.Lease, error)

	// CompleteLease atomically appends the completion receipt, resolves
	// the task, and releases the lease.
	CompleteLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, now time.Time) error

	// FailLease atomically appends the escalation receipt and either
	// requeues the task with attempt+1 or marks it failed.
	FailLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, requeue bool, now time.Time) error

	// ListExpiredLeases returns leased tasks whose deadline passed.
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*contracts.Task, error)

	// ExpireLease is the reaper's half of the expiry race: it only wins
	// if the task still holds the same lease. ErrConflict means a worker
	// got there first.
	ExpireLease(ctx context.Context, task *contracts.Task, receipt *contracts.Receipt, requeue bool, now time.Time) error

	Ping(ctx context.Context) error
	Close() error
}
