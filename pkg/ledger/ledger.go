// Package ledger owns the append path of the receipt log. It is the only
// writer of receipts: everything that becomes a receipt, whether posted
// by a client or stamped by the task engine, goes through validation,
// tenant stamping, and the monotonic stored_at clock in here.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/observability"
	"github.com/tallyhq/tally/pkg/receipts"
	"github.com/tallyhq/tally/pkg/store"
)

var (
	// ErrPayloadMismatch means a receipt_id was replayed with a payload
	// that differs from the stored one.
	ErrPayloadMismatch = errors.New("ledger: duplicate receipt_id with different payload")

	// ErrDedupeConflict means a dedupe_key is already bound to a
	// different side effect.
	ErrDedupeConflict = errors.New("ledger: dedupe_key already bound to a different receipt")

	// ErrChainCycle means a provenance traversal revisited a receipt.
	ErrChainCycle = errors.New("ledger: provenance chain contains a cycle")
)

// DefaultDepthCap bounds provenance traversals.
const DefaultDepthCap = 1000

// Ledger is the single writer of the receipt log. The mutex serializes
// appends so stored_at never goes backwards within a tenant, even when
// the wall clock does.
type Ledger struct {
	store     store.Store
	validator *receipts.Validator
	clock     func() time.Time
	log       *slog.Logger
	obs       *observability.Provider
	depthCap  int

	mu         sync.Mutex
	lastStored map[string]time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithObservability attaches metric instruments. A nil provider is fine;
// recording becomes a no-op.
func WithObservability(obs *observability.Provider) Option {
	return func(l *Ledger) { l.obs = obs }
}

// WithValidator replaces the default validator.
func WithValidator(v *receipts.Validator) Option {
	return func(l *Ledger) { l.validator = v }
}

// WithDepthCap bounds chain traversals.
func WithDepthCap(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.depthCap = n
		}
	}
}

// New builds a Ledger over st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      st,
		validator:  receipts.New(),
		clock:      time.Now,
		log:        slog.Default(),
		depthCap:   DefaultDepthCap,
		lastStored: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates and stores a submitted receipt under tenantID.
// Replaying an identical payload with the same receipt_id returns the
// stored receipt and no error.
func (l *Ledger) Append(ctx context.Context, tenantID string, sub *contracts.ReceiptSubmission) (*contracts.Receipt, error) {
	r := sub.Receipt()
	if err := l.Prepare(ctx, tenantID, r); err != nil {
		return nil, err
	}
	return l.Commit(ctx, r)
}

// Prepare stamps server-owned fields onto r and validates it. The
// receipt is not stored; pass it to Commit, or hand it to a store
// transaction that appends it atomically with a task transition.
func (l *Ledger) Prepare(ctx context.Context, tenantID string, r *contracts.Receipt) error {
	r.TenantID = tenantID
	if r.ReceiptID == "" {
		r.ReceiptID = contracts.NewReceiptID()
	}
	stored := l.stampStoredAt(ctx, tenantID)
	r.StoredAt = &stored
	r.ReadAt = nil
	r.ArchivedAt = nil
	if err := l.validator.Validate(r); err != nil {
		return err
	}
	return nil
}

// Commit stores a prepared receipt, resolving receipt_id replays and
// dedupe_key collisions.
func (l *Ledger) Commit(ctx context.Context, r *contracts.Receipt) (*contracts.Receipt, error) {
	if r.DedupeKey != contracts.NA {
		existing, err := l.store.FindByDedupeKey(ctx, r.TenantID, r.DedupeKey)
		switch {
		case err == nil:
			return l.resolveReplay(ctx, r, existing, ErrDedupeConflict)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("dedupe lookup: %w", err)
		}
	}

	err := l.store.InsertReceipt(ctx, r)
	if err == nil {
		l.obs.RecordReceiptAppended(ctx, r.TenantID, string(r.Phase))
		l.log.InfoContext(ctx, "receipt appended",
			"tenant_id", r.TenantID,
			"receipt_id", r.ReceiptID,
			"task_id", r.TaskID,
			"phase", string(r.Phase))
		return r, nil
	}
	if !errors.Is(err, store.ErrDuplicateReceipt) {
		return nil, err
	}

	existing, getErr := l.store.GetReceipt(ctx, r.TenantID, r.ReceiptID)
	if getErr != nil {
		return nil, fmt.Errorf("duplicate resolution: %w", getErr)
	}
	return l.resolveReplay(ctx, r, existing, ErrPayloadMismatch)
}

// resolveReplay decides whether a collision is a benign replay. Payloads
// are compared in canonical JSON with server-owned fields cleared, so a
// byte-identical resubmission is accepted no matter how the client
// ordered its keys.
func (l *Ledger) resolveReplay(ctx context.Context, candidate, existing *contracts.Receipt, mismatch error) (*contracts.Receipt, error) {
	a, err := canonicalPayload(candidate)
	if err != nil {
		return nil, err
	}
	b, err := canonicalPayload(existing)
	if err != nil {
		return nil, err
	}
	if a == b {
		l.log.DebugContext(ctx, "receipt replay accepted",
			"tenant_id", existing.TenantID, "receipt_id", existing.ReceiptID)
		return existing, nil
	}
	return nil, fmt.Errorf("receipt %s: %w", existing.ReceiptID, mismatch)
}

// Archive sets the archive marker. Archiving twice is a no-op that
// returns the receipt with its original marker.
func (l *Ledger) Archive(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	r, err := l.store.ArchiveReceipt(ctx, tenantID, receiptID, l.clock().UTC())
	if err != nil {
		return nil, err
	}
	l.log.InfoContext(ctx, "receipt archived",
		"tenant_id", tenantID, "receipt_id", receiptID)
	return r, nil
}

// Get fetches one receipt in the tenant's scope.
func (l *Ledger) Get(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	return l.store.GetReceipt(ctx, tenantID, receiptID)
}

// stampStoredAt hands out a per-tenant timestamp that never decreases.
// The high-water mark is seeded from the database on the first append
// after a restart.
func (l *Ledger) stampStoredAt(ctx context.Context, tenantID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, seen := l.lastStored[tenantID]
	if !seen {
		if dbMax, err := l.store.MaxStoredAt(ctx, tenantID); err == nil {
			last = dbMax
		}
	}
	now := l.clock().UTC()
	if now.Before(last) {
		now = last
	}
	l.lastStored[tenantID] = now
	return now
}

// canonicalPayload renders a receipt as RFC 8785 canonical JSON with the
// server-owned fields cleared. receipt_id is cleared too: a dedupe_key
// replay that omitted the id gets a fresh ULID, and that must not make
// an otherwise identical payload look different.
func canonicalPayload(r *contracts.Receipt) (string, error) {
	c := *r
	c.TenantID = ""
	c.ReceiptID = ""
	c.StoredAt = nil
	c.ReadAt = nil
	c.ArchivedAt = nil
	raw, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt: %w", err)
	}
	return string(canon), nil
}
