package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/receipts"
	"github.com/tallyhq/tally/pkg/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	return New(st, WithClock(clock.Now)), clock
}

func submission(taskID string) *contracts.ReceiptSubmission {
	return &contracts.ReceiptSubmission{
		TaskID:        taskID,
		FromPrincipal: "user:alice",
		ForPrincipal:  "user:alice",
		SourceSystem:  "cli",
		RecipientAI:   "agent:researcher",
		Phase:         contracts.PhaseAccepted,
		TaskType:      "research",
		TaskSummary:   "summarize filings",
	}
}

func TestAppendStampsServerFields(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	r, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", r.TenantID)
	assert.NotEmpty(t, r.ReceiptID)
	require.NotNil(t, r.StoredAt)
	assert.True(t, r.StoredAt.Equal(clock.Now()))
	assert.Equal(t, contracts.SchemaVersion, r.SchemaVersion)
	assert.Equal(t, "default", r.TrustDomain)
}

func TestAppendRejectsInvalidReceipt(t *testing.T) {
	l, _ := newTestLedger(t)

	sub := submission("T-1")
	sub.TaskSummary = contracts.TBD
	_, err := l.Append(context.Background(), "tenant-a", sub)
	var ve *receipts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.HasCode(receipts.CodePhaseAccepted))
}

func TestAppendIdenticalReplayIsIdempotent(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	sub := submission("T-1")
	sub.ReceiptID = contracts.NewReceiptID()

	first, err := l.Append(ctx, "tenant-a", sub)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := l.Append(ctx, "tenant-a", sub)
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
	assert.True(t, first.StoredAt.Equal(*second.StoredAt), "replay must return the stored receipt")

	timeline, err := l.Timeline(ctx, "tenant-a", "T-1", true)
	require.NoError(t, err)
	assert.Len(t, timeline.Receipts, 1)
}

func TestAppendReplayWithDifferentPayloadFails(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	sub := submission("T-1")
	sub.ReceiptID = contracts.NewReceiptID()
	_, err := l.Append(ctx, "tenant-a", sub)
	require.NoError(t, err)

	sub.TaskSummary = "a different summary"
	_, err = l.Append(ctx, "tenant-a", sub)
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestAppendDedupeKey(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	sub := submission("T-1")
	sub.DedupeKey = "send-invoice-42"
	first, err := l.Append(ctx, "tenant-a", sub)
	require.NoError(t, err)

	// identical payload, no receipt_id: benign replay
	replay := submission("T-1")
	replay.DedupeKey = "send-invoice-42"
	got, err := l.Append(ctx, "tenant-a", replay)
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptID, got.ReceiptID)

	// same key, different side effect: rejected
	conflicting := submission("T-2")
	conflicting.DedupeKey = "send-invoice-42"
	_, err = l.Append(ctx, "tenant-a", conflicting)
	assert.ErrorIs(t, err, ErrDedupeConflict)
}

func TestStoredAtNeverDecreases(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)

	// wall clock steps backwards
	clock.Advance(-time.Hour)
	second, err := l.Append(ctx, "tenant-a", submission("T-2"))
	require.NoError(t, err)

	assert.False(t, second.StoredAt.Before(*first.StoredAt))
}

func TestStoredAtIsolatedPerTenant(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)

	clock.Advance(-time.Hour)
	r, err := l.Append(ctx, "tenant-b", submission("T-1"))
	require.NoError(t, err)
	assert.True(t, r.StoredAt.Equal(clock.Now()), "tenant-b clock is not dragged forward by tenant-a")
}

func TestArchiveIsIdempotent(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	r, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)

	first, err := l.Archive(ctx, "tenant-a", r.ReceiptID)
	require.NoError(t, err)
	require.NotNil(t, first.ArchivedAt)

	clock.Advance(time.Hour)
	again, err := l.Archive(ctx, "tenant-a", r.ReceiptID)
	require.NoError(t, err)
	assert.True(t, first.ArchivedAt.Equal(*again.ArchivedAt))
}

func TestInboxMarkRead(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	inbox, err := l.Inbox(ctx, "tenant-a", "agent:researcher", InboxOptions{MarkRead: true})
	require.NoError(t, err)
	require.Equal(t, 1, inbox.Count)
	require.NotNil(t, inbox.Receipts[0].ReadAt)

	unread, err := l.Inbox(ctx, "tenant-a", "agent:researcher", InboxOptions{UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 0, unread.Count)

	all, err := l.Inbox(ctx, "tenant-a", "agent:researcher", InboxOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, all.Count)
}

func TestInboxListsAcceptedObligationsNewestFirst(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := l.Append(ctx, "tenant-a", submission("T-2"))
	require.NoError(t, err)

	clock.Advance(time.Second)
	now := clock.Now()
	done := submission("T-1")
	done.Phase = contracts.PhaseComplete
	done.Status = contracts.StatusSuccess
	done.OutcomeKind = contracts.OutcomeText
	done.OutcomeText = "done"
	done.CompletedAt = &now
	_, err = l.Append(ctx, "tenant-a", done)
	require.NoError(t, err)

	clock.Advance(time.Second)
	esc := submission("T-2")
	esc.Phase = contracts.PhaseEscalate
	esc.EscalationClass = contracts.EscalationCapability
	esc.EscalationReason = "missing capability"
	esc.EscalationTo = "agent:researcher"
	_, err = l.Append(ctx, "tenant-a", esc)
	require.NoError(t, err)

	inbox, err := l.Inbox(ctx, "tenant-a", "agent:researcher", InboxOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, inbox.Count, "complete and escalate receipts are not obligations")
	assert.Equal(t, second.ReceiptID, inbox.Receipts[0].ReceiptID, "newest first")
	assert.Equal(t, first.ReceiptID, inbox.Receipts[1].ReceiptID)
}

func appendChain(t *testing.T, l *Ledger, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		sub := submission("T-1")
		sub.ReceiptID = contracts.NewReceiptID()
		if i > 0 {
			sub.CausedByReceiptID = ids[i-1]
		}
		r, err := l.Append(context.Background(), "tenant-a", sub)
		require.NoError(t, err)
		ids[i] = r.ReceiptID
	}
	return ids
}

func TestChainAscendsAndDescends(t *testing.T) {
	l, _ := newTestLedger(t)
	ids := appendChain(t, l, 3)

	resp, err := l.Chain(context.Background(), "tenant-a", ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[0], resp.RootReceiptID)
	require.Len(t, resp.Chain, 3)
	assert.Equal(t, ids[0], resp.Chain[0].ReceiptID)
	assert.Equal(t, ids[1], resp.Chain[1].ReceiptID)
	assert.Equal(t, ids[2], resp.Chain[2].ReceiptID)
	assert.False(t, resp.Truncated)
}

func TestChainTruncatesAtDepthCap(t *testing.T) {
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	l := New(st, WithDepthCap(2))

	ids := appendChain(t, l, 4)
	resp, err := l.Chain(context.Background(), "tenant-a", ids[0])
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.NotEmpty(t, resp.ContinueFrom)
	assert.LessOrEqual(t, len(resp.Chain), 2)
}

func TestChainDetectsCycle(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	idA := contracts.NewReceiptID()
	idB := contracts.NewReceiptID()

	subA := submission("T-1")
	subA.ReceiptID = idA
	subA.CausedByReceiptID = idB
	_, err := l.Append(ctx, "tenant-a", subA)
	require.NoError(t, err)

	subB := submission("T-1")
	subB.ReceiptID = idB
	subB.CausedByReceiptID = idA
	_, err = l.Append(ctx, "tenant-a", subB)
	require.NoError(t, err)

	_, err = l.Chain(ctx, "tenant-a", idA)
	assert.ErrorIs(t, err, ErrChainCycle)
}

func TestStatusDerivation(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	status, err := l.Status(ctx, "tenant-a", "T-none")
	require.NoError(t, err)
	assert.Equal(t, contracts.DerivedUnknown, status)

	_, err = l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)
	status, err = l.Status(ctx, "tenant-a", "T-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.DerivedOpen, status)

	clock.Advance(time.Second)
	esc := submission("T-1")
	esc.Phase = contracts.PhaseEscalate
	esc.EscalationClass = contracts.EscalationCapability
	esc.EscalationReason = "missing capability"
	esc.EscalationTo = "agent:operator"
	esc.RecipientAI = "agent:operator"
	_, err = l.Append(ctx, "tenant-a", esc)
	require.NoError(t, err)
	status, err = l.Status(ctx, "tenant-a", "T-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.DerivedEscalated, status)

	clock.Advance(time.Second)
	now := clock.Now()
	done := submission("T-1")
	done.Phase = contracts.PhaseComplete
	done.Status = contracts.StatusSuccess
	done.OutcomeKind = contracts.OutcomeText
	done.OutcomeText = "resolved by operator"
	done.CompletedAt = &now
	_, err = l.Append(ctx, "tenant-a", done)
	require.NoError(t, err)
	status, err = l.Status(ctx, "tenant-a", "T-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.DerivedResolved, status)
}

func TestStatusResolvedSurvivesLaterEscalate(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)

	clock.Advance(time.Second)
	now := clock.Now()
	done := submission("T-1")
	done.Phase = contracts.PhaseComplete
	done.Status = contracts.StatusSuccess
	done.OutcomeKind = contracts.OutcomeText
	done.OutcomeText = "finished"
	done.CompletedAt = &now
	_, err = l.Append(ctx, "tenant-a", done)
	require.NoError(t, err)

	clock.Advance(time.Second)
	esc := submission("T-1")
	esc.Phase = contracts.PhaseEscalate
	esc.EscalationClass = contracts.EscalationPolicy
	esc.EscalationReason = "late duplicate hand-off"
	esc.EscalationTo = "agent:researcher"
	_, err = l.Append(ctx, "tenant-a", esc)
	require.NoError(t, err)

	status, err := l.Status(ctx, "tenant-a", "T-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.DerivedResolved, status, "any complete resolves regardless of later escalates")
}

func TestBootstrap(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant-a", submission("T-1"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	resp, err := l.Bootstrap(ctx, "tenant-a", "agent:researcher", "sess-1", 50, 20)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", resp.TenantID)
	assert.Equal(t, contracts.SchemaVersion, resp.Config.ReceiptSchemaVersion)
	assert.Equal(t, 1, resp.Inbox.Count)
	assert.NotEmpty(t, resp.RecentContext.Receipts)
}
