package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/tallyhq/tally/pkg/contracts"
	"github.com/tallyhq/tally/pkg/store"
)

// InboxOptions narrows an inbox read.
type InboxOptions struct {
	UnreadOnly bool
	Limit      int

	// MarkRead stamps read_at on everything returned. Reading is the
	// only way a receipt acquires its read marker.
	MarkRead bool
}

// Inbox lists the open obligations addressed to recipientAI: unarchived
// accepted receipts, newest first.
func (l *Ledger) Inbox(ctx context.Context, tenantID, recipientAI string, opts InboxOptions) (*contracts.InboxResponse, error) {
	list, err := l.store.ListInbox(ctx, tenantID, store.InboxFilter{
		RecipientAI: recipientAI,
		UnreadOnly:  opts.UnreadOnly,
		Limit:       opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}

	if opts.MarkRead && len(list) > 0 {
		ids := make([]string, 0, len(list))
		for _, r := range list {
			if r.ReadAt == nil {
				ids = append(ids, r.ReceiptID)
			}
		}
		if len(ids) > 0 {
			now := l.clock().UTC()
			if _, err := l.store.MarkInboxRead(ctx, tenantID, ids, now); err != nil {
				return nil, fmt.Errorf("inbox mark read: %w", err)
			}
			for _, r := range list {
				if r.ReadAt == nil {
					at := now
					r.ReadAt = &at
				}
			}
		}
	}

	return &contracts.InboxResponse{
		TenantID:    tenantID,
		RecipientAI: recipientAI,
		Count:       len(list),
		Receipts:    list,
	}, nil
}

// Timeline lists every receipt of one task ordered by stored_at.
func (l *Ledger) Timeline(ctx context.Context, tenantID, taskID string, ascending bool) (*contracts.TimelineResponse, error) {
	list, err := l.store.ListByTask(ctx, tenantID, taskID, ascending)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return &contracts.TimelineResponse{
		TenantID: tenantID,
		TaskID:   taskID,
		Receipts: list,
	}, nil
}

// Children lists the receipts of direct subtasks of parentTaskID.
func (l *Ledger) Children(ctx context.Context, tenantID, parentTaskID string) ([]*contracts.Receipt, error) {
	return l.store.ListChildren(ctx, tenantID, parentTaskID)
}

// Chain resolves the provenance around receiptID: first up the
// caused_by links to the root, then breadth-first down through every
// receipt the chain caused. The traversal is bounded; when the cap is
// hit the response carries the receipt to resume from.
func (l *Ledger) Chain(ctx context.Context, tenantID, receiptID string) (*contracts.ChainResponse, error) {
	start, err := l.store.GetReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{start.ReceiptID: true}

	// Ascend to the root.
	ancestors := []*contracts.Receipt{start}
	cur := start
	for cur.CausedByReceiptID != contracts.NA && len(ancestors) < l.depthCap {
		if visited[cur.CausedByReceiptID] {
			return nil, fmt.Errorf("receipt %s: %w", cur.CausedByReceiptID, ErrChainCycle)
		}
		parent, err := l.store.GetReceipt(ctx, tenantID, cur.CausedByReceiptID)
		if errors.Is(err, store.ErrNotFound) {
			// Dangling cause: the referenced receipt was never stored.
			break
		}
		if err != nil {
			return nil, err
		}
		visited[parent.ReceiptID] = true
		ancestors = append(ancestors, parent)
		cur = parent
	}
	root := ancestors[len(ancestors)-1]

	// Root-first ordering.
	chain := make([]*contracts.Receipt, 0, len(ancestors))
	for i := len(ancestors) - 1; i >= 0; i-- {
		chain = append(chain, ancestors[i])
	}

	// Descend from the requested receipt.
	resp := &contracts.ChainResponse{RootReceiptID: root.ReceiptID}
	frontier := []*contracts.Receipt{start}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]

		descendants, err := l.store.ListCausedBy(ctx, tenantID, next.ReceiptID)
		if err != nil {
			return nil, err
		}
		for _, d := range descendants {
			if visited[d.ReceiptID] {
				continue
			}
			if len(chain) >= l.depthCap {
				resp.Truncated = true
				resp.ContinueFrom = d.ReceiptID
				resp.Chain = chain
				return resp, nil
			}
			visited[d.ReceiptID] = true
			chain = append(chain, d)
			frontier = append(frontier, d)
		}
	}

	resp.Chain = chain
	return resp, nil
}

// Status derives a task's state from its receipt history. Derivation is
// by existence, not sequence: any complete resolves the task, an
// escalate without a complete means the obligation moved, an accepted
// alone means the task is still open.
func (l *Ledger) Status(ctx context.Context, tenantID, taskID string) (contracts.DerivedStatus, error) {
	list, err := l.store.ListByTask(ctx, tenantID, taskID, true)
	if err != nil {
		return contracts.DerivedUnknown, err
	}

	var hasAccepted, hasComplete, hasEscalate bool
	for _, r := range list {
		switch r.Phase {
		case contracts.PhaseAccepted:
			hasAccepted = true
		case contracts.PhaseComplete:
			hasComplete = true
		case contracts.PhaseEscalate:
			hasEscalate = true
		}
	}
	switch {
	case hasComplete:
		return contracts.DerivedResolved, nil
	case hasEscalate:
		return contracts.DerivedEscalated, nil
	case hasAccepted:
		return contracts.DerivedOpen, nil
	default:
		return contracts.DerivedUnknown, nil
	}
}

// Bootstrap assembles the resume bundle for an agent: unread inbox plus
// recent receipts it touched, with the schema version the server speaks.
func (l *Ledger) Bootstrap(ctx context.Context, tenantID, agentName, sessionID string, inboxLimit, recentLimit int) (*contracts.BootstrapResponse, error) {
	inbox, err := l.store.ListInbox(ctx, tenantID, store.InboxFilter{
		RecipientAI: agentName,
		UnreadOnly:  true,
		Limit:       inboxLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap inbox: %w", err)
	}
	recent, err := l.store.ListRecent(ctx, tenantID, agentName, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("bootstrap recent: %w", err)
	}

	resp := &contracts.BootstrapResponse{
		TenantID:  tenantID,
		AgentName: agentName,
		SessionID: sessionID,
		Config: contracts.BootstrapConfig{
			ReceiptSchemaVersion: contracts.SchemaVersion,
		},
	}
	resp.Inbox.Count = len(inbox)
	resp.Inbox.Receipts = inbox
	resp.RecentContext.Receipts = recent
	return resp, nil
}
