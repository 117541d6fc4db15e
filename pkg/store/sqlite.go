package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tallyhq/tally/pkg/contracts"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed-width RFC 3339 with nanoseconds. SQLite
// compares these columns as text, so the encoding must make lexical
// order equal chronological order; RFC3339Nano trims trailing zeros and
// breaks that.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the single-node backend. The pool is pinned to one
// connection, which serializes writers the way SQLite wants.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at dsn and migrates it.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), `PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	return NewSQLite(db)
}

// NewSQLite wraps an existing handle and migrates the schema. The handle
// must be limited to one open connection.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		tenant_id TEXT NOT NULL,
		receipt_id TEXT NOT NULL,
		schema_version TEXT NOT NULL,
		task_id TEXT NOT NULL,
		parent_task_id TEXT NOT NULL,
		caused_by_receipt_id TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		from_principal TEXT NOT NULL,
		for_principal TEXT NOT NULL,
		source_system TEXT NOT NULL,
		recipient_ai TEXT NOT NULL,
		trust_domain TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		realtime INTEGER NOT NULL,
		task_type TEXT NOT NULL,
		task_summary TEXT NOT NULL,
		task_body TEXT NOT NULL,
		inputs TEXT NOT NULL,
		expected_outcome_kind TEXT NOT NULL,
		expected_artifact_mime TEXT NOT NULL,
		outcome_kind TEXT NOT NULL,
		outcome_text TEXT NOT NULL,
		artifact_location TEXT NOT NULL,
		artifact_pointer TEXT NOT NULL,
		artifact_checksum TEXT NOT NULL,
		artifact_size_bytes INTEGER NOT NULL,
		artifact_mime TEXT NOT NULL,
		escalation_class TEXT NOT NULL,
		escalation_reason TEXT NOT NULL,
		escalation_to TEXT NOT NULL,
		retry_requested INTEGER NOT NULL,
		created_at TEXT,
		stored_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		read_at TEXT,
		archived_at TEXT,
		metadata TEXT NOT NULL,
		PRIMARY KEY (tenant_id, receipt_id)
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_inbox
		ON receipts (tenant_id, recipient_ai, phase, stored_at) WHERE archived_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_receipts_task
		ON receipts (tenant_id, task_id, stored_at);
	CREATE INDEX IF NOT EXISTS idx_receipts_parent
		ON receipts (tenant_id, parent_task_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_caused_by
		ON receipts (tenant_id, caused_by_receipt_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_dedupe
		ON receipts (tenant_id, dedupe_key) WHERE dedupe_key <> 'NA';

	CREATE TABLE IF NOT EXISTS tasks (
		tenant_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		task_summary TEXT NOT NULL,
		task_body TEXT NOT NULL,
		inputs TEXT NOT NULL,
		expected_outcome_kind TEXT NOT NULL,
		expected_artifact_mime TEXT NOT NULL,
		recipient_ai TEXT NOT NULL,
		from_principal TEXT NOT NULL,
		for_principal TEXT NOT NULL,
		caused_by_receipt_id TEXT NOT NULL,
		parent_task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		retry_principal TEXT NOT NULL,
		lease_ttl_seconds INTEGER NOT NULL,
		lease_id TEXT,
		worker_id TEXT,
		lease_expires_at TEXT,
		attempt INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		not_before TEXT,
		started_at TEXT,
		completed_at TEXT,
		PRIMARY KEY (tenant_id, task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_queue
		ON tasks (tenant_id, status, priority DESC, created_at) WHERE status = 'queued';
	CREATE INDEX IF NOT EXISTS idx_tasks_lease_expiry
		ON tasks (lease_expires_at) WHERE status = 'leased';

	CREATE TABLE IF NOT EXISTS leases (
		tenant_id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		heartbeats INTEGER NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (tenant_id, lease_id)
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

const receiptColumns = `tenant_id, receipt_id, schema_version, task_id, parent_task_id,
	caused_by_receipt_id, dedupe_key, attempt,
	from_principal, for_principal, source_system, recipient_ai, trust_domain,
	phase, status, realtime,
	task_type, task_summary, task_body, inputs, expected_outcome_kind, expected_artifact_mime,
	outcome_kind, outcome_text,
	artifact_location, artifact_pointer, artifact_checksum, artifact_size_bytes, artifact_mime,
	escalation_class, escalation_reason, escalation_to, retry_requested,
	created_at, stored_at, started_at, completed_at, read_at, archived_at, metadata`

const taskColumns = `tenant_id, task_id, task_type, task_summary, task_body, inputs,
	expected_outcome_kind, expected_artifact_mime,
	recipient_ai, from_principal, for_principal,
	caused_by_receipt_id, parent_task_id,
	status, priority, retry_principal, lease_ttl_seconds,
	lease_id, worker_id, lease_expires_at,
	attempt, max_attempts, created_at, not_before, started_at, completed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) InsertReceipt(ctx context.Context, r *contracts.Receipt) error {
	return insertReceiptSQLite(ctx, s.db, r)
}

func insertReceiptSQLite(ctx context.Context, q execer, r *contracts.Receipt) error {
	query := `INSERT INTO receipts (` + receiptColumns + `) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	inputsJSON, _ := json.Marshal(r.Inputs)
	metaJSON, _ := json.Marshal(r.Metadata)

	_, err := q.ExecContext(ctx, query,
		r.TenantID, r.ReceiptID, r.SchemaVersion, r.TaskID, r.ParentTaskID,
		r.CausedByReceiptID, r.DedupeKey, r.Attempt,
		r.FromPrincipal, r.ForPrincipal, r.SourceSystem, r.RecipientAI, r.TrustDomain,
		string(r.Phase), string(r.Status), r.Realtime,
		r.TaskType, r.TaskSummary, r.TaskBody, string(inputsJSON),
		string(r.ExpectedOutcomeKind), r.ExpectedArtifactMime,
		string(r.OutcomeKind), r.OutcomeText,
		r.ArtifactLocation, r.ArtifactPointer, r.ArtifactChecksum, r.ArtifactSizeBytes, r.ArtifactMime,
		string(r.EscalationClass), r.EscalationReason, r.EscalationTo, r.RetryRequested,
		sqliteTime(r.CreatedAt), sqliteTime(r.StoredAt), sqliteTime(r.StartedAt),
		sqliteTime(r.CompletedAt), sqliteTime(r.ReadAt), sqliteTime(r.ArchivedAt),
		string(metaJSON),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("receipt %s: %w", r.ReceiptID, ErrDuplicateReceipt)
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *SQLite) GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = ? AND receipt_id = ?`
	r, err := scanSQLiteReceipt(s.db.QueryRowContext(ctx, query, tenantID, receiptID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	return r, err
}

func (s *SQLite) FindByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND dedupe_key = ?
		ORDER BY stored_at ASC LIMIT 1`
	r, err := scanSQLiteReceipt(s.db.QueryRowContext(ctx, query, tenantID, dedupeKey))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dedupe key %s: %w", dedupeKey, ErrNotFound)
	}
	return r, err
}

func (s *SQLite) ListInbox(ctx context.Context, tenantID string, f InboxFilter) ([]*contracts.Receipt, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND recipient_ai = ? AND phase = 'accepted' AND archived_at IS NULL`
	if f.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY stored_at DESC LIMIT ?`
	return s.listReceipts(ctx, query, tenantID, f.RecipientAI, limit)
}

func (s *SQLite) MarkInboxRead(ctx context.Context, tenantID string, receiptIDs []string, at time.Time) (int, error) {
	if len(receiptIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(receiptIDs)), ", ")
	query := `UPDATE receipts SET read_at = ?
		WHERE tenant_id = ? AND read_at IS NULL AND receipt_id IN (` + placeholders + `)`
	args := make([]any, 0, len(receiptIDs)+2)
	args = append(args, sqliteTime(&at), tenantID)
	for _, id := range receiptIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) ListByTask(ctx context.Context, tenantID, taskID string, ascending bool) ([]*contracts.Receipt, error) {
	dir := "ASC"
	if !ascending {
		dir = "DESC"
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND task_id = ?
		ORDER BY stored_at ` + dir + `, receipt_id ` + dir
	return s.listReceipts(ctx, query, tenantID, taskID)
}

func (s *SQLite) ListChildren(ctx context.Context, tenantID, parentTaskID string) ([]*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND parent_task_id = ?
		ORDER BY stored_at ASC`
	return s.listReceipts(ctx, query, tenantID, parentTaskID)
}

func (s *SQLite) ListCausedBy(ctx context.Context, tenantID, receiptID string) ([]*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND caused_by_receipt_id = ?
		ORDER BY stored_at ASC`
	return s.listReceipts(ctx, query, tenantID, receiptID)
}

func (s *SQLite) ListRecent(ctx context.Context, tenantID, recipientAI string, limit int) ([]*contracts.Receipt, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = ? AND (recipient_ai = ? OR from_principal = ?)
		ORDER BY stored_at DESC LIMIT ?`
	return s.listReceipts(ctx, query, tenantID, recipientAI, recipientAI, limit)
}

func (s *SQLite) ArchiveReceipt(ctx context.Context, tenantID, receiptID string, at time.Time) (*contracts.Receipt, error) {
	query := `UPDATE receipts SET archived_at = ?
		WHERE tenant_id = ? AND receipt_id = ? AND archived_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, sqliteTime(&at), tenantID, receiptID); err != nil {
		return nil, fmt.Errorf("archive receipt: %w", err)
	}
	return s.GetReceipt(ctx, tenantID, receiptID)
}

func (s *SQLite) MaxStoredAt(ctx context.Context, tenantID string) (time.Time, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(stored_at) FROM receipts WHERE tenant_id = ?`, tenantID).Scan(&v)
	if err != nil {
		return time.Time{}, fmt.Errorf("max stored_at: %w", err)
	}
	if !v.Valid {
		return time.Time{}, nil
	}
	return parseStoredTime(v.String), nil
}

func (s *SQLite) listReceipts(ctx context.Context, query string, args ...any) ([]*contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*contracts.Receipt
	for rows.Next() {
		r, err := scanSQLiteReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func scanSQLiteReceipt(row scanner) (*contracts.Receipt, error) {
	var (
		r          contracts.Receipt
		phase      string
		status     string
		expKind    string
		outKind    string
		escClass   string
		inputs     sql.NullString
		metadata   sql.NullString
		createdAt  sql.NullString
		storedAt   sql.NullString
		startedAt  sql.NullString
		completed  sql.NullString
		readAt     sql.NullString
		archivedAt sql.NullString
	)
	err := row.Scan(
		&r.TenantID, &r.ReceiptID, &r.SchemaVersion, &r.TaskID, &r.ParentTaskID,
		&r.CausedByReceiptID, &r.DedupeKey, &r.Attempt,
		&r.FromPrincipal, &r.ForPrincipal, &r.SourceSystem, &r.RecipientAI, &r.TrustDomain,
		&phase, &status, &r.Realtime,
		&r.TaskType, &r.TaskSummary, &r.TaskBody, &inputs, &expKind, &r.ExpectedArtifactMime,
		&outKind, &r.OutcomeText,
		&r.ArtifactLocation, &r.ArtifactPointer, &r.ArtifactChecksum, &r.ArtifactSizeBytes, &r.ArtifactMime,
		&escClass, &r.EscalationReason, &r.EscalationTo, &r.RetryRequested,
		&createdAt, &storedAt, &startedAt, &completed, &readAt, &archivedAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	r.Phase = contracts.Phase(phase)
	r.Status = contracts.Status(status)
	r.ExpectedOutcomeKind = contracts.OutcomeKind(expKind)
	r.OutcomeKind = contracts.OutcomeKind(outKind)
	r.EscalationClass = contracts.EscalationClass(escClass)
	r.Inputs = decodeJSONMap(inputs)
	r.Metadata = decodeJSONMap(metadata)
	r.CreatedAt = parseTimePtr(createdAt)
	r.StoredAt = parseTimePtr(storedAt)
	r.StartedAt = parseTimePtr(startedAt)
	r.CompletedAt = parseTimePtr(completed)
	r.ReadAt = parseTimePtr(readAt)
	r.ArchivedAt = parseTimePtr(archivedAt)
	return &r, nil
}

func (s *SQLite) InsertTask(ctx context.Context, t *contracts.Task) error {
	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	inputsJSON, _ := json.Marshal(t.Inputs)
	_, err := s.db.ExecContext(ctx, query,
		t.TenantID, t.TaskID, t.TaskType, t.TaskSummary, t.TaskBody, string(inputsJSON),
		string(t.ExpectedOutcomeKind), t.ExpectedArtifactMime,
		t.RecipientAI, t.FromPrincipal, t.ForPrincipal,
		t.CausedByReceiptID, t.ParentTaskID,
		string(t.Status), t.Priority, t.RetryPrincipal, t.LeaseTTLSeconds,
		nullString(t.LeaseID), nullString(t.WorkerID), sqliteTime(t.LeaseExpiresAt),
		t.Attempt, t.MaxAttempts,
		t.CreatedAt.UTC().Format(sqliteTimeLayout),
		sqliteTime(t.NotBefore), sqliteTime(t.StartedAt), sqliteTime(t.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrConflict)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, tenantID, taskID string) (*contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = ? AND task_id = ?`
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, query, tenantID, taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

func (s *SQLite) ListTasks(ctx context.Context, tenantID string, status contracts.TaskStatus, limit int) ([]*contracts.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLite) GetLease(ctx context.Context, tenantID, leaseID string) (*contracts.Lease, error) {
	query := `SELECT tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status
		FROM leases WHERE tenant_id = ? AND lease_id = ?`
	l, err := scanSQLiteLease(s.db.QueryRowContext(ctx, query, tenantID, leaseID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	return l, err
}

func (s *SQLite) LeaseNext(ctx context.Context, tenantID, workerID, leaseID string, kinds []string, now time.Time, defaultTTL time.Duration) (*contracts.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE tenant_id = ? AND status = 'queued'
		AND (not_before IS NULL OR not_before <= ?)`
	args := []any{tenantID, now.UTC().Format(sqliteTimeLayout)}
	if len(kinds) > 0 {
		query += ` AND task_type IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(kinds)), ", ") + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT 8`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	var candidates []*contracts.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, t)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range candidates {
		ttl := defaultTTL
		if t.LeaseTTLSeconds > 0 {
			ttl = time.Duration(t.LeaseTTLSeconds) * time.Second
		}
		expires := now.Add(ttl).UTC()

		res, err := tx.ExecContext(ctx, `UPDATE tasks
			SET status = 'leased', lease_id = ?, worker_id = ?, lease_expires_at = ?,
				started_at = COALESCE(started_at, ?)
			WHERE tenant_id = ? AND task_id = ? AND status = 'queued'`,
			leaseID, workerID, expires.Format(sqliteTimeLayout),
			now.UTC().Format(sqliteTimeLayout), tenantID, t.TaskID)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO leases
			(tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status)
			VALUES (?, ?, ?, ?, ?, ?, 0, 'active')`,
			tenantID, leaseID, t.TaskID, workerID,
			now.UTC().Format(sqliteTimeLayout), expires.Format(sqliteTimeLayout))
		if err != nil {
			return nil, fmt.Errorf("insert lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit lease: %w", err)
		}

		t.Status = contracts.TaskLeased
		t.LeaseID = leaseID
		t.WorkerID = workerID
		t.LeaseExpiresAt = &expires
		if t.StartedAt == nil {
			started := now.UTC()
			t.StartedAt = &started
		}
		return t, nil
	}
	return nil, fmt.Errorf("no queued tasks: %w", ErrNotFound)
}

func (s *SQLite) ExtendLease(ctx context.Context, tenantID, leaseID, workerID string, now, newExpiry time.Time) (*contracts.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanSQLiteLease(tx.QueryRowContext(ctx,
		`SELECT tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status
		 FROM leases WHERE tenant_id = ? AND lease_id = ?`, tenantID, leaseID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := checkLease(l, workerID, now); err != nil {
		return nil, err
	}

	expiry := newExpiry.UTC().Format(sqliteTimeLayout)
	if _, err := tx.ExecContext(ctx,
		`UPDATE leases SET expires_at = ?, heartbeats = heartbeats + 1
		 WHERE tenant_id = ? AND lease_id = ?`, expiry, tenantID, leaseID); err != nil {
		return nil, fmt.Errorf("extend lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET lease_expires_at = ?
		 WHERE tenant_id = ? AND lease_id = ? AND status = 'leased'`, expiry, tenantID, leaseID); err != nil {
		return nil, fmt.Errorf("extend task lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit heartbeat: %w", err)
	}

	l.ExpiresAt = newExpiry.UTC()
	l.Heartbeats++
	return l, nil
}

func (s *SQLite) CompleteLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, now time.Time) error {
	return s.settleLease(ctx, tenantID, leaseID, workerID, receipt, now, func(tx *sql.Tx, taskID string) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks
			SET status = 'completed', completed_at = ?,
				lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
			WHERE tenant_id = ? AND task_id = ? AND status = 'leased' AND lease_id = ?`,
			now.UTC().Format(sqliteTimeLayout), tenantID, taskID, leaseID)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrConflict)
		}
		return nil
	})
}

func (s *SQLite) FailLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, requeue bool, now time.Time) error {
	return s.settleLease(ctx, tenantID, leaseID, workerID, receipt, now, func(tx *sql.Tx, taskID string) error {
		var (
			query string
			args  []any
		)
		if requeue {
			query = `UPDATE tasks
				SET status = 'queued', attempt = attempt + 1,
					lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
				WHERE tenant_id = ? AND task_id = ? AND status = 'leased' AND lease_id = ?`
			args = []any{tenantID, taskID, leaseID}
		} else {
			query = `UPDATE tasks
				SET status = 'failed', completed_at = ?,
					lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
				WHERE tenant_id = ? AND task_id = ? AND status = 'leased' AND lease_id = ?`
			args = []any{now.UTC().Format(sqliteTimeLayout), tenantID, taskID, leaseID}
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrConflict)
		}
		return nil
	})
}

// settleLease runs the shared complete/fail transaction: verify the lease
// is live and owned, append the receipt, apply the task transition, and
// release the lease row.
func (s *SQLite) settleLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, now time.Time, transition func(tx *sql.Tx, taskID string) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanSQLiteLease(tx.QueryRowContext(ctx,
		`SELECT tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status
		 FROM leases WHERE tenant_id = ? AND lease_id = ?`, tenantID, leaseID))
	if err == sql.ErrNoRows {
		return fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := checkLease(l, workerID, now); err != nil {
		return err
	}

	if err := insertReceiptSQLite(ctx, tx, receipt); err != nil {
		return err
	}
	if err := transition(tx, l.TaskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leases SET status = 'released' WHERE tenant_id = ? AND lease_id = ?`,
		tenantID, leaseID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*contracts.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(sqliteTimeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLite) ExpireLease(ctx context.Context, task *contracts.Task, receipt *contracts.Receipt, requeue bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin expire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		query string
		args  []any
	)
	if requeue {
		query = `UPDATE tasks
			SET status = 'queued', attempt = attempt + 1,
				lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
			WHERE tenant_id = ? AND task_id = ? AND status = 'leased' AND lease_id = ?`
		args = []any{task.TenantID, task.TaskID, task.LeaseID}
	} else {
		query = `UPDATE tasks
			SET status = 'failed', completed_at = ?,
				lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
			WHERE tenant_id = ? AND task_id = ? AND status = 'leased' AND lease_id = ?`
		args = []any{now.UTC().Format(sqliteTimeLayout), task.TenantID, task.TaskID, task.LeaseID}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("expire task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", task.TaskID, ErrConflict)
	}

	if err := insertReceiptSQLite(ctx, tx, receipt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leases SET status = 'expired' WHERE tenant_id = ? AND lease_id = ?`,
		task.TenantID, task.LeaseID); err != nil {
		return fmt.Errorf("expire lease row: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanSQLiteTask(row scanner) (*contracts.Task, error) {
	var (
		t         contracts.Task
		inputs    sql.NullString
		expKind   string
		status    string
		leaseID   sql.NullString
		workerID  sql.NullString
		leaseExp  sql.NullString
		createdAt string
		notBefore sql.NullString
		startedAt sql.NullString
		completed sql.NullString
	)
	err := row.Scan(
		&t.TenantID, &t.TaskID, &t.TaskType, &t.TaskSummary, &t.TaskBody, &inputs,
		&expKind, &t.ExpectedArtifactMime,
		&t.RecipientAI, &t.FromPrincipal, &t.ForPrincipal,
		&t.CausedByReceiptID, &t.ParentTaskID,
		&status, &t.Priority, &t.RetryPrincipal, &t.LeaseTTLSeconds,
		&leaseID, &workerID, &leaseExp,
		&t.Attempt, &t.MaxAttempts, &createdAt, &notBefore, &startedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	t.ExpectedOutcomeKind = contracts.OutcomeKind(expKind)
	t.Status = contracts.TaskStatus(status)
	t.Inputs = decodeJSONMap(inputs)
	t.LeaseID = leaseID.String
	t.WorkerID = workerID.String
	t.LeaseExpiresAt = parseTimePtr(leaseExp)
	t.CreatedAt = parseStoredTime(createdAt)
	t.NotBefore = parseTimePtr(notBefore)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completed)
	return &t, nil
}

func scanSQLiteLease(row scanner) (*contracts.Lease, error) {
	var (
		l         contracts.Lease
		grantedAt string
		expiresAt string
		status    string
	)
	err := row.Scan(&l.TenantID, &l.LeaseID, &l.TaskID, &l.WorkerID,
		&grantedAt, &expiresAt, &l.Heartbeats, &status)
	if err != nil {
		return nil, err
	}
	l.GrantedAt = parseStoredTime(grantedAt)
	l.ExpiresAt = parseStoredTime(expiresAt)
	l.Status = contracts.LeaseStatus(status)
	return &l, nil
}

// checkLease verifies a lease is live and held by workerID.
func checkLease(l *contracts.Lease, workerID string, now time.Time) error {
	switch l.Status {
	case contracts.LeaseReleased:
		return fmt.Errorf("lease %s: %w", l.LeaseID, ErrLeaseReleased)
	case contracts.LeaseExpired:
		return fmt.Errorf("lease %s: %w", l.LeaseID, ErrLeaseExpired)
	}
	if l.WorkerID != workerID {
		return fmt.Errorf("lease %s held by %s: %w", l.LeaseID, l.WorkerID, ErrLeaseNotOwned)
	}
	if now.After(l.ExpiresAt) {
		return fmt.Errorf("lease %s: %w", l.LeaseID, ErrLeaseExpired)
	}
	return nil
}

func sqliteTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseStoredTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func decodeJSONMap(v sql.NullString) map[string]any {
	m := map[string]any{}
	if v.Valid && v.String != "" {
		_ = json.Unmarshal([]byte(v.String), &m)
	}
	return m
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
