package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tallyhq/tally/pkg/contracts"
)

// Postgres is the multi-writer backend. LeaseNext relies on
// FOR UPDATE SKIP LOCKED, so concurrent pollers never block each other.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return NewPostgres(db)
}

// NewPostgres wraps an existing handle and migrates the schema.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Postgres) migrate() error {
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
		realtime BOOLEAN NOT NULL,
		task_type TEXT NOT NULL,
		task_summary TEXT NOT NULL,
		task_body TEXT NOT NULL,
		inputs JSONB NOT NULL,
		expected_outcome_kind TEXT NOT NULL,
		expected_artifact_mime TEXT NOT NULL,
		outcome_kind TEXT NOT NULL,
		outcome_text TEXT NOT NULL,
		artifact_location TEXT NOT NULL,
		artifact_pointer TEXT NOT NULL,
		artifact_checksum TEXT NOT NULL,
		artifact_size_bytes BIGINT NOT NULL,
		artifact_mime TEXT NOT NULL,
		escalation_class TEXT NOT NULL,
		escalation_reason TEXT NOT NULL,
		escalation_to TEXT NOT NULL,
		retry_requested BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ,
		stored_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		read_at TIMESTAMPTZ,
		archived_at TIMESTAMPTZ,
		metadata JSONB NOT NULL,
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
		inputs JSONB NOT NULL,
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
		lease_expires_at TIMESTAMPTZ,
		attempt INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		not_before TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
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
		granted_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		heartbeats INTEGER NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (tenant_id, lease_id)
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func isPQUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Postgres) InsertReceipt(ctx context.Context, r *contracts.Receipt) error {
	return insertReceiptPostgres(ctx, s.db, r)
}

func insertReceiptPostgres(ctx context.Context, q execer, r *contracts.Receipt) error {
	query := `INSERT INTO receipts (` + receiptColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		$21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
		$31, $32, $33, $34, $35, $36, $37, $38, $39, $40)`

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
		pgTime(r.CreatedAt), pgTime(r.StoredAt), pgTime(r.StartedAt),
		pgTime(r.CompletedAt), pgTime(r.ReadAt), pgTime(r.ArchivedAt),
		string(metaJSON),
	)
	if err != nil {
		if isPQUnique(err) {
			return fmt.Errorf("receipt %s: %w", r.ReceiptID, ErrDuplicateReceipt)
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *Postgres) GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`
	r, err := scanPGReceipt(s.db.QueryRowContext(ctx, query, tenantID, receiptID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	return r, err
}

func (s *Postgres) FindByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND dedupe_key = $2
		ORDER BY stored_at ASC LIMIT 1`
	r, err := scanPGReceipt(s.db.QueryRowContext(ctx, query, tenantID, dedupeKey))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dedupe key %s: %w", dedupeKey, ErrNotFound)
	}
	return r, err
}

func (s *Postgres) ListInbox(ctx context.Context, tenantID string, f InboxFilter) ([]*contracts.Receipt, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND recipient_ai = $2 AND phase = 'accepted' AND archived_at IS NULL`
	if f.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY stored_at DESC LIMIT $3`
	return s.listReceipts(ctx, query, tenantID, f.RecipientAI, limit)
}

func (s *Postgres) MarkInboxRead(ctx context.Context, tenantID string, receiptIDs []string, at time.Time) (int, error) {
	if len(receiptIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE receipts SET read_at = $1
		WHERE tenant_id = $2 AND read_at IS NULL AND receipt_id = ANY($3)`
	res, err := s.db.ExecContext(ctx, query, at.UTC(), tenantID, pq.Array(receiptIDs))
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Postgres) ListByTask(ctx context.Context, tenantID, taskID string, ascending bool) ([]*contracts.Receipt, error) {
	dir := "ASC"
	if !ascending {
		dir = "DESC"
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND task_id = $2
		ORDER BY stored_at ` + dir + `, receipt_id ` + dir
	return s.listReceipts(ctx, query, tenantID, taskID)
}

func (s *Postgres) ListChildren(ctx context.Context, tenantID, parentTaskID string) ([]*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND parent_task_id = $2
		ORDER BY stored_at ASC`
	return s.listReceipts(ctx, query, tenantID, parentTaskID)
}

func (s *Postgres) ListCausedBy(ctx context.Context, tenantID, receiptID string) ([]*contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND caused_by_receipt_id = $2
		ORDER BY stored_at ASC`
	return s.listReceipts(ctx, query, tenantID, receiptID)
}

func (s *Postgres) ListRecent(ctx context.Context, tenantID, recipientAI string, limit int) ([]*contracts.Receipt, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND (recipient_ai = $2 OR from_principal = $2)
		ORDER BY stored_at DESC LIMIT $3`
	return s.listReceipts(ctx, query, tenantID, recipientAI, limit)
}

func (s *Postgres) ArchiveReceipt(ctx context.Context, tenantID, receiptID string, at time.Time) (*contracts.Receipt, error) {
	query := `UPDATE receipts SET archived_at = $1
		WHERE tenant_id = $2 AND receipt_id = $3 AND archived_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, at.UTC(), tenantID, receiptID); err != nil {
		return nil, fmt.Errorf("archive receipt: %w", err)
	}
	return s.GetReceipt(ctx, tenantID, receiptID)
}

func (s *Postgres) MaxStoredAt(ctx context.Context, tenantID string) (time.Time, error) {
	var v sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(stored_at) FROM receipts WHERE tenant_id = $1`, tenantID).Scan(&v)
	if err != nil {
		return time.Time{}, fmt.Errorf("max stored_at: %w", err)
	}
	if !v.Valid {
		return time.Time{}, nil
	}
	return v.Time, nil
}

func (s *Postgres) listReceipts(ctx context.Context, query string, args ...any) ([]*contracts.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*contracts.Receipt
	for rows.Next() {
		r, err := scanPGReceipt(rows)
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

func scanPGReceipt(row scanner) (*contracts.Receipt, error) {
	var (
		r          contracts.Receipt
		phase      string
		status     string
		expKind    string
		outKind    string
		escClass   string
		inputs     sql.NullString
		metadata   sql.NullString
		createdAt  sql.NullTime
		storedAt   sql.NullTime
		startedAt  sql.NullTime
		completed  sql.NullTime
		readAt     sql.NullTime
		archivedAt sql.NullTime
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
	r.CreatedAt = nullTimePtr(createdAt)
	r.StoredAt = nullTimePtr(storedAt)
	r.StartedAt = nullTimePtr(startedAt)
	r.CompletedAt = nullTimePtr(completed)
	r.ReadAt = nullTimePtr(readAt)
	r.ArchivedAt = nullTimePtr(archivedAt)
	return &r, nil
}

func (s *Postgres) InsertTask(ctx context.Context, t *contracts.Task) error {
	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		$21, $22, $23, $24, $25, $26)`

	inputsJSON, _ := json.Marshal(t.Inputs)
	_, err := s.db.ExecContext(ctx, query,
		t.TenantID, t.TaskID, t.TaskType, t.TaskSummary, t.TaskBody, string(inputsJSON),
		string(t.ExpectedOutcomeKind), t.ExpectedArtifactMime,
		t.RecipientAI, t.FromPrincipal, t.ForPrincipal,
		t.CausedByReceiptID, t.ParentTaskID,
		string(t.Status), t.Priority, t.RetryPrincipal, t.LeaseTTLSeconds,
		nullString(t.LeaseID), nullString(t.WorkerID), pgTime(t.LeaseExpiresAt),
		t.Attempt, t.MaxAttempts, t.CreatedAt.UTC(),
		pgTime(t.NotBefore), pgTime(t.StartedAt), pgTime(t.CompletedAt),
	)
	if err != nil {
		if isPQUnique(err) {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrConflict)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Postgres) GetTask(ctx context.Context, tenantID, taskID string) (*contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1 AND task_id = $2`
	t, err := scanPGTask(s.db.QueryRowContext(ctx, query, tenantID, taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

func (s *Postgres) ListTasks(ctx context.Context, tenantID string, status contracts.TaskStatus, limit int) ([]*contracts.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
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

func (s *Postgres) GetLease(ctx context.Context, tenantID, leaseID string) (*contracts.Lease, error) {
	query := `SELECT tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status
		FROM leases WHERE tenant_id = $1 AND lease_id = $2`
	l, err := scanPGLease(s.db.QueryRowContext(ctx, query, tenantID, leaseID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	return l, err
}

func (s *Postgres) LeaseNext(ctx context.Context, tenantID, workerID, leaseID string, kinds []string, now time.Time, defaultTTL time.Duration) (*contracts.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE tenant_id = $1 AND status = 'queued'
		AND (not_before IS NULL OR not_before <= $2)`
	args := []any{tenantID, now.UTC()}
	if len(kinds) > 0 {
		query += ` AND task_type = ANY($3)`
		args = append(args, pq.Array(kinds))
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	t, err := scanPGTask(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no queued tasks: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
	}

	ttl := defaultTTL
	if t.LeaseTTLSeconds > 0 {
		ttl = time.Duration(t.LeaseTTLSeconds) * time.Second
	}
	expires := now.Add(ttl).UTC()

	if _, err := tx.ExecContext(ctx, `UPDATE tasks
		SET status = 'leased', lease_id = $1, worker_id = $2, lease_expires_at = $3,
			started_at = COALESCE(started_at, $4)
		WHERE tenant_id = $5 AND task_id = $6`,
		leaseID, workerID, expires, now.UTC(), tenantID, t.TaskID); err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO leases
		(tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 'active')`,
		tenantID, leaseID, t.TaskID, workerID, now.UTC(), expires); err != nil {
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

func (s *Postgres) ExtendLease(ctx context.Context, tenantID, leaseID, workerID string, now, newExpiry time.Time) (*contracts.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanPGLease(tx.QueryRowContext(ctx,
		`SELECT tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status
		 FROM leases WHERE tenant_id = $1 AND lease_id = $2 FOR UPDATE`, tenantID, leaseID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := checkLease(l, workerID, now); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE leases SET expires_at = $1, heartbeats = heartbeats + 1
		 WHERE tenant_id = $2 AND lease_id = $3`, newExpiry.UTC(), tenantID, leaseID); err != nil {
		return nil, fmt.Errorf("extend lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET lease_expires_at = $1
		 WHERE tenant_id = $2 AND lease_id = $3 AND status = 'leased'`, newExpiry.UTC(), tenantID, leaseID); err != nil {
		return nil, fmt.Errorf("extend task lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit heartbeat: %w", err)
	}

	l.ExpiresAt = newExpiry.UTC()
	l.Heartbeats++
	return l, nil
}

func (s *Postgres) CompleteLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, now time.Time) error {
	return s.settleLease(ctx, tenantID, leaseID, workerID, receipt, now, func(tx *sql.Tx, taskID string) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks
			SET status = 'completed', completed_at = $1,
				lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
			WHERE tenant_id = $2 AND task_id = $3 AND status = 'leased' AND lease_id = $4`,
			now.UTC(), tenantID, taskID, leaseID)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrConflict)
		}
		return nil
	})
}

func (s *Postgres) FailLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, requeue bool, now time.Time) error {
	return s.settleLease(ctx, tenantID, leaseID, workerID, receipt, now, func(tx *sql.Tx, taskID string) error {
		var (
			query string
			args  []any
		)
		if requeue {
			query = `UPDATE tasks
				SET status = 'queued', attempt = attempt + 1,
					lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
				WHERE tenant_id = $1 AND task_id = $2 AND status = 'leased' AND lease_id = $3`
			args = []any{tenantID, taskID, leaseID}
		} else {
			query = `UPDATE tasks
				SET status = 'failed', completed_at = $1,
					lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
				WHERE tenant_id = $2 AND task_id = $3 AND status = 'leased' AND lease_id = $4`
			args = []any{now.UTC(), tenantID, taskID, leaseID}
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

func (s *Postgres) settleLease(ctx context.Context, tenantID, leaseID, workerID string, receipt *contracts.Receipt, now time.Time, transition func(tx *sql.Tx, taskID string) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanPGLease(tx.QueryRowContext(ctx,
		`SELECT tenant_id, lease_id, task_id, worker_id, granted_at, expires_at, heartbeats, status
		 FROM leases WHERE tenant_id = $1 AND lease_id = $2 FOR UPDATE`, tenantID, leaseID))
	if err == sql.ErrNoRows {
		return fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := checkLease(l, workerID, now); err != nil {
		return err
	}

	if err := insertReceiptPostgres(ctx, tx, receipt); err != nil {
		return err
	}
	if err := transition(tx, l.TaskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leases SET status = 'released' WHERE tenant_id = $1 AND lease_id = $2`,
		tenantID, leaseID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return tx.Commit()
}

func (s *Postgres) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*contracts.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		ORDER BY lease_expires_at ASC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
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

func (s *Postgres) ExpireLease(ctx context.Context, task *contracts.Task, receipt *contracts.Receipt, requeue bool, now time.Time) error {
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
			WHERE tenant_id = $1 AND task_id = $2 AND status = 'leased' AND lease_id = $3`
		args = []any{task.TenantID, task.TaskID, task.LeaseID}
	} else {
		query = `UPDATE tasks
			SET status = 'failed', completed_at = $1,
				lease_id = NULL, worker_id = NULL, lease_expires_at = NULL
			WHERE tenant_id = $2 AND task_id = $3 AND status = 'leased' AND lease_id = $4`
		args = []any{now.UTC(), task.TenantID, task.TaskID, task.LeaseID}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("expire task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", task.TaskID, ErrConflict)
	}

	if err := insertReceiptPostgres(ctx, tx, receipt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leases SET status = 'expired' WHERE tenant_id = $1 AND lease_id = $2`,
		task.TenantID, task.LeaseID); err != nil {
		return fmt.Errorf("expire lease row: %w", err)
	}
	return tx.Commit()
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func scanPGTask(row scanner) (*contracts.Task, error) {
	var (
		t         contracts.Task
		inputs    sql.NullString
		expKind   string
		status    string
		leaseID   sql.NullString
		workerID  sql.NullString
		leaseExp  sql.NullTime
		notBefore sql.NullTime
		startedAt sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&t.TenantID, &t.TaskID, &t.TaskType, &t.TaskSummary, &t.TaskBody, &inputs,
		&expKind, &t.ExpectedArtifactMime,
		&t.RecipientAI, &t.FromPrincipal, &t.ForPrincipal,
		&t.CausedByReceiptID, &t.ParentTaskID,
		&status, &t.Priority, &t.RetryPrincipal, &t.LeaseTTLSeconds,
		&leaseID, &workerID, &leaseExp,
		&t.Attempt, &t.MaxAttempts, &t.CreatedAt, &notBefore, &startedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	t.ExpectedOutcomeKind = contracts.OutcomeKind(expKind)
	t.Status = contracts.TaskStatus(status)
	t.Inputs = decodeJSONMap(inputs)
	t.LeaseID = leaseID.String
	t.WorkerID = workerID.String
	t.LeaseExpiresAt = nullTimePtr(leaseExp)
	t.NotBefore = nullTimePtr(notBefore)
	t.StartedAt = nullTimePtr(startedAt)
	t.CompletedAt = nullTimePtr(completed)
	return &t, nil
}

func scanPGLease(row scanner) (*contracts.Lease, error) {
	var (
		l      contracts.Lease
		status string
	)
	err := row.Scan(&l.TenantID, &l.LeaseID, &l.TaskID, &l.WorkerID,
		&l.GrantedAt, &l.ExpiresAt, &l.Heartbeats, &status)
	if err != nil {
		return nil, err
	}
	l.Status = contracts.LeaseStatus(status)
	return &l, nil
}

func pgTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

var _ Store = (*Postgres)(nil)
