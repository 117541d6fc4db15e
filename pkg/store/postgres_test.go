package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Postgres{db: db}, mock
}

func TestPostgresInsertReceiptMapsUniqueViolation(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO receipts").
		WillReturnError(&pq.Error{Code: "23505"})

	r := storedReceipt("tenant-a", "agent:worker", time.Now())
	err := s.InsertReceipt(context.Background(), r)
	assert.ErrorIs(t, err, ErrDuplicateReceipt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertReceiptWrapsDriverError(t *testing.T) {
	s, mock := newMockPostgres(t)
	driverErr := errors.New("connection refused")
	mock.ExpectExec("INSERT INTO receipts").WillReturnError(driverErr)

	err := s.InsertReceipt(context.Background(), storedReceipt("tenant-a", "agent:worker", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, driverErr)
	assert.NotErrorIs(t, err, ErrDuplicateReceipt)
}

func TestPostgresGetReceiptNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT .+ FROM receipts").WillReturnError(sql.ErrNoRows)

	_, err := s.GetReceipt(context.Background(), "tenant-a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresPingMapsUnavailable(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectPing().WillReturnError(errors.New("dial tcp: refused"))

	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPostgresSettleRollsBackOnReceiptInsertFailure(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	leaseRows := sqlmock.NewRows([]string{
		"tenant_id", "lease_id", "task_id", "worker_id",
		"granted_at", "expires_at", "heartbeats", "status",
	}).AddRow("tenant-a", "lease-1", "T-1", "worker-1", now, now.Add(time.Minute), 0, "active")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM leases").WillReturnRows(leaseRows)
	mock.ExpectExec("INSERT INTO receipts").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	task := queuedTask("tenant-a", 0, now)
	err := s.CompleteLease(context.Background(), "tenant-a", "lease-1", "worker-1",
		completionReceipt(task, now), now)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
