package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestEnqueueInsertsWithinCallerTransaction(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(sqlmock.AnyArg(), "msg-1", "dedupe-1", "conversation.events", []byte("payload"), StatusPending).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	db := store.db
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.Enqueue(context.Background(), tx, "msg-1", "dedupe-1", "conversation.events", []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnqueueReportsDuplicateOnUniqueViolation(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	tx, err := store.db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	err = store.Enqueue(context.Background(), tx, "msg-1", "dedupe-1", "conversation.events", []byte("payload"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestClaimMarksRowsClaimed(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "message_id", "dedupe_key", "topic", "payload", "status",
		"attempts", "created_at", "claimed_at", "claimed_by", "last_error",
	}).AddRow(id, "msg-1", "dedupe-1", "conversation.events", []byte("payload"), StatusPending,
		0, time.Now(), nil, nil, nil)
	mock.ExpectQuery("SELECT id, message_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.Claim(context.Background(), "dispatcher-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed row, got %d", len(claimed))
	}
	if claimed[0].Status != StatusClaimed {
		t.Fatalf("expected status claimed, got %v", claimed[0].Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimReturnsEmptyWhenNothingPending(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "message_id", "dedupe_key", "topic", "payload", "status",
		"attempts", "created_at", "claimed_at", "claimed_by", "last_error",
	})
	mock.ExpectQuery("SELECT id, message_id").WillReturnRows(rows)
	mock.ExpectCommit()

	claimed, err := store.Claim(context.Background(), "dispatcher-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claimed rows, got %d", len(claimed))
	}
}

func TestMarkFailedReturnsToPendingUnderMaxAttempts(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE outbox SET status").
		WithArgs(StatusPending, "boom", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkFailed(context.Background(), id, 1, 5, errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkFailedRoutesToFailedAtMaxAttempts(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE outbox SET status").
		WithArgs(StatusFailed, "boom", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkFailed(context.Background(), id, 5, 5, errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
}

func TestPruneDeletesOldSentRows(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM outbox").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows pruned, got %d", n)
	}
}
