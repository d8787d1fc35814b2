package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/corridorchat/messaging-core/internal/outbox"
)

type fakeBroker struct {
	mu        sync.Mutex
	published []Entry
	fail      bool
}

func (f *fakeBroker) Publish(_ context.Context, partition string, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errPublishFailed
	}
	f.published = append(f.published, entry)
	return nil
}

func (f *fakeBroker) ReadGroup(context.Context, string, string, int, time.Duration) ([]Delivered, error) {
	return nil, ErrNoEntries
}
func (f *fakeBroker) Ack(context.Context, string, string, string) error { return nil }
func (f *fakeBroker) ClaimIdle(context.Context, string, string, time.Duration, int) ([]Delivered, error) {
	return nil, nil
}

type stubError string

func (e stubError) Error() string { return string(e) }

const errPublishFailed = stubError("publish failed")

type fakeDLQ struct {
	mu      sync.Mutex
	records []string
}

func (f *fakeDLQ) Record(_ context.Context, messageID, reason string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, messageID+":"+reason)
	return nil
}

func newOutboxStoreWithMock(t *testing.T) (*outbox.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return outbox.New(db), mock
}

func TestDispatcherTickPublishesClaimedRows(t *testing.T) {
	store, mock := newOutboxStoreWithMock(t)
	id := uuid.New()
	payload, _ := json.Marshal(partitionedEvent{AggregateID: "conv-1", Seq: 1})

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "message_id", "dedupe_key", "topic", "payload", "status",
		"attempts", "created_at", "claimed_at", "claimed_by", "last_error",
	}).AddRow(id, "msg-1", "dedupe-1", "conv-1", payload, outbox.StatusPending, 0, time.Now(), nil, nil, nil)
	mock.ExpectQuery("SELECT id, message_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE outbox SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	broker := &fakeBroker{}
	dlq := &fakeDLQ{}
	dispatcher := NewDispatcher(store, broker, dlq, "dispatcher-1", WithBatchSize(10))

	drainedFull, err := dispatcher.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if drainedFull {
		t.Fatalf("expected batch not fully drained (1 row < batchSize 10)")
	}
	if len(broker.published) != 1 {
		t.Fatalf("expected 1 published entry, got %d", len(broker.published))
	}
	if broker.published[0].MessageID != "msg-1" {
		t.Fatalf("unexpected published entry %+v", broker.published[0])
	}
}

func TestDispatcherTickRoutesParseFailuresToDLQ(t *testing.T) {
	store, mock := newOutboxStoreWithMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"id", "message_id", "dedupe_key", "topic", "payload", "status",
		"attempts", "created_at", "claimed_at", "claimed_by", "last_error",
	}).AddRow(id, "msg-1", "dedupe-1", "conv-1", []byte("not json"), outbox.StatusPending, 0, time.Now(), nil, nil, nil)
	mock.ExpectQuery("SELECT id, message_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE outbox SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	broker := &fakeBroker{}
	dlq := &fakeDLQ{}
	dispatcher := NewDispatcher(store, broker, dlq, "dispatcher-1", WithBatchSize(10), WithMaxAttempts(3))

	if _, err := dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(broker.published) != 0 {
		t.Fatalf("expected nothing published for unparseable row")
	}
	if len(dlq.records) != 1 || dlq.records[0] != "msg-1:parse_error" {
		t.Fatalf("expected parse_error DLQ record, got %v", dlq.records)
	}
}
