// Package outbox implements the transactional outbox (C4): durable at-least-once staging of
// outbound events inside the same database transaction as the write that produced them, with a
// poll-and-claim worker path that hands batches to the Stream Dispatcher.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Status is the lifecycle state of an outbox row, per §3's Outbox Record.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Record is one staged event awaiting dispatch.
type Record struct {
	ID          uuid.UUID
	MessageID   string
	DedupeKey   string
	Topic       string
	Payload     []byte
	Status      Status
	Attempts    int
	CreatedAt   time.Time
	ClaimedAt   sql.NullTime
	ClaimedBy   sql.NullString
	LastError   sql.NullString
}

// ErrDuplicate indicates the row violates the unique constraint on messageId or dedupeKey,
// meaning the caller's event was already staged — the caller should treat this as success.
var ErrDuplicate = errors.New("outbox: duplicate messageId or dedupeKey")

// Store provides transactional-outbox persistence over a database/sql handle. It is grounded on
// the teacher's repository-style packages: constructor injection of *sql.DB, context-scoped
// methods, typed sentinel errors.
type Store struct {
	db *sql.DB
}

// New constructs a Store over an already-opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new outbox row inside the caller's transaction, so the write producing the
// event and its outbox staging commit atomically. A conflict on messageId or dedupeKey is
// reported as ErrDuplicate rather than a raw driver error.
func (s *Store) Enqueue(ctx context.Context, tx *sql.Tx, messageID, dedupeKey, topic string, payload []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (id, message_id, dedupe_key, topic, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now())`,
		uuid.New(), messageID, dedupeKey, topic, payload, StatusPending)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Claim selects up to batchSize pending (or stale-claimed) rows and marks them claimed by
// claimant, using FOR UPDATE SKIP LOCKED so concurrent dispatcher instances never double-claim
// the same row.
func (s *Store) Claim(ctx context.Context, claimant string, batchSize int, staleAfter time.Duration) ([]Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, message_id, dedupe_key, topic, payload, status, attempts, created_at, claimed_at, claimed_by, last_error
		FROM outbox
		WHERE status = $1
		   OR (status = $2 AND claimed_at < $3)
		ORDER BY created_at, id
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		StatusPending, StatusClaimed, time.Now().Add(-staleAfter), batchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim select: %w", err)
	}

	var claimed []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.MessageID, &r.DedupeKey, &r.Topic, &r.Payload, &r.Status,
			&r.Attempts, &r.CreatedAt, &r.ClaimedAt, &r.ClaimedBy, &r.LastError); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: claim scan: %w", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(claimed))
	for i, r := range claimed {
		ids[i] = r.ID.String()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = $1, claimed_at = now(), claimed_by = $2, attempts = attempts + 1
		WHERE id = ANY($3)`, StatusClaimed, claimant, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("outbox: claim update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox: claim commit: %w", err)
	}
	for i := range claimed {
		claimed[i].Status = StatusClaimed
		claimed[i].Attempts++
	}
	return claimed, nil
}

// MarkSent transitions a claimed row to sent after successful dispatch.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = $1 WHERE id = $2`, StatusSent, id); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a dispatch failure. If attempts has not yet reached maxAttempts the row is
// returned to pending for another claim cycle; otherwise it is marked failed (dead). Callers that
// exhaust maxAttempts here are responsible for also writing the payload to the DLQ themselves.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attempts, maxAttempts int, cause error) error {
	status := StatusPending
	if attempts >= maxAttempts {
		status = StatusFailed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = $1, last_error = $2 WHERE id = $3`,
		status, msg, id); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// Prune deletes sent and failed (dead) rows older than retention, keeping the table from growing
// unbounded.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE status IN ($1, $2) AND created_at < $3`,
		StatusSent, StatusFailed, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("outbox: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: prune rows affected: %w", err)
	}
	return n, nil
}

// ReleaseByClaimant resets every row claimed by claimant back to pending, for use on graceful
// shutdown of a dispatcher instance so in-flight rows are not stuck until staleAfter elapses.
func (s *Store) ReleaseByClaimant(ctx context.Context, claimant string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = $1, claimed_at = NULL, claimed_by = NULL
		WHERE status = $2 AND claimed_by = $3`, StatusPending, StatusClaimed, claimant)
	if err != nil {
		return 0, fmt.Errorf("outbox: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: release rows affected: %w", err)
	}
	return n, nil
}

// CountByStatus reports how many outbox rows exist per status, for ops introspection.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: count by status: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox: count by status scan: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
