// Package dlq implements Dead-Letter Record persistence (§3.1): a queryable relational row per
// dead message plus an optional append-only compressed archive for bulk forensic export.
package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Record is one forensic dead-letter entry, never auto-redispatched.
type Record struct {
	SourceStream string
	Group        string
	EventID      string
	AggregateID  string
	MessageID    string
	Payload      []byte
	Reason       string
	Attempts     int
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// Store persists Dead-Letter Records to the relational message_dlq surface (§6.3). It satisfies
// the stream package's DLQWriter interface via the Record adapter below.
type Store struct {
	db *sql.DB
}

// New constructs a Store over an already-opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert records a dead-letter entry, incrementing attempts and refreshing lastSeenAt if a row
// for the same (sourceStream, eventId) already exists, per §3's "forensic only" DLR shape.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	now := time.Now()
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = now
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_dlq (source_stream, "group", event_id, aggregate_id, message_id,
			payload, reason, attempts, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_stream, event_id) DO UPDATE SET
			attempts = message_dlq.attempts + 1,
			reason = EXCLUDED.reason,
			last_seen_at = EXCLUDED.last_seen_at`,
		rec.SourceStream, rec.Group, rec.EventID, rec.AggregateID, rec.MessageID,
		rec.Payload, rec.Reason, rec.Attempts, rec.FirstSeenAt, rec.LastSeenAt)
	if err != nil {
		return fmt.Errorf("dlq: upsert: %w", err)
	}
	return nil
}

// Record implements the stream package's DLQWriter interface: a simplified call shape used by
// the Dispatcher and Consumer, which don't always have full Dead-Letter Record context at the
// call site (sourceStream/group/aggregateId are left empty in the stored row).
func (s *Store) Record(ctx context.Context, messageID, reason string, payload []byte) error {
	return s.Upsert(ctx, Record{
		EventID:   messageID,
		MessageID: messageID,
		Payload:   payload,
		Reason:    reason,
		Attempts:  1,
	})
}

// CountByReason reports how many dead-letter rows exist per reason, for ops introspection.
func (s *Store) CountByReason(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reason, count(*) FROM message_dlq GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("dlq: count by reason: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("dlq: count by reason scan: %w", err)
		}
		out[reason] = count
	}
	return out, rows.Err()
}
