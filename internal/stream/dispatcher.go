package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/corridorchat/messaging-core/internal/logging"
	"github.com/corridorchat/messaging-core/internal/outbox"
)

// DLQWriter records a message that could not be delivered, per §6.3's message_dlq surface.
type DLQWriter interface {
	Record(ctx context.Context, messageID, reason string, payload []byte) error
}

// partitionedEvent is the JSON shape staged by the outbox, decoded only far enough to read the
// partition key; the remainder travels as an opaque payload.
type partitionedEvent struct {
	AggregateID string `json:"aggregate_id"`
	Seq         uint64 `json:"seq"`
}

// Dispatcher is the Stream Dispatcher (C5): a cooperative run-loop that claims pending outbox
// rows and publishes them to the partitioned stream, per §4.5.
type Dispatcher struct {
	outbox    *outbox.Store
	broker    Broker
	dlq       DLQWriter
	claimant  string
	batchSize int
	tickMin   time.Duration
	tickMax   time.Duration
	staleAfter time.Duration
	maxAttempts int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize overrides the per-tick claim batch size (default 100).
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithTickInterval overrides the idle-tick sleep duration (default 200ms).
func WithTickInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.tickMax = interval }
}

// WithStaleClaimTimeout overrides how long a claimed-but-unresolved row is considered stale and
// eligible for reclaim by another dispatcher instance (default 5m).
func WithStaleClaimTimeout(d2 time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.staleAfter = d2 }
}

// WithMaxAttempts overrides the attempt ceiling before a row is routed to the DLQ (default 10).
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// NewDispatcher constructs a Dispatcher claiming work as claimant.
func NewDispatcher(store *outbox.Store, broker Broker, dlq DLQWriter, claimant string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		outbox:      store,
		broker:      broker,
		dlq:         dlq,
		claimant:    claimant,
		batchSize:   100,
		tickMin:     50 * time.Millisecond,
		tickMax:     200 * time.Millisecond,
		staleAfter:  5 * time.Minute,
		maxAttempts: 10,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives the dispatch loop until ctx is cancelled. On cancellation it releases any rows
// still claimed by this dispatcher back to pending before returning, per §4.5's graceful-stop
// contract ("releases pending claims back to pending if shutdown mid-tick").
func (d *Dispatcher) Run(ctx context.Context) error {
	log := logging.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			if _, err := d.outbox.ReleaseByClaimant(context.Background(), d.claimant); err != nil {
				log.Error("dispatcher: release on shutdown failed", logging.Error(err))
			}
			return ctx.Err()
		default:
		}

		drainedFull, err := d.tick(ctx)
		if err != nil {
			log.Error("dispatcher: tick failed", logging.Error(err))
		}
		if drainedFull {
			continue
		}
		select {
		case <-ctx.Done():
			if _, err := d.outbox.ReleaseByClaimant(context.Background(), d.claimant); err != nil {
				log.Error("dispatcher: release on shutdown failed", logging.Error(err))
			}
			return ctx.Err()
		case <-time.After(d.tickMax):
		}
	}
}

// tick claims one batch and publishes it, reporting whether the batch was fully drained (i.e.
// as many rows as batchSize were claimed, implying more may be waiting).
func (d *Dispatcher) tick(ctx context.Context) (bool, error) {
	claimed, err := d.outbox.Claim(ctx, d.claimant, d.batchSize, d.staleAfter)
	if err != nil {
		return false, err
	}
	for _, row := range claimed {
		partition := row.Topic
		var parsed partitionedEvent
		if err := json.Unmarshal(row.Payload, &parsed); err != nil {
			if d.dlq != nil {
				_ = d.dlq.Record(ctx, row.MessageID, "parse_error", row.Payload)
			}
			_ = d.outbox.MarkFailed(ctx, row.ID, d.maxAttempts, d.maxAttempts, err)
			continue
		}
		if parsed.AggregateID != "" {
			partition = parsed.AggregateID
		}
		entry := Entry{EventID: row.ID.String(), MessageID: row.MessageID, Seq: parsed.Seq, Payload: row.Payload}
		if err := d.broker.Publish(ctx, partition, entry); err != nil {
			if row.Attempts >= d.maxAttempts && d.dlq != nil {
				_ = d.dlq.Record(ctx, row.MessageID, "publish_failed", row.Payload)
			}
			_ = d.outbox.MarkFailed(ctx, row.ID, row.Attempts, d.maxAttempts, err)
			continue
		}
		if err := d.outbox.MarkSent(ctx, row.ID); err != nil {
			return false, err
		}
	}
	return len(claimed) == d.batchSize, nil
}
