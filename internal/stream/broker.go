// Package stream implements the partitioned Stream Dispatcher (C5) and Stream Consumer (C6):
// at-least-once publish from the outbox into a per-conversation partitioned stream, and
// group-read/reorder/dedupe/deliver on the consuming side, modeled on Redis Streams semantics.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one published stream record, carried as an opaque payload end-to-end per §6.6.
type Entry struct {
	EventID   string `json:"event_id"`
	MessageID string `json:"message_id"`
	Seq       uint64 `json:"seq"`
	Payload   []byte `json:"payload"`
}

// Delivered wraps an Entry with the identifiers needed to acknowledge or reclaim it.
type Delivered struct {
	ID        string // broker-assigned entry id (stream offset)
	Partition string
	Entry     Entry
	Attempts  int
}

// ErrNoEntries indicates a read returned nothing within the block window.
var ErrNoEntries = errors.New("stream: no entries available")

// Broker is the partitioned, consumer-group stream abstraction shared by the in-memory dev
// backend and the Redis Streams production backend, per §4.5/§4.6.
type Broker interface {
	// Publish appends entry to partition's stream, at-least-once.
	Publish(ctx context.Context, partition string, entry Entry) error
	// ReadGroup reads up to batchSize new (">") entries for group/consumer across partitions,
	// blocking up to block for data to arrive.
	ReadGroup(ctx context.Context, group, consumer string, batchSize int, block time.Duration) ([]Delivered, error)
	// Ack acknowledges a delivered entry, removing it from the group's pending list.
	Ack(ctx context.Context, partition, group, id string) error
	// ClaimIdle reassigns entries pending longer than minIdle to consumer (XAUTOCLAIM-equivalent).
	ClaimIdle(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Delivered, error)
}

// --- In-memory dev backend -------------------------------------------------------------------

type memoryPending struct {
	entry       Delivered
	deliveredAt time.Time
}

// MemoryBroker is a single-process Broker for development and tests, grounded on the ack-tracked
// ordered-delivery pattern the teacher used for its own in-process subscriber (deleted, see the
// grounding ledger), reimplemented fresh for partitioned, consumer-group semantics.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string][]Delivered            // partition -> ordered entries
	pending map[string]map[string]memoryPending // group -> id -> pending
	cursor  map[string]int                      // group\x00partition -> next unread index
	seq     int
	now     func() time.Time
	notify  chan struct{}
}

// NewMemoryBroker constructs an in-memory Broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams: make(map[string][]Delivered),
		pending: make(map[string]map[string]memoryPending),
		cursor:  make(map[string]int),
		now:     time.Now,
		notify:  make(chan struct{}, 1),
	}
}

// NewMemoryBrokerWithClock constructs an in-memory Broker using a custom clock, for tests.
func NewMemoryBrokerWithClock(now func() time.Time) *MemoryBroker {
	b := NewMemoryBroker()
	b.now = now
	return b
}

func (b *MemoryBroker) nextID() string {
	b.seq++
	return fmt.Sprintf("%d-%d", b.now().UnixNano(), b.seq)
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, partition string, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[partition] = append(b.streams[partition], Delivered{
		ID:        b.nextID(),
		Partition: partition,
		Entry:     entry,
	})
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func cursorKey(group, partition string) string { return group + "\x00" + partition }

// ReadGroup implements Broker. Each call polls once per tick until block elapses or data
// arrives; the Consumer's own run loop is responsible for repeated calls.
func (b *MemoryBroker) ReadGroup(ctx context.Context, group, consumer string, batchSize int, block time.Duration) ([]Delivered, error) {
	deadline := b.now().Add(block)
	for {
		b.mu.Lock()
		var out []Delivered
		for partition, entries := range b.streams {
			key := cursorKey(group, partition)
			idx := b.cursor[key]
			for idx < len(entries) && len(out) < batchSize {
				d := entries[idx]
				d.Attempts = 1
				b.markPendingLocked(group, d)
				out = append(out, d)
				idx++
			}
			b.cursor[key] = idx
			if len(out) >= batchSize {
				break
			}
		}
		b.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		if block <= 0 || !b.now().Before(deadline) {
			return nil, ErrNoEntries
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) markPendingLocked(group string, d Delivered) {
	g, ok := b.pending[group]
	if !ok {
		g = make(map[string]memoryPending)
		b.pending[group] = g
	}
	g[d.ID] = memoryPending{entry: d, deliveredAt: b.now()}
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(_ context.Context, _, group, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.pending[group]; ok {
		delete(g, id)
	}
	return nil
}

// ClaimIdle implements Broker.
func (b *MemoryBroker) ClaimIdle(_ context.Context, group, consumer string, minIdle time.Duration, count int) ([]Delivered, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.pending[group]
	if !ok {
		return nil, nil
	}
	var claimed []Delivered
	cutoff := b.now().Add(-minIdle)
	for id, p := range g {
		if len(claimed) >= count {
			break
		}
		if p.deliveredAt.Before(cutoff) {
			p.entry.Attempts++
			p.deliveredAt = b.now()
			g[id] = p
			claimed = append(claimed, p.entry)
		}
	}
	return claimed, nil
}

// --- Redis Streams production backend --------------------------------------------------------

// RedisBroker implements Broker over Redis Streams (XADD/XREADGROUP/XACK/XAUTOCLAIM), per
// SPEC_FULL.md §6.6's domain-stack wiring.
type RedisBroker struct {
	client       *redis.Client
	streamPrefix string

	knownMu sync.RWMutex
	known   map[string]struct{} // stream keys this broker has published to or ensured a group on
}

// NewRedisBroker constructs a Redis-backed Broker. streamPrefix namespaces partition stream keys.
func NewRedisBroker(client *redis.Client, streamPrefix string) *RedisBroker {
	return &RedisBroker{
		client:       client,
		streamPrefix: streamPrefix,
		known:        make(map[string]struct{}),
	}
}

func (b *RedisBroker) streamKey(partition string) string {
	return b.streamPrefix + partition
}

func (b *RedisBroker) trackKnown(key string) {
	b.knownMu.Lock()
	b.known[key] = struct{}{}
	b.knownMu.Unlock()
}

func (b *RedisBroker) knownKeys() []string {
	b.knownMu.RLock()
	defer b.knownMu.RUnlock()
	keys := make([]string, 0, len(b.known))
	for k := range b.known {
		keys = append(keys, k)
	}
	return keys
}

// EnsureGroup creates the consumer group for a partition if it does not already exist.
func (b *RedisBroker) EnsureGroup(ctx context.Context, partition, group string) error {
	key := b.streamKey(partition)
	err := b.client.XGroupCreateMkStream(ctx, key, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("stream: ensure group: %w", err)
	}
	b.trackKnown(key)
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Publish implements Broker via XADD.
func (b *RedisBroker) Publish(ctx context.Context, partition string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("stream: encode entry: %w", err)
	}
	key := b.streamKey(partition)
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"entry": raw},
	}).Err(); err != nil {
		return fmt.Errorf("stream: xadd: %w", err)
	}
	b.trackKnown(key)
	return nil
}

// ReadGroup implements Broker via XREADGROUP across every partition this broker has tracked
// (via Publish or EnsureGroup); production deployments call EnsureGroup for every known
// conversation partition during startup/backfill.
func (b *RedisBroker) ReadGroup(ctx context.Context, group, consumer string, batchSize int, block time.Duration) ([]Delivered, error) {
	streams := b.knownKeys()
	if len(streams) == 0 {
		return nil, ErrNoEntries
	}
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    int64(batchSize),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEntries
	}
	if err != nil {
		return nil, fmt.Errorf("stream: xreadgroup: %w", err)
	}
	var out []Delivered
	for _, s := range res {
		partition := partitionFromKey(b.streamPrefix, s.Stream)
		for _, msg := range s.Messages {
			raw, _ := msg.Values["entry"].(string)
			var entry Entry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				out = append(out, Delivered{ID: msg.ID, Partition: partition})
				continue
			}
			out = append(out, Delivered{ID: msg.ID, Partition: partition, Entry: entry, Attempts: 1})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoEntries
	}
	return out, nil
}

func partitionFromKey(prefix, key string) string {
	if len(key) > len(prefix) {
		return key[len(prefix):]
	}
	return key
}

// Ack implements Broker via XACK.
func (b *RedisBroker) Ack(ctx context.Context, partition, group, id string) error {
	if err := b.client.XAck(ctx, b.streamKey(partition), group, id).Err(); err != nil {
		return fmt.Errorf("stream: xack: %w", err)
	}
	return nil
}

// ClaimIdle implements Broker via XAUTOCLAIM across every tracked partition.
func (b *RedisBroker) ClaimIdle(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Delivered, error) {
	var out []Delivered
	for _, key := range b.knownKeys() {
		msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    "0",
			Count:    int64(count),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return out, fmt.Errorf("stream: xautoclaim: %w", err)
		}
		partition := partitionFromKey(b.streamPrefix, key)
		for _, msg := range msgs {
			raw, _ := msg.Values["entry"].(string)
			var entry Entry
			if err := json.Unmarshal([]byte(raw), &entry); err == nil {
				out = append(out, Delivered{ID: msg.ID, Partition: partition, Entry: entry, Attempts: 2})
			}
		}
	}
	return out, nil
}
