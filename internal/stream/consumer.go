package stream

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corridorchat/messaging-core/internal/logging"
)

// ConsumerState is the per-partition lifecycle state of the Stream Consumer, per §4.6.
type ConsumerState string

const (
	StateIdle       ConsumerState = "idle"
	StateReading    ConsumerState = "reading"
	StateDelivering ConsumerState = "delivering"
	StateAcking     ConsumerState = "acking"
	StatePaused     ConsumerState = "paused"
)

// Deliverer hands a reordered, deduped entry to the WebSocket Hub for broadcast, per §4.7's
// broadcast(partitionKey,envelope). ErrBackpressure signals the Hub is overloaded and the entry
// should remain unacked for later redelivery.
type Deliverer interface {
	Deliver(ctx context.Context, partition string, entry Entry) error
}

// ErrBackpressure is returned by a Deliverer that is temporarily overloaded.
var ErrBackpressure = errBackpressure{}

type errBackpressure struct{}

func (errBackpressure) Error() string { return "stream: downstream backpressure" }

// dedupeLRU is a bounded, insertion-ordered set used as the short-lived in-process dedupe cache.
type dedupeLRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupeLRU(capacity int) *dedupeLRU {
	return &dedupeLRU{capacity: capacity, order: list.New(), index: make(map[string]*list.Element)}
}

// seen returns whether key was already recorded, recording it if not.
func (c *dedupeLRU) seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; ok {
		return true
	}
	el := c.order.PushBack(key)
	c.index[key] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(string))
	}
	return false
}

// reorderBuffer holds out-of-sequence entries per partition until the gap fills or times out.
type reorderBuffer struct {
	mu           sync.Mutex
	lastDelivered map[string]uint64
	pending       map[string]map[uint64]bufferedEntry
	firstSeenAt   map[string]time.Time
}

type bufferedEntry struct {
	delivered Delivered
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{
		lastDelivered: make(map[string]uint64),
		pending:       make(map[string]map[uint64]bufferedEntry),
		firstSeenAt:   make(map[string]time.Time),
	}
}

// admit records d and returns the entries now ready for in-order delivery (possibly empty), plus
// whether the partition's gap has persisted beyond timeout (forcing arrival-order delivery).
func (r *reorderBuffer) admit(d Delivered, now time.Time, timeout time.Duration) ([]Delivered, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	partition := d.Partition
	seq := d.Entry.Seq
	if seq == 0 {
		// No sequence information: nothing to reorder, deliver immediately.
		return []Delivered{d}, false
	}

	last := r.lastDelivered[partition]
	if seq == last+1 {
		ready := []Delivered{d}
		r.lastDelivered[partition] = seq
		delete(r.firstSeenAt, partition)
		bucket := r.pending[partition]
		for {
			next, ok := bucket[r.lastDelivered[partition]+1]
			if !ok {
				break
			}
			ready = append(ready, next.delivered)
			r.lastDelivered[partition]++
			delete(bucket, r.lastDelivered[partition])
		}
		return ready, false
	}

	if seq <= last {
		// Already delivered; caller's dedupe layer should normally catch this first.
		return nil, false
	}

	bucket, ok := r.pending[partition]
	if !ok {
		bucket = make(map[uint64]bufferedEntry)
		r.pending[partition] = bucket
	}
	bucket[seq] = bufferedEntry{delivered: d}
	if _, ok := r.firstSeenAt[partition]; !ok {
		r.firstSeenAt[partition] = now
	}
	if now.Sub(r.firstSeenAt[partition]) > timeout {
		// Gap persisted too long: flush in arrival order.
		var flushed []Delivered
		for s, be := range bucket {
			flushed = append(flushed, be.delivered)
			delete(bucket, s)
			if s > r.lastDelivered[partition] {
				r.lastDelivered[partition] = s
			}
		}
		delete(r.firstSeenAt, partition)
		return flushed, true
	}
	return nil, false
}

// Consumer is the Stream Consumer (C6): group-reads, dedupes, reorders, and delivers entries to
// the Hub, with idle-entry reclaim and DLQ routing, per §4.6.
type Consumer struct {
	broker       Broker
	deliver      Deliverer
	dlq          DLQWriter
	persistentSeen PersistentSeenSet
	group        string
	name         string

	batchSize       int
	blockTimeout    time.Duration
	reorderTimeout  time.Duration
	claimIdleAfter  time.Duration
	maxAttempts     int

	dedupe  *dedupeLRU
	reorder *reorderBuffer

	mu    sync.Mutex
	state ConsumerState
}

// PersistentSeenSet is the cross-process dedupe backstop (Redis `SET … NX EX`), consulted on an
// in-process LRU miss.
type PersistentSeenSet interface {
	// MarkSeen returns true if key was newly recorded (i.e. not previously seen).
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisSeenSet implements PersistentSeenSet over a redis.Client.
type RedisSeenSet struct {
	client *redis.Client
	prefix string
}

// NewRedisSeenSet constructs a RedisSeenSet namespacing keys with prefix.
func NewRedisSeenSet(client *redis.Client, prefix string) *RedisSeenSet {
	return &RedisSeenSet{client: client, prefix: prefix}
}

// MarkSeen implements PersistentSeenSet via SET key NX EX ttl.
func (s *RedisSeenSet) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerBatchSize overrides the per-read batch size (default 50).
func WithConsumerBatchSize(n int) ConsumerOption {
	return func(c *Consumer) { c.batchSize = n }
}

// WithBlockTimeout overrides the per-read block duration (default 1s).
func WithBlockTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.blockTimeout = d }
}

// WithReorderTimeout overrides how long a sequence gap is tolerated before arrival-order flush
// (default 2s).
func WithReorderTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.reorderTimeout = d }
}

// WithClaimIdleAfter overrides the idle-pending reclaim threshold (default 30s).
func WithClaimIdleAfter(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.claimIdleAfter = d }
}

// WithConsumerMaxAttempts overrides the attempt ceiling before DLQ routing (default 5).
func WithConsumerMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) { c.maxAttempts = n }
}

// NewConsumer constructs a Consumer reading as (group, name).
func NewConsumer(broker Broker, deliver Deliverer, dlq DLQWriter, seen PersistentSeenSet, group, name string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:         broker,
		deliver:        deliver,
		dlq:            dlq,
		persistentSeen: seen,
		group:          group,
		name:           name,
		batchSize:      50,
		blockTimeout:   time.Second,
		reorderTimeout: 2 * time.Second,
		claimIdleAfter: 30 * time.Second,
		maxAttempts:    5,
		dedupe:         newDedupeLRU(50 * 4),
		reorder:        newReorderBuffer(),
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the consumer's current lifecycle state.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s ConsumerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the consume loop until ctx is cancelled, per §4.6's cancellation contract: signals
// stop, lets in-flight delivery settle, and returns after acking what settled.
func (c *Consumer) Run(ctx context.Context) error {
	log := logging.LoggerFromContext(ctx)
	reclaimTicker := time.NewTicker(c.claimIdleAfter)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return ctx.Err()
		case <-reclaimTicker.C:
			if err := c.reclaimIdle(ctx); err != nil {
				log.Error("consumer: reclaim idle failed", logging.Error(err))
			}
		default:
		}

		c.setState(StateReading)
		batch, err := c.broker.ReadGroup(ctx, c.group, c.name, c.batchSize, c.blockTimeout)
		if err == ErrNoEntries {
			c.setState(StateIdle)
			continue
		}
		if err != nil {
			log.Error("consumer: read failed", logging.Error(err))
			c.setState(StateIdle)
			continue
		}
		c.processBatch(ctx, batch)
	}
}

func (c *Consumer) processBatch(ctx context.Context, batch []Delivered) {
	log := logging.LoggerFromContext(ctx)
	c.setState(StateDelivering)
	for _, d := range batch {
		if d.Entry.MessageID == "" && d.Entry.Payload == nil {
			// Unparseable on the broker side already; route to DLQ and ack so it does not
			// recirculate, per §4.6 step 2.
			if c.dlq != nil {
				_ = c.dlq.Record(ctx, d.ID, "parse_error", nil)
			}
			c.ack(ctx, d, log)
			continue
		}

		if c.dedupe.seen(d.Entry.MessageID) {
			c.ack(ctx, d, log)
			continue
		}
		if c.persistentSeen != nil {
			fresh, err := c.persistentSeen.MarkSeen(ctx, d.Entry.MessageID, 24*time.Hour)
			if err == nil && !fresh {
				c.ack(ctx, d, log)
				continue
			}
		}

		ready, gapFlushed := c.reorder.admit(d, time.Now(), c.reorderTimeout)
		if gapFlushed {
			log.Warn("consumer: reorder gap exceeded timeout, delivering in arrival order",
				logging.String("partition", d.Partition))
		}
		for _, r := range ready {
			c.deliverOne(ctx, r, log)
		}
	}
	c.setState(StateAcking)
}

func (c *Consumer) deliverOne(ctx context.Context, d Delivered, log *logging.Logger) {
	err := c.deliver.Deliver(ctx, d.Partition, d.Entry)
	if err == nil {
		c.ack(ctx, d, log)
		return
	}
	if err == ErrBackpressure {
		c.setState(StatePaused)
		return
	}
	if d.Attempts >= c.maxAttempts {
		if c.dlq != nil {
			_ = c.dlq.Record(ctx, d.Entry.MessageID, "delivery_failed", d.Entry.Payload)
		}
		c.ack(ctx, d, log)
		return
	}
	// Leave unacked; will be redelivered after claimIdleAfter via reclaimIdle.
}

func (c *Consumer) ack(ctx context.Context, d Delivered, log *logging.Logger) {
	if err := c.broker.Ack(ctx, d.Partition, c.group, d.ID); err != nil {
		log.Error("consumer: ack failed", logging.Error(err), logging.String("entry_id", d.ID))
	}
}

func (c *Consumer) reclaimIdle(ctx context.Context) error {
	claimed, err := c.broker.ClaimIdle(ctx, c.group, c.name, c.claimIdleAfter, c.batchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	c.processBatch(ctx, claimed)
	return nil
}
