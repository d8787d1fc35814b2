// Package resume implements the short-TTL resume snapshot store (C2), letting a reconnecting
// client pick up its delivery cursor and undelivered tail after a disconnect.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingEntry is one envelope the client had not yet acknowledged when the snapshot was taken.
type PendingEntry struct {
	ServerSeq      uint64 `json:"server_seq"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Payload        []byte `json:"payload"`
}

// Snapshot captures per-connection delivery state for later resume, per §3's Resume Snapshot.
type Snapshot struct {
	AccountID     string         `json:"account_id"`
	DeviceID      string         `json:"device_id"`
	LastServerSeq uint64         `json:"last_server_seq"`
	PendingTail   []PendingEntry `json:"pending_tail"`
}

// ErrNotFound indicates no live (or not-yet-expired) snapshot exists for the token.
var ErrNotFound = errors.New("resume: snapshot not found")

// Store is the C2 interface: load/persist/drop keyed by opaque resume token.
type Store interface {
	Load(ctx context.Context, token string) (Snapshot, error)
	Persist(ctx context.Context, token string, snapshot Snapshot, ttl time.Duration) error
	Drop(ctx context.Context, token string) error
}

// MemoryStore is the in-memory (dev) implementation of Store. Writes are last-writer-wins;
// expired entries are treated as absent on read rather than being proactively swept.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	snapshot Snapshot
	expireAt time.Time
}

// NewMemoryStore constructs an in-memory resume store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// NewMemoryStoreWithClock constructs an in-memory resume store using a custom clock, for tests.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: now}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, token string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if s.now().After(entry.expireAt) {
		delete(s.entries, token)
		return Snapshot{}, ErrNotFound
	}
	return entry.snapshot, nil
}

// Persist implements Store.
func (s *MemoryStore) Persist(_ context.Context, token string, snapshot Snapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = memoryEntry{snapshot: snapshot, expireAt: s.now().Add(ttl)}
	return nil
}

// Drop implements Store.
func (s *MemoryStore) Drop(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

// RedisStore is the production (shared-cache) implementation of Store, refreshing the TTL
// on every write so a restarted process still honours the original window.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore constructs a Redis-backed resume store using the given key prefix.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(token string) string {
	return s.keyPrefix + token
}

// Load implements Store; an expired or absent key is reported as ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, token string) (Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("resume: redis get: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("resume: decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Persist implements Store.
func (s *RedisStore) Persist(ctx context.Context, token string, snapshot Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("resume: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("resume: redis set: %w", err)
	}
	return nil
}

// Drop implements Store.
func (s *RedisStore) Drop(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("resume: redis del: %w", err)
	}
	return nil
}
