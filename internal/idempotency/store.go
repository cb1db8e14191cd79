// Package idempotency deduplicates operator action submissions that carry a
// client-supplied idempotency key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/model"
)

// Receipt is what the session API answered when it accepted an action. A
// replayed submission is answered with the stored receipt.
type Receipt struct {
	SessionID  string           `json:"session_id"`
	OrderID    string           `json:"order_id"`
	Action     model.ActionType `json:"action"`
	AcceptedAt time.Time        `json:"accepted_at"`
}

// Store provides deduplication for action submissions.
// The key format is "idem:{sessionId}:{orderId}:{key}".
type Store interface {
	// Check looks up a previous receipt by key. If the key exists and the
	// input hash matches, it returns the stored receipt. If the key exists
	// but the hash differs, it returns a 409 conflict error.
	Check(ctx context.Context, key string, inputHash string) (receipt *Receipt, found bool, err error)

	// Save stores a receipt keyed by the idempotency key with a TTL.
	Save(ctx context.Context, key string, inputHash string, receipt Receipt, ttl time.Duration) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	InputHash string  `json:"input_hash"`
	Receipt   Receipt `json:"receipt"`
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different action", key),
	)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a stored receipt. Returns a conflict error if the input
// hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*Receipt, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		if cur := s.entries[key]; cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	receipt := e.data.Receipt
	return &receipt, true, nil
}

// Save stores a receipt with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, inputHash string, receipt Receipt, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Receipt: receipt},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Sweep removes expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Sweeper is implemented by stores that evict expired entries themselves.
type Sweeper interface {
	Sweep() int
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.Debug("expired idempotency receipts swept", zap.Int("count", n))
			}
		}
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of entries (including expired ones).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a stored receipt in Redis. Returns a conflict error if the
// input hash differs.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*Receipt, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &e.Receipt, true, nil
}

// Save stores a receipt in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, inputHash string, receipt Receipt, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Receipt: receipt})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// FormatKey builds the standard idempotency key.
func FormatKey(sessionID, orderID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", sessionID, orderID, key)
}

// InputHash is the value compared on replay. Two submissions under the same
// key match only when they request the same action.
func InputHash(action model.ActionType) string {
	return string(action)
}
