package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/model"
)

func testReceipt() Receipt {
	return Receipt{
		SessionID:  "sess-1",
		OrderID:    "ORD-1001",
		Action:     model.ActionDismiss,
		AcceptedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	var envErr *model.ErrorEnvelope
	if !errors.As(err, &envErr) {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if envErr.Code != model.ErrConflict {
		t.Errorf("error code = %s, want %s", envErr.Code, model.ErrConflict)
	}
}

// --- MemoryStore ---

func TestMemoryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryStore()

	receipt, found, err := store.Check(context.Background(), "idem:s:o:key1", "dismiss")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if receipt != nil {
		t.Errorf("receipt = %+v, want nil", receipt)
	}
}

func TestMemoryStore_SaveAndCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("sess-1", "ORD-1001", "key1")

	if err := store.Save(ctx, key, InputHash(model.ActionDismiss), testReceipt(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	receipt, found, err := store.Check(ctx, key, InputHash(model.ActionDismiss))
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || receipt == nil {
		t.Fatal("found = false, want true")
	}
	if *receipt != testReceipt() {
		t.Errorf("receipt = %+v, want %+v", *receipt, testReceipt())
	}
}

func TestMemoryStore_ConflictOnDifferentAction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("sess-1", "ORD-1001", "key1")

	_ = store.Save(ctx, key, InputHash(model.ActionDismiss), testReceipt(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, InputHash(model.ActionEscalate))
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !found {
		t.Error("found = false, want true (key exists)")
	}
	assertConflict(t, err)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()
	key := "idem:s:o:key1"

	_ = store.Save(ctx, key, "dismiss", testReceipt(), time.Minute)
	now = now.Add(2 * time.Minute)

	receipt, found, err := store.Check(ctx, key, "dismiss")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || receipt != nil {
		t.Errorf("found = %v receipt = %+v, want expired", found, receipt)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, "short", "dismiss", testReceipt(), time.Second)
	_ = store.Save(ctx, "long", "dismiss", testReceipt(), time.Hour)
	now = now.Add(time.Minute)

	if n := store.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestRunSweeper_evictsUntilCancelled(t *testing.T) {
	store := NewMemoryStore()
	start := time.Now()
	store.now = func() time.Time { return start }
	ctx, cancel := context.WithCancel(context.Background())

	_ = store.Save(ctx, "short", "dismiss", testReceipt(), time.Second)
	_ = store.Save(ctx, "long", "dismiss", testReceipt(), time.Hour)
	later := start.Add(time.Minute)
	store.now = func() time.Time { return later }

	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, store, 5*time.Millisecond, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Len() = %d, want the expired receipt swept", store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}

func TestMemoryStore_isSweeper(t *testing.T) {
	var s Store = NewMemoryStore()
	if _, ok := s.(Sweeper); !ok {
		t.Error("MemoryStore should evict through Sweeper")
	}
	var r Store = NewRedisStore(nil)
	if _, ok := r.(Sweeper); ok {
		t.Error("RedisStore expires keys server-side and needs no sweeper")
	}
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_CheckNotFound(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)

	receipt, found, err := store.Check(context.Background(), "idem:s:o:key1", "dismiss")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || receipt != nil {
		t.Errorf("found = %v receipt = %+v, want none", found, receipt)
	}
}

func TestRedisStore_SaveAndCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := FormatKey("sess-1", "ORD-1001", "key1")

	if err := store.Save(ctx, key, "dismiss", testReceipt(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if ttl := mr.TTL(key); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	receipt, found, err := store.Check(ctx, key, "dismiss")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || receipt == nil {
		t.Fatal("found = false, want true")
	}
	if !receipt.AcceptedAt.Equal(testReceipt().AcceptedAt) || receipt.OrderID != "ORD-1001" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestRedisStore_ConflictOnDifferentAction(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := "idem:s:o:key1"

	_ = store.Save(ctx, key, "dismiss", testReceipt(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "file_chargeback")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !found {
		t.Error("found = false, want true")
	}
	assertConflict(t, err)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()
	key := "idem:s:o:key1"

	_ = store.Save(ctx, key, "dismiss", testReceipt(), time.Second)
	mr.FastForward(2 * time.Second)

	_, found, err := store.Check(ctx, key, "dismiss")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	_ = mr.Set("idem:s:o:bad", "not json")

	if _, _, err := store.Check(context.Background(), "idem:s:o:bad", "dismiss"); err == nil {
		t.Fatal("expected unmarshal error")
	}
}

func TestRedisStore_Ping(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	mr.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Error("Ping should fail once redis is gone")
	}
}

// --- Open / FormatKey ---

func TestOpen(t *testing.T) {
	store, closeFn, err := Open(config.IdempotencyStoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("store = %T, want *MemoryStore", store)
	}
	_ = closeFn()

	mr := miniredis.RunT(t)
	t.Setenv("OPSDASH_TEST_REDIS", mr.Addr())
	store, closeFn, err = Open(config.IdempotencyStoreConfig{Driver: "redis", AddrEnv: "OPSDASH_TEST_REDIS"})
	if err != nil {
		t.Fatalf("Open(redis) error: %v", err)
	}
	defer closeFn()
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping error: %v", err)
	}

	if _, _, err := Open(config.IdempotencyStoreConfig{Driver: "redis", AddrEnv: "OPSDASH_UNSET_VAR"}); err == nil {
		t.Error("expected error for unset address variable")
	}
	if _, _, err := Open(config.IdempotencyStoreConfig{Driver: "postgres"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestFormatKey(t *testing.T) {
	if got, want := FormatKey("sess-1", "ORD-1001", "k/1"), "idem:sess-1:ORD-1001:k/1"; got != want {
		t.Errorf("FormatKey() = %q, want %q", got, want)
	}
}
