package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitlifehq/fitbill/pkg/lifecycle"
	"github.com/fitlifehq/fitbill/storage/memory"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	inner := memory.New()

	if _, err := New(nil, inner, DefaultConfig()); err == nil {
		t.Error("Expected error for nil client")
	}

	client := setupTestRedis(t)
	defer client.Close()

	if _, err := New(client, nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil inner store")
	}

	store, err := New(client, inner, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if store.config.KeyPrefix != "fitbill:" {
		t.Errorf("Expected default key prefix, got %q", store.config.KeyPrefix)
	}
}

func TestStore_GetActiveSubscription_ReadThrough(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	inner := memory.New()
	store, err := New(client, inner, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	inner.PutUser(&lifecycle.User{ID: "user1"})

	now := time.Now().UTC()
	created, err := inner.ReplaceActiveSubscription(ctx, &lifecycle.SubscriptionRequest{
		UserID:    "user1",
		Plan:      lifecycle.Plan1Month,
		StartDate: now,
		EndDate:   now.AddDate(0, 0, 30),
	})
	if err != nil {
		t.Fatalf("seed subscription failed: %v", err)
	}

	// First read populates the cache
	sub, err := store.GetActiveSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}
	if sub.ID != created.ID {
		t.Errorf("Subscription mismatch: got %s, want %s", sub.ID, created.ID)
	}

	if err := client.Get(ctx, store.activeKey("user1")).Err(); err != nil {
		t.Errorf("Expected cache entry after read: %v", err)
	}

	// Mutating the inner store directly leaves the cache stale
	if err := inner.DeactivateSubscription(ctx, created.ID); err != nil {
		t.Fatalf("DeactivateSubscription failed: %v", err)
	}
	sub, err = store.GetActiveSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}
	if sub.ID != created.ID {
		t.Error("Expected cached row to be served")
	}

	// Mutating through the cache invalidates
	store.Invalidate(ctx, "user1")
	if _, err := store.GetActiveSubscription(ctx, "user1"); err != lifecycle.ErrNotFound {
		t.Errorf("Expected ErrNotFound after invalidation, got %v", err)
	}
}

func TestStore_NegativeCaching(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	inner := memory.New()
	store, err := New(client, inner, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()

	if _, err := store.GetActiveSubscription(ctx, "nobody"); err != lifecycle.ErrNotFound {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	val, err := client.Get(ctx, store.activeKey("nobody")).Result()
	if err != nil {
		t.Fatalf("Expected negative cache entry: %v", err)
	}
	if val != noneSentinel {
		t.Errorf("Expected sentinel value, got %q", val)
	}
}

func TestStore_MutationsInvalidate(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	inner := memory.New()
	store, err := New(client, inner, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	inner.PutUser(&lifecycle.User{ID: "user1"})

	now := time.Now().UTC()
	first, err := store.ReplaceActiveSubscription(ctx, &lifecycle.SubscriptionRequest{
		UserID:    "user1",
		Plan:      lifecycle.Plan1Month,
		StartDate: now,
		EndDate:   now.AddDate(0, 0, 30),
	})
	if err != nil {
		t.Fatalf("ReplaceActiveSubscription failed: %v", err)
	}

	// Prime the cache, then replace through the cache
	if _, err := store.GetActiveSubscription(ctx, "user1"); err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}

	second, err := store.ReplaceActiveSubscription(ctx, &lifecycle.SubscriptionRequest{
		UserID:    "user1",
		Plan:      lifecycle.Plan1Year,
		StartDate: now,
		EndDate:   now.AddDate(1, 0, 0),
	})
	if err != nil {
		t.Fatalf("ReplaceActiveSubscription failed: %v", err)
	}

	sub, err := store.GetActiveSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}
	if sub.ID != second.ID || sub.ID == first.ID {
		t.Errorf("Expected fresh active subscription, got %s", sub.ID)
	}

	// Deactivation through the cache invalidates too
	if err := store.DeactivateSubscription(ctx, second.ID); err != nil {
		t.Fatalf("DeactivateSubscription failed: %v", err)
	}
	if _, err := store.GetActiveSubscription(ctx, "user1"); err != lifecycle.ErrNotFound {
		t.Errorf("Expected ErrNotFound after deactivation, got %v", err)
	}
}
