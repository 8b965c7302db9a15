// Package rediscache provides a Redis read-through cache around another
// lifecycle.Store. It caches the hot entitlement read path (the user's
// active subscription) and passes everything else to the inner store,
// invalidating on every mutation that can change the answer.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

// noneSentinel marks a cached "no active subscription" answer so misses
// do not hammer the inner store.
const noneSentinel = "-"

// Store implements lifecycle.Store by caching reads from an inner store
type Store struct {
	inner  lifecycle.Store
	client redis.UniversalClient
	config Config
	log    lifecycle.Logger
}

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "fitbill:")
	KeyPrefix string

	// ActiveSubscriptionTTL bounds staleness of the cached active
	// subscription (default: 5 minutes). Lazy expiry still applies on
	// top: the manager checks EndDate on every read, so a cached row
	// can never grant access past its period.
	ActiveSubscriptionTTL time.Duration

	// NegativeTTL is the TTL for cached "no subscription" answers
	// (default: 1 minute).
	NegativeTTL time.Duration

	// Logger receives cache errors; cache failures degrade to the
	// inner store, they never fail the request.
	Logger lifecycle.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:             "fitbill:",
		ActiveSubscriptionTTL: 5 * time.Minute,
		NegativeTTL:           time.Minute,
	}
}

// New creates a Redis cache around an inner store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, inner lifecycle.Store, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if inner == nil {
		return nil, fmt.Errorf("inner store is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "fitbill:"
	}
	if config.ActiveSubscriptionTTL == 0 {
		config.ActiveSubscriptionTTL = 5 * time.Minute
	}
	if config.NegativeTTL == 0 {
		config.NegativeTTL = time.Minute
	}

	log := config.Logger
	if log == nil {
		log = &lifecycle.NoopLogger{}
	}

	return &Store{
		inner:  inner,
		client: client,
		config: config,
		log:    log,
	}, nil
}

func (s *Store) activeKey(userID string) string {
	return s.config.KeyPrefix + "active:" + userID
}

// GetActiveSubscription implements lifecycle.Store with read-through
// caching.
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*lifecycle.Subscription, error) {
	key := s.activeKey(userID)

	cached, err := s.client.Get(ctx, key).Result()
	if err == nil {
		if cached == noneSentinel {
			return nil, lifecycle.ErrNotFound
		}
		var sub lifecycle.Subscription
		if jsonErr := json.Unmarshal([]byte(cached), &sub); jsonErr == nil {
			return &sub, nil
		}
		// Corrupt entry: drop it and fall through to the inner store.
		s.client.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn("redis cache read failed",
			lifecycle.Field{Key: "key", Value: key},
			lifecycle.Field{Key: "error", Value: err.Error()},
		)
	}

	sub, err := s.inner.GetActiveSubscription(ctx, userID)
	if errors.Is(err, lifecycle.ErrNotFound) {
		s.setCache(ctx, key, noneSentinel, s.config.NegativeTTL)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if data, jsonErr := json.Marshal(sub); jsonErr == nil {
		s.setCache(ctx, key, string(data), s.config.ActiveSubscriptionTTL)
	}
	return sub, nil
}

func (s *Store) setCache(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.log.Warn("redis cache write failed",
			lifecycle.Field{Key: "key", Value: key},
			lifecycle.Field{Key: "error", Value: err.Error()},
		)
	}
}

// Invalidate drops the cached active subscription for a user.
func (s *Store) Invalidate(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if err := s.client.Del(ctx, s.activeKey(userID)).Err(); err != nil {
		s.log.Warn("redis cache invalidation failed",
			lifecycle.Field{Key: "user_id", Value: userID},
			lifecycle.Field{Key: "error", Value: err.Error()},
		)
	}
}

// ---- Pass-through reads ----

// GetUser implements lifecycle.Store
func (s *Store) GetUser(ctx context.Context, userID string) (*lifecycle.User, error) {
	return s.inner.GetUser(ctx, userID)
}

// GetSubscription implements lifecycle.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*lifecycle.Subscription, error) {
	return s.inner.GetSubscription(ctx, id)
}

// GetSubscriptionByProviderID implements lifecycle.Store
func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*lifecycle.Subscription, error) {
	return s.inner.GetSubscriptionByProviderID(ctx, providerSubID)
}

// ListSubscriptions implements lifecycle.Store
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*lifecycle.Subscription, error) {
	return s.inner.ListSubscriptions(ctx, userID)
}

// FingerprintClaimed implements lifecycle.Store
func (s *Store) FingerprintClaimed(ctx context.Context, fingerprint string) (bool, error) {
	return s.inner.FingerprintClaimed(ctx, fingerprint)
}

// CardOnFile implements lifecycle.Store
func (s *Store) CardOnFile(ctx context.Context, userID, fingerprint string) (bool, error) {
	return s.inner.CardOnFile(ctx, userID, fingerprint)
}

// ---- Mutations invalidate before returning ----

// CreateTrial implements lifecycle.Store
func (s *Store) CreateTrial(ctx context.Context, req *lifecycle.TrialRequest) (*lifecycle.Subscription, error) {
	sub, err := s.inner.CreateTrial(ctx, req)
	if err != nil {
		return nil, err
	}
	s.Invalidate(ctx, req.UserID)
	return sub, nil
}

// ReplaceActiveSubscription implements lifecycle.Store
func (s *Store) ReplaceActiveSubscription(ctx context.Context, req *lifecycle.SubscriptionRequest) (*lifecycle.Subscription, error) {
	sub, err := s.inner.ReplaceActiveSubscription(ctx, req)
	if err != nil {
		return nil, err
	}
	s.Invalidate(ctx, req.UserID)
	return sub, nil
}

// SetAutoRenew implements lifecycle.Store
func (s *Store) SetAutoRenew(ctx context.Context, subscriptionID string, autoRenew bool) error {
	if err := s.inner.SetAutoRenew(ctx, subscriptionID, autoRenew); err != nil {
		return err
	}
	s.invalidateBySubscriptionID(ctx, subscriptionID)
	return nil
}

// DeactivateSubscription implements lifecycle.Store
func (s *Store) DeactivateSubscription(ctx context.Context, subscriptionID string) error {
	// Resolve the owner first; the row is still readable pre-update.
	sub, lookupErr := s.inner.GetSubscription(ctx, subscriptionID)

	if err := s.inner.DeactivateSubscription(ctx, subscriptionID); err != nil {
		return err
	}
	if lookupErr == nil {
		s.Invalidate(ctx, sub.UserID)
	}
	return nil
}

// ApplyProviderUpdate implements lifecycle.Store
func (s *Store) ApplyProviderUpdate(ctx context.Context, req *lifecycle.ProviderUpdate) (*lifecycle.Subscription, error) {
	sub, err := s.inner.ApplyProviderUpdate(ctx, req)
	if err != nil {
		return nil, err
	}
	s.Invalidate(ctx, sub.UserID)
	return sub, nil
}

// UpsertPaymentCard implements lifecycle.Store
func (s *Store) UpsertPaymentCard(ctx context.Context, card *lifecycle.PaymentCard) error {
	return s.inner.UpsertPaymentCard(ctx, card)
}

func (s *Store) invalidateBySubscriptionID(ctx context.Context, subscriptionID string) {
	sub, err := s.inner.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return
	}
	s.Invalidate(ctx, sub.UserID)
}
