package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds Manager configuration.
type Config struct {
	// Logger receives structured engine logs. Defaults to NoopLogger.
	Logger Logger

	// Metrics is an optional metrics collector. Defaults to NoopMetrics.
	Metrics Metrics

	// Now overrides the wall clock, mainly for tests.
	// Defaults to time.Now in UTC.
	Now func() time.Time
}

// Manager is the subscription lifecycle controller. It owns trial
// eligibility, subscription state transitions and the entitlement
// predicate that gates premium content.
//
// Every mutation is a single Store call so the atomicity guarantees the
// Store provides carry through; the Manager itself keeps no mutable state
// and is safe for concurrent use.
type Manager struct {
	store   Store
	log     Logger
	metrics Metrics
	now     func() time.Time
}

// NewManager creates a new lifecycle manager backed by the given store.
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}

	log := config.Logger
	if log == nil {
		log = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		store:   store,
		log:     log,
		metrics: metrics,
		now:     now,
	}, nil
}

// IsEligibleForTrial reports whether the user may start a free trial with
// the given card fingerprint. Pure read: callers can probe speculatively
// before capturing a payment method.
//
// A fingerprint claimed by anyone, ever - including users whose accounts
// were later deleted - stays burned.
func (m *Manager) IsEligibleForTrial(ctx context.Context, userID, fingerprint string) (bool, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get user: %w", err)
	}
	if user.TrialUsed {
		return false, nil
	}

	claimed, err := m.store.FingerprintClaimed(ctx, fingerprint)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return !claimed, nil
}

// StartTrial starts the one-time 14-day free trial for the user.
//
// Eligibility is re-checked inside the store transaction at commit time,
// not just here, so two concurrent StartTrial calls for the same user
// yield exactly one trial; the loser gets ErrIneligible.
func (m *Manager) StartTrial(ctx context.Context, userID string, card CardMeta) (string, error) {
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if card.Fingerprint == "" {
		return "", fmt.Errorf("card fingerprint required: %w", ErrIneligible)
	}

	// Fast pre-check for a friendly failure before touching anything.
	eligible, err := m.IsEligibleForTrial(ctx, userID, card.Fingerprint)
	if err != nil {
		return "", err
	}
	if !eligible {
		m.metrics.RecordTrialRejected("precheck")
		return "", ErrIneligible
	}

	sub, err := m.store.CreateTrial(ctx, &TrialRequest{
		UserID: userID,
		Card:   card,
		Now:    m.now(),
	})
	if err != nil {
		if errors.Is(err, ErrIneligible) {
			m.metrics.RecordTrialRejected("race")
			return "", ErrIneligible
		}
		return "", fmt.Errorf("create trial: %w", err)
	}

	m.metrics.RecordTrialStarted()
	m.log.Info("trial started",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "end_date", Value: sub.EndDate},
	)
	return sub.ID, nil
}

// CreateSubscriptionParams describes a paid subscription to create.
type CreateSubscriptionParams struct {
	Plan                   Plan
	ProviderSubscriptionID string
	AutoRenew              bool
	Card                   CardMeta
}

// CreateSubscription creates a paid subscription for the user. Any
// currently active row is deactivated in the same store transaction, so
// this is the plan-change path too: history stays, exactly one row is
// active afterwards.
//
// The card is registered only when this (user, fingerprint) pair is new;
// re-subscribing with a known card has no effect on trial eligibility.
func (m *Manager) CreateSubscription(ctx context.Context, userID string, params CreateSubscriptionParams) (string, error) {
	if userID == "" {
		return "", ErrUnauthenticated
	}
	duration, err := PlanDuration(params.Plan)
	if err != nil {
		return "", err
	}

	now := m.now()
	req := &SubscriptionRequest{
		UserID:                 userID,
		Plan:                   params.Plan,
		StartDate:              now,
		EndDate:                now.Add(duration),
		AutoRenew:              params.AutoRenew,
		ProviderSubscriptionID: params.ProviderSubscriptionID,
	}
	if params.Card.Fingerprint != "" {
		card := params.Card
		req.Card = &card
	}

	sub, err := m.store.ReplaceActiveSubscription(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}

	m.metrics.RecordSubscriptionCreated(string(params.Plan))
	m.log.Info("subscription created",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "plan", Value: string(params.Plan)},
	)
	return sub.ID, nil
}

// CancelSubscription turns off auto-renew for the given subscription.
// It does not deactivate or refund anything: access runs until EndDate.
// Cancelling twice is a no-op success.
func (m *Manager) CancelSubscription(ctx context.Context, userID, subscriptionID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}

	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get subscription: %w", err)
	}
	if sub.UserID != userID {
		return ErrForbidden
	}

	if err := m.store.SetAutoRenew(ctx, subscriptionID, false); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	m.metrics.RecordCancellation()
	m.log.Info("subscription cancelled",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: subscriptionID},
	)
	return nil
}

// HasActiveSubscription is the entitlement predicate consulted by every
// premium-content check. The active flag is corrected to false at read
// time when EndDate has passed, so stale rows self-heal without a
// background sweep.
func (m *Manager) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	sub, err := m.currentSubscription(ctx, userID)
	if err != nil {
		m.metrics.RecordEntitlementCheck("error")
		return false, err
	}
	if sub == nil {
		m.metrics.RecordEntitlementCheck("inactive")
		return false, nil
	}
	m.metrics.RecordEntitlementCheck("active")
	return true, nil
}

// GetCurrentSubscription returns the user's active subscription with lazy
// expiry applied, or ErrNotFound when there is none.
func (m *Manager) GetCurrentSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := m.currentSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub, nil
}

// currentSubscription fetches the active row and applies lazy expiry.
// Returns (nil, nil) when the user has no live subscription.
func (m *Manager) currentSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := m.store.GetActiveSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active subscription: %w", err)
	}

	if sub.Expired(m.now()) {
		if err := m.store.DeactivateSubscription(ctx, sub.ID); err != nil {
			// The row is still expired, so the answer is still "no
			// entitlement"; the flag will be corrected on a later read.
			m.log.Warn("failed to clear expired active flag",
				Field{Key: "subscription_id", Value: sub.ID},
				Field{Key: "error", Value: err.Error()},
			)
		}
		m.metrics.RecordLazyExpiry()
		m.log.Debug("subscription lazily expired",
			Field{Key: "user_id", Value: userID},
			Field{Key: "subscription_id", Value: sub.ID},
		)
		return nil, nil
	}
	return sub, nil
}

// ListSubscriptions returns the user's full subscription history,
// newest first.
func (m *Manager) ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	return m.store.ListSubscriptions(ctx, userID)
}

// Store exposes the underlying store, mainly for billing adapters that
// need reconciliation primitives beyond the user-facing surface.
func (m *Manager) Store() Store {
	return m.store
}
