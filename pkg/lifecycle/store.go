package lifecycle

import (
	"context"
	"time"
)

// Store defines the persistence interface for the lifecycle engine.
//
// The composite operations (CreateTrial, ReplaceActiveSubscription,
// ApplyProviderUpdate) must be transaction-safe: each one executes its
// read-check-write sequence atomically with respect to every other Store
// call for the same user or provider subscription id. Implementations use
// whatever primitive fits the backend (a mutex for memory, transactions
// with row locks for SQL).
type Store interface {
	// GetUser retrieves a user by id. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetSubscription retrieves a subscription by id.
	// Returns ErrNotFound if absent.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetActiveSubscription returns the user's newest row with
	// IsActive=true, or ErrNotFound if there is none. It does NOT apply
	// lazy expiry; that is the Manager's job.
	GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByProviderID looks up a subscription by the payment
	// processor's subscription id. Returns ErrNotFound if absent.
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)

	// ListSubscriptions returns all subscription rows for a user,
	// newest first.
	ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// FingerprintClaimed reports whether a card fingerprint exists
	// anywhere: on any payment_cards row (regardless of owner) or in the
	// trial-claims ledger. Pure read.
	FingerprintClaimed(ctx context.Context, fingerprint string) (bool, error)

	// CardOnFile reports whether this exact (user, fingerprint) pair is
	// already registered.
	CardOnFile(ctx context.Context, userID, fingerprint string) (bool, error)

	// CreateTrial atomically re-checks trial eligibility and, if still
	// eligible, inserts the trial subscription, registers the payment
	// card, records the fingerprint in the trial-claims ledger and sets
	// the user's TrialUsed flag. Returns ErrIneligible when the re-check
	// fails, so two racing StartTrial calls produce exactly one trial.
	CreateTrial(ctx context.Context, req *TrialRequest) (*Subscription, error)

	// ReplaceActiveSubscription atomically deactivates the user's
	// current active row (if any) and inserts the new active row, so a
	// concurrent reader never sees two active rows. Registers the card
	// when the (user, fingerprint) pair is new; fingerprint may be empty
	// for provider-originated rows.
	ReplaceActiveSubscription(ctx context.Context, req *SubscriptionRequest) (*Subscription, error)

	// SetAutoRenew updates the auto-renew flag on a subscription.
	// Idempotent; returns ErrNotFound for an unknown id.
	SetAutoRenew(ctx context.Context, subscriptionID string, autoRenew bool) error

	// DeactivateSubscription clears IsActive on a subscription. Missing
	// rows are not an error (lazy expiry may race a webhook delete).
	DeactivateSubscription(ctx context.Context, subscriptionID string) error

	// ApplyProviderUpdate reconciles a subscription row with processor
	// state, keyed by provider subscription id. The update is dropped
	// with ErrStaleEvent when req.EventTime is not after the row's
	// ProviderSyncedAt. Returns ErrNotFound when no row matches and the
	// request does not allow creation.
	ApplyProviderUpdate(ctx context.Context, req *ProviderUpdate) (*Subscription, error)

	// UpsertPaymentCard inserts a card row unless the exact
	// (user, fingerprint) pair is already on file.
	UpsertPaymentCard(ctx context.Context, card *PaymentCard) error
}

// TrialRequest carries everything CreateTrial needs.
type TrialRequest struct {
	UserID string
	Card   CardMeta
	Now    time.Time
}

// SubscriptionRequest carries everything ReplaceActiveSubscription needs.
type SubscriptionRequest struct {
	UserID                 string
	Plan                   Plan
	StartDate              time.Time
	EndDate                time.Time
	AutoRenew              bool
	ProviderSubscriptionID string
	Card                   *CardMeta
}

// ProviderUpdate describes processor state to reconcile onto a local row.
type ProviderUpdate struct {
	ProviderSubscriptionID string

	// UserID is required only when CreateIfMissing is set; lookups for
	// existing rows go by provider subscription id alone.
	UserID string

	Plan      Plan
	IsActive  bool
	StartDate time.Time
	EndDate   time.Time

	// EventTime is the processor's event timestamp. Rows keep the newest
	// EventTime applied; older events are rejected with ErrStaleEvent.
	EventTime time.Time

	// CreateIfMissing makes the update insert a new row when no local
	// subscription matches (subscription.created arriving first).
	CreateIfMissing bool
}
