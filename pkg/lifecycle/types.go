package lifecycle

import (
	"time"
)

// Plan identifies a subscription plan from the fixed catalog.
type Plan string

const (
	// Plan1Month is the monthly plan (also used for trials).
	Plan1Month Plan = "1_month"
	// Plan3Months is the quarterly plan.
	Plan3Months Plan = "3_months"
	// Plan6Months is the half-year plan.
	Plan6Months Plan = "6_months"
	// Plan1Year is the annual plan.
	Plan1Year Plan = "1_year"
)

// Role identifies a user's role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the identity anchor owned by the auth subsystem.
// The engine only reads the record and flips TrialUsed; everything else
// is managed elsewhere.
type User struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	TrialUsed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription is one subscription period for a user. Rows are append-only:
// a subscription is deactivated, never deleted, so history is retained.
type Subscription struct {
	ID     string
	UserID string
	Plan   Plan

	StartDate time.Time
	EndDate   time.Time

	// IsActive is a cached flag. EndDate is authoritative for expiry;
	// any read path that checks activity must correct IsActive when
	// EndDate has passed.
	IsActive  bool
	IsTrial   bool
	AutoRenew bool

	// ProviderSubscriptionID is the payment processor's subscription id.
	// Empty for trials and offline subscriptions.
	ProviderSubscriptionID string

	// ProviderSyncedAt is the timestamp of the newest provider event
	// applied to this row. Used to reject stale webhook deliveries.
	ProviderSyncedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the subscription period has ended at the given time.
func (s *Subscription) Expired(now time.Time) bool {
	return s.EndDate.Before(now)
}

// PaymentCard is a registered card fingerprint tied to a user. The engine
// never sees raw card data; Fingerprint is the processor's stable hash of
// the card's PAN.
type PaymentCard struct {
	ID                      string
	UserID                  string
	Fingerprint             string
	Last4                   string
	Brand                   string
	ProviderPaymentMethodID string
	CreatedAt               time.Time
}

// CardMeta carries the card attributes captured by the payment processor
// when a payment method is registered.
type CardMeta struct {
	Fingerprint             string
	Last4                   string
	Brand                   string
	ProviderPaymentMethodID string
}

// TrialClaim records that a card fingerprint has been used to claim a trial.
// Claims live in their own ledger and are never deleted, even if the
// claiming user's account (and its payment_cards rows) is removed, so a
// fingerprint stays burned forever.
type TrialClaim struct {
	Fingerprint string
	UserID      string
	ClaimedAt   time.Time
}
