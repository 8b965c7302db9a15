package billing

import (
	"context"
	"time"
)

// WebhookEvent describes a processed webhook event. It is passed to the
// WebhookCallback after the local subscription state has been reconciled,
// so embedding applications can trigger side effects (a payment-failed
// notification, analytics) without the adapter knowing about them.
type WebhookEvent struct {
	// UserID is the local user identifier, empty when the event could not
	// be attributed to a user (payment failures for unsynced rows).
	UserID string

	// ProviderSubscriptionID is the processor's subscription id.
	ProviderSubscriptionID string

	// Provider is the billing provider name ("stripe").
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "customer.subscription.updated" or "invoice.payment_failed".
	EventType string

	// EventTimestamp is when the event occurred (from the provider).
	EventTimestamp time.Time

	// PaymentFailed is set for invoice.payment_failed events; the
	// application owns user messaging for these.
	PaymentFailed bool
}

// WebhookCallback is invoked after an event has been applied (or, for
// payment failures, absorbed). Callback errors are logged, never returned
// to the processor: the delivery is already acknowledged.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
