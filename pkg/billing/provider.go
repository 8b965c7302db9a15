package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface that any payment backend must
// implement. The lifecycle engine itself never talks to a processor; it
// only sees reconciled state arriving through a Provider.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// events. The implementation handles signature verification, parsing
	// and Store reconciliation internally.
	WebhookHandler() http.Handler

	// SyncSubscription re-fetches one subscription's authoritative state
	// from the processor and reconciles the local row. Used by invoice
	// events and manual "restore purchases" flows.
	SyncSubscription(ctx context.Context, providerSubscriptionID string) error
}
