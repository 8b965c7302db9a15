package billing

import (
	"context"
	"net/http"

	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

// UserIDResolver maps a processor customer id to a local user id.
// Resolution is owned by the embedding application (it knows where the
// mapping lives); the adapter only calls it.
type UserIDResolver func(ctx context.Context, customerID string) (string, error)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Manager is the lifecycle manager whose store gets reconciled.
	Manager *lifecycle.Manager

	// PlanMapping maps provider price ids to catalog plans, e.g.
	// map[string]lifecycle.Plan{"price_1month": lifecycle.Plan1Month}.
	// Events carrying an unmapped price are dropped with a warning.
	PlanMapping map[string]lifecycle.Plan

	// WebhookSecret verifies incoming webhook requests. Unverifiable
	// payloads are rejected with HTTP 400 and never parsed.
	WebhookSecret string

	// APIKey is used for outbound API calls to the provider.
	APIKey string

	// ResolveUserID maps processor customer ids to local user ids
	// (payment_method.attached, out-of-order creations). Required for
	// events that create local state.
	ResolveUserID UserIDResolver

	// WebhookCallback, if set, is invoked after each applied event.
	WebhookCallback WebhookCallback

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger receives adapter logs. Defaults to lifecycle.NoopLogger.
	Logger lifecycle.Logger

	// Metrics is an optional metrics collector for webhook and API
	// operations. If nil, metrics are silently ignored (no-op).
	Metrics Metrics
}
