package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/fitlifehq/fitbill/pkg/billing"
	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

// SyncSubscription fetches the authoritative subscription state from the
// Stripe API and reconciles the local row. Used by invoice and checkout
// events, and available to applications recovering from missed webhooks.
//
// The API response does not carry period bounds in this client version,
// so the end date is left unchanged on existing rows; webhook events
// remain the source of truth for billing periods.
func (p *Provider) SyncSubscription(ctx context.Context, providerSubscriptionID string) error {
	startTime := time.Now()
	if strings.TrimSpace(p.apiKey) == "" {
		return billing.ErrProviderNotConfigured
	}
	if providerSubscriptionID == "" {
		return fmt.Errorf("%w: empty subscription id", billing.ErrInvalidWebhookPayload)
	}

	unlock := p.subLocks.lock(providerSubscriptionID)
	defer unlock.Unlock()

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, providerSubscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "error")
		p.metrics.RecordAPICallDuration(providerName, "/subscriptions/retrieve", time.Since(startTime))
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/retrieve", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/retrieve", time.Since(startTime))

	// Sync uses the current time as the event time: it reflects the
	// provider's state as of now, so it outranks any queued webhook
	// created before the API call.
	return p.applySubscription(ctx, sub, nil, time.Now().UTC(), true, "api.sync")
}

// searchCustomerByUserID searches Stripe for a customer carrying the
// given user id in metadata. Slow path (~500ms, eventually consistent);
// applications should prefer a ResolveUserID mapping.
func (p *Provider) searchCustomerByUserID(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['user_id']:'%s'", userID)

	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
		}
		// Search can return partial matches; verify exactly.
		if cust.Metadata != nil && cust.Metadata["user_id"] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrCustomerNotResolved
}

// customerUserID fetches a customer from the API and reads the user id
// from its metadata. Fallback for customers without an application
// mapping.
func (p *Provider) customerUserID(ctx context.Context, customerID string) (string, error) {
	startTime := time.Now()
	cust, err := p.stripeClient.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers/retrieve", "error")
		return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers/retrieve", "200")
	p.metrics.RecordAPICallDuration(providerName, "/customers/retrieve", time.Since(startTime))

	if cust.Metadata != nil && cust.Metadata["user_id"] != "" {
		return cust.Metadata["user_id"], nil
	}
	return "", fmt.Errorf("%w: customer %s has no user metadata", billing.ErrCustomerNotResolved, customerID)
}

// SyncUserSubscriptions lists the user's active subscriptions on Stripe
// and reconciles each one locally. Intended for recovery jobs and login
// hooks; returns the number of subscriptions applied.
func (p *Provider) SyncUserSubscriptions(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return 0, billing.ErrProviderNotConfigured
	}

	customerID, err := p.searchCustomerByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	startTime := time.Now()
	applied := 0
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return applied, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
		}
		unlock := p.subLocks.lock(sub.ID)
		err = p.applySubscription(ctx, sub, nil, time.Now().UTC(), true, "api.sync")
		unlock.Unlock()
		if err != nil {
			p.log.Warn("subscription sync skipped",
				lifecycle.Field{Key: "subscription_id", Value: sub.ID},
				lifecycle.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		applied++
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))

	return applied, nil
}

// decodeSubscription is a test seam for payload parsing.
func decodeSubscription(raw json.RawMessage) (*stripe.Subscription, *subscriptionPeriod, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, nil, err
	}
	var period subscriptionPeriod
	if err := json.Unmarshal(raw, &period); err != nil {
		return nil, nil, err
	}
	return &sub, &period, nil
}
