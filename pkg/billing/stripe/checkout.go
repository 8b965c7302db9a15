package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/fitlifehq/fitbill/pkg/billing"
	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

// CheckoutURL creates a Stripe Checkout Session for a subscription plan
// and returns the URL. The plan is resolved to a Stripe Price ID using
// the configured PlanMapping; the session carries the user id in
// subscription metadata so the webhook handler can attribute the
// resulting subscription without a customer lookup.
func (p *Provider) CheckoutURL(ctx context.Context, userID string, plan lifecycle.Plan, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	priceID := p.priceIDForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrUnmappedPrice, plan)
	}

	// Customer attachment is best effort - Stripe creates one during
	// checkout when none exists. Real API errors still fail the call to
	// avoid spawning duplicate customers.
	customerID, err := p.searchCustomerByUserID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotResolved) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// The webhook handler reads this to map the subscription to a user.
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("user_id", userID)

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(userID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This lets users manage their subscription, update payment methods, or
// cancel on the processor side; the resulting state flows back through
// webhooks.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.searchCustomerByUserID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotResolved, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))

	return session.URL, nil
}

// priceIDForPlan returns the Stripe Price ID for a plan.
// This is the reverse of MapPriceToPlan.
//
// Note: If multiple Price IDs map to the same plan (e.g., a legacy and a
// current price), this returns the first match found.
func (p *Provider) priceIDForPlan(plan lifecycle.Plan) string {
	for priceID, mapped := range p.planMapping {
		if mapped == plan {
			return priceID
		}
	}
	return ""
}
