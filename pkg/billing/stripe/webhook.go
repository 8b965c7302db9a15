package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/fitlifehq/fitbill/pkg/billing"
	"github.com/fitlifehq/fitbill/pkg/billing/internal"
	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

// errEventDropped marks events that are acknowledged but intentionally not
// applied: unknown local rows, unmapped prices, unresolvable customers.
// Dropping is logged, never surfaced to Stripe as a failure - a 4xx/5xx
// would only trigger a retry storm for an event that can never succeed.
var errEventDropped = errors.New("event dropped")

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody, p.log)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Unverifiable payloads are rejected before any parsing of the body.
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status := "success"
	err = p.processWebhookEvent(r.Context(), &event)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrStaleEvent):
		// Out-of-order or duplicate delivery; local state is newer.
		status = "stale"
		p.log.Warn("stale webhook event dropped",
			lifecycle.Field{Key: "event_type", Value: eventType},
			lifecycle.Field{Key: "event_id", Value: event.ID},
		)
	case errors.Is(err, errEventDropped):
		status = "ignored"
		p.log.Warn("webhook event ignored",
			lifecycle.Field{Key: "event_type", Value: eventType},
			lifecycle.Field{Key: "event_id", Value: event.ID},
			lifecycle.Field{Key: "reason", Value: err.Error()},
		)
	default:
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		p.log.Error("webhook processing failed",
			lifecycle.Field{Key: "event_type", Value: eventType},
			lifecycle.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches one verified event. Events for the same
// provider subscription id are serialized; stale updates are rejected by
// the store's ProviderSyncedAt comparison.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created":
		return p.handleSubscriptionEvent(ctx, event, eventTimestamp, true)
	case "customer.subscription.updated":
		return p.handleSubscriptionEvent(ctx, event, eventTimestamp, false)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, eventTimestamp)
	case "invoice.payment_succeeded":
		return p.handleInvoiceEvent(ctx, event, false)
	case "invoice.payment_failed":
		return p.handleInvoiceEvent(ctx, event, true)
	case "payment_method.attached":
		return p.handlePaymentMethodAttached(ctx, event)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	default:
		// Unknown event type - acknowledge and ignore.
		p.log.Debug("unhandled webhook event type",
			lifecycle.Field{Key: "event_type", Value: string(event.Type)},
		)
		return nil
	}
}

// subscriptionPeriod picks up the period bounds from the raw event
// payload; the stripe-go struct does not carry them in this API version.
type subscriptionPeriod struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (sp *subscriptionPeriod) bounds() (start, end time.Time) {
	ps, pe := sp.CurrentPeriodStart, sp.CurrentPeriodEnd
	if ps == 0 && pe == 0 && len(sp.Items.Data) > 0 {
		ps, pe = sp.Items.Data[0].CurrentPeriodStart, sp.Items.Data[0].CurrentPeriodEnd
	}
	if ps != 0 {
		start = time.Unix(ps, 0).UTC()
	}
	if pe != 0 {
		end = time.Unix(pe, 0).UTC()
	}
	return start, end
}

// handleSubscriptionEvent processes customer.subscription.created and
// customer.subscription.updated events. Created events may insert a local
// row; updated events never do - an update racing ahead of its created
// event is dropped with a warning and the created event repairs the state.
func (p *Provider) handleSubscriptionEvent(ctx context.Context, event *stripe.Event, eventTimestamp time.Time, createIfMissing bool) error {
	subscription, period, err := decodeSubscription(event.Data.Raw)
	if err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	unlock := p.subLocks.lock(subscription.ID)
	defer unlock.Unlock()

	return p.applySubscription(ctx, subscription, period.bounds, eventTimestamp, createIfMissing, string(event.Type))
}

// applySubscription maps processor subscription state onto a store update.
// Callers must hold the per-subscription lock.
func (p *Provider) applySubscription(
	ctx context.Context, subscription *stripe.Subscription,
	bounds func() (time.Time, time.Time),
	eventTimestamp time.Time, createIfMissing bool, eventType string,
) error {
	plan, planKnown := p.planFromItems(subscription)
	isActive := subscription.Status == subscriptionStatusActive ||
		subscription.Status == subscriptionStatusTrialing

	update := &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: subscription.ID,
		IsActive:               isActive,
		EventTime:              eventTimestamp,
		CreateIfMissing:        createIfMissing,
	}
	if planKnown {
		update.Plan = plan
	}
	if bounds != nil {
		update.StartDate, update.EndDate = bounds()
	}

	if createIfMissing {
		if !planKnown {
			return fmt.Errorf("%w: no plan mapping for subscription %s", errEventDropped, subscription.ID)
		}
		userID, err := p.extractUserID(ctx, subscription)
		if err != nil {
			return fmt.Errorf("%w: %v", errEventDropped, err)
		}
		update.UserID = userID
		if update.EndDate.IsZero() {
			duration, derr := lifecycle.PlanDuration(plan)
			if derr != nil {
				return fmt.Errorf("%w: %v", errEventDropped, derr)
			}
			start := update.StartDate
			if start.IsZero() {
				start = eventTimestamp
				update.StartDate = start
			}
			update.EndDate = start.Add(duration)
		}
	}

	sub, err := p.store.ApplyProviderUpdate(ctx, update)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) && !createIfMissing {
			return fmt.Errorf("%w: no local row for subscription %s", errEventDropped, subscription.ID)
		}
		return err
	}

	p.invokeCallback(ctx, billing.WebhookEvent{
		UserID:                 sub.UserID,
		ProviderSubscriptionID: subscription.ID,
		Provider:               providerName,
		EventType:              eventType,
		EventTimestamp:         eventTimestamp,
	})
	return nil
}

// handleSubscriptionDeleted processes customer.subscription.deleted events.
// The deletion goes through the same reconciliation path as updates so
// ProviderSyncedAt records it as the newest provider state; a late older
// update can no longer reactivate the row.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	unlock := p.subLocks.lock(subscription.ID)
	defer unlock.Unlock()

	sub, err := p.store.ApplyProviderUpdate(ctx, &lifecycle.ProviderUpdate{
		ProviderSubscriptionID: subscription.ID,
		IsActive:               false,
		EventTime:              eventTimestamp,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			// Already deleted or never synced - not an error.
			return nil
		}
		return err
	}

	p.invokeCallback(ctx, billing.WebhookEvent{
		UserID:                 sub.UserID,
		ProviderSubscriptionID: subscription.ID,
		Provider:               providerName,
		EventType:              string(event.Type),
		EventTimestamp:         eventTimestamp,
	})
	return nil
}

// handleInvoiceEvent processes invoice.payment_succeeded and
// invoice.payment_failed. Both re-fetch the authoritative subscription
// state from Stripe; failures additionally signal the application through
// the webhook callback (user messaging is out of scope here).
func (p *Provider) handleInvoiceEvent(ctx context.Context, event *stripe.Event, paymentFailed bool) error {
	subscriptionID := invoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore.
		return nil
	}

	if err := p.SyncSubscription(ctx, subscriptionID); err != nil {
		if paymentFailed {
			// The failure signal matters even when the row has never
			// synced; emit it with the attribution we have.
			p.emitPaymentFailed(ctx, "", subscriptionID, event)
		}
		return err
	}

	if paymentFailed {
		userID := ""
		if sub, err := p.store.GetSubscriptionByProviderID(ctx, subscriptionID); err == nil {
			userID = sub.UserID
		}
		p.emitPaymentFailed(ctx, userID, subscriptionID, event)
	}
	return nil
}

func (p *Provider) emitPaymentFailed(ctx context.Context, userID, subscriptionID string, event *stripe.Event) {
	p.invokeCallback(ctx, billing.WebhookEvent{
		UserID:                 userID,
		ProviderSubscriptionID: subscriptionID,
		Provider:               providerName,
		EventType:              string(event.Type),
		EventTimestamp:         time.Unix(event.Created, 0).UTC(),
		PaymentFailed:          true,
	})
}

// invoiceSubscriptionID digs the subscription id out of a raw invoice
// payload. The field is a plain id string or an expanded object depending
// on API version.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}

	switch v := rawData["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}

	// Newer API versions nest it under parent.subscription_details.
	if parent, ok := rawData["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			if id, ok := details["subscription"].(string); ok {
				return id
			}
		}
	}
	return ""
}

// handlePaymentMethodAttached processes payment_method.attached events by
// upserting a card row keyed by (user, fingerprint).
func (p *Provider) handlePaymentMethodAttached(ctx context.Context, event *stripe.Event) error {
	var pm stripe.PaymentMethod
	if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
		return fmt.Errorf("failed to unmarshal payment method: %w", err)
	}

	if pm.Card == nil || pm.Card.Fingerprint == "" {
		// Not a card payment method - nothing to register.
		return nil
	}
	if pm.Customer == nil || pm.Customer.ID == "" {
		return fmt.Errorf("%w: payment method %s has no customer", errEventDropped, pm.ID)
	}

	userID, err := p.resolveCustomer(ctx, pm.Customer.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", errEventDropped, err)
	}

	return p.store.UpsertPaymentCard(ctx, &lifecycle.PaymentCard{
		UserID:                  userID,
		Fingerprint:             pm.Card.Fingerprint,
		Last4:                   pm.Card.Last4,
		Brand:                   string(pm.Card.Brand),
		ProviderPaymentMethodID: pm.ID,
		CreatedAt:               time.Unix(event.Created, 0).UTC(),
	})
}

// handleCheckoutSessionCompleted funnels completed subscription checkouts
// through the API re-sync, the same path the subscription events take.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	if session.Subscription == nil || session.Subscription.ID == "" {
		// Not a subscription checkout - ignore.
		return nil
	}
	return p.SyncSubscription(ctx, session.Subscription.ID)
}

// extractUserID resolves the local user for a subscription: metadata
// first, then the customer mapping delegated to the application.
func (p *Provider) extractUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if userID, ok := sub.Metadata["user_id"]; ok && userID != "" {
			return userID, nil
		}
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		return p.resolveCustomer(ctx, sub.Customer.ID)
	}
	return "", fmt.Errorf("no user attribution on subscription %s", sub.ID)
}

func (p *Provider) resolveCustomer(ctx context.Context, customerID string) (string, error) {
	// FAST PATH: the application provides the mapping (O(1)).
	if p.resolveUserID != nil {
		userID, err := p.resolveUserID(ctx, customerID)
		if err == nil && userID != "" {
			return userID, nil
		}
	}

	// SLOW PATH: fetch the customer and read the user id from metadata.
	if p.stripeClient != nil && strings.TrimSpace(p.apiKey) != "" {
		return p.customerUserID(ctx, customerID)
	}
	return "", fmt.Errorf("%w: customer %s", billing.ErrCustomerNotResolved, customerID)
}

// planFromItems maps the first mapped price on the subscription to a plan.
func (p *Provider) planFromItems(sub *stripe.Subscription) (lifecycle.Plan, bool) {
	if sub.Items == nil {
		return "", false
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if plan, ok := p.MapPriceToPlan(item.Price.ID); ok {
			return plan, true
		}
	}
	return "", false
}

func (p *Provider) invokeCallback(ctx context.Context, event billing.WebhookEvent) {
	if p.callback == nil {
		return
	}
	if err := p.callback(ctx, event); err != nil {
		p.log.Error("webhook callback failed",
			lifecycle.Field{Key: "event_type", Value: event.EventType},
			lifecycle.Field{Key: "error", Value: err.Error()},
		)
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
