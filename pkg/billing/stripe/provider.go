// Package stripe implements the billing.Provider interface for Stripe.
// It reconciles asynchronous Stripe webhook events onto the lifecycle
// store, tolerating duplicate and out-of-order delivery.
package stripe

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/fitlifehq/fitbill/pkg/billing"
	"github.com/fitlifehq/fitbill/pkg/lifecycle"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	maxWebhookBody     = 256 * 1024

	subscriptionStatusActive   = "active"
	subscriptionStatusTrialing = "trialing"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, PlanMapping, etc.)

	// StripeAPIKey authenticates outbound calls (subscription re-fetch).
	StripeAPIKey string

	// StripeWebhookSecret verifies the Stripe-Signature header.
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	manager       *lifecycle.Manager
	store         lifecycle.Store
	config        Config
	httpClient    *http.Client
	planMapping   map[string]lifecycle.Plan // price id (lowercased) -> plan
	webhookSecret []byte
	apiKey        string
	stripeClient  *stripe.Client
	resolveUserID billing.UserIDResolver
	callback      billing.WebhookCallback
	log           lifecycle.Logger
	metrics       billing.Metrics

	// subLocks serializes handlers per provider subscription id, since
	// Stripe does not guarantee delivery order.
	subLocks subscriptionLocks
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	planMapping := make(map[string]lifecycle.Plan, len(config.PlanMapping))
	for priceID, plan := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(priceID))] = plan
	}

	log := config.Logger
	if log == nil {
		log = &lifecycle.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		manager:       config.Manager,
		store:         config.Manager.Store(),
		config:        config,
		httpClient:    httpClient,
		planMapping:   planMapping,
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		apiKey:        apiKey,
		stripeClient:  stripe.NewClient(apiKey),
		resolveUserID: config.ResolveUserID,
		callback:      config.WebhookCallback,
		log:           log,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// MapPriceToPlan maps a Stripe price id to a catalog plan. The bool is
// false for unmapped prices; callers drop such events with a warning
// rather than guessing a plan.
func (p *Provider) MapPriceToPlan(priceID string) (lifecycle.Plan, bool) {
	if priceID == "" {
		return "", false
	}
	plan, ok := p.planMapping[strings.ToLower(strings.TrimSpace(priceID))]
	return plan, ok
}

// subscriptionLocks hands out one mutex per provider subscription id.
type subscriptionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *subscriptionLocks) lock(subID string) *sync.Mutex {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[subID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[subID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m
}
