package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrCustomerNotResolved is returned when a processor customer id cannot
	// be mapped to a local user
	ErrCustomerNotResolved = errors.New("customer not resolved to a local user")

	// ErrUnmappedPrice is returned when a processor price id has no plan
	// mapping configured
	ErrUnmappedPrice = errors.New("price not mapped to a plan")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)
