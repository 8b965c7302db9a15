package lifecycle

// Metrics defines the interface for tracking lifecycle operations.
// All methods are optional - the Manager falls back to a no-op when nil.
type Metrics interface {
	// RecordEntitlementCheck records a HasActiveSubscription call.
	// result: "active", "inactive" or "error"
	RecordEntitlementCheck(result string)

	// RecordLazyExpiry records a stale active row corrected at read time.
	RecordLazyExpiry()

	// RecordTrialStarted records a successful trial start.
	RecordTrialStarted()

	// RecordTrialRejected records a StartTrial rejected as ineligible.
	// reason: "precheck" (caught before the write) or "race" (caught by
	// the commit-time re-check)
	RecordTrialRejected(reason string)

	// RecordSubscriptionCreated records a new paid subscription.
	RecordSubscriptionCreated(plan string)

	// RecordCancellation records a CancelSubscription call.
	RecordCancellation()
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEntitlementCheck(_ string)    {}
func (n *NoopMetrics) RecordLazyExpiry()                  {}
func (n *NoopMetrics) RecordTrialStarted()                {}
func (n *NoopMetrics) RecordTrialRejected(_ string)       {}
func (n *NoopMetrics) RecordSubscriptionCreated(_ string) {}
func (n *NoopMetrics) RecordCancellation()                {}
