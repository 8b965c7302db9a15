package lifecycle

import "errors"

var (
	// ErrUnauthenticated is returned when no caller identity is supplied
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrIneligible is returned when trial preconditions are not met:
	// the user already used a trial or the card fingerprint was claimed
	ErrIneligible = errors.New("not eligible for free trial")

	// ErrNotFound is returned when a referenced subscription, user or
	// card does not exist
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller does not own the resource
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidPlan is returned for a plan outside the catalog
	ErrInvalidPlan = errors.New("invalid subscription plan")

	// ErrStaleEvent is returned by the store when a provider update is
	// older than the state already applied. Recoverable: callers log and
	// drop the event, they never surface it to a user
	ErrStaleEvent = errors.New("stale provider event")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached or was not configured
	ErrStoreUnavailable = errors.New("store unavailable")
)
