package secret

import "errors"

// Outcome taxonomy of the lifecycle engine. Everything a caller can
// observe maps onto exactly one of these.
var (
	// ErrInvalidInput marks a request rejected before any store access.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPayloadTooLarge marks attachments over the configured limit.
	ErrPayloadTooLarge = errors.New("attachments too large")

	// ErrNotFound covers absent, expired, consumed and deleted secrets alike.
	ErrNotFound = errors.New("secret not found or has expired")

	// ErrPINRequired is returned when a PIN-gated secret is viewed without a digest.
	ErrPINRequired = errors.New("PIN required")

	// ErrPINInvalid is returned when the supplied digest does not match.
	ErrPINInvalid = errors.New("invalid PIN")

	// ErrUnavailable marks a transient store failure; callers may retry.
	ErrUnavailable = errors.New("secret store unavailable")
)
