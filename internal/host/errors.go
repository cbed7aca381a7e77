package host

import (
	"errors"
	"fmt"
)

// Errors classifying host failures.
var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits,
	// 5xx responses.
	ErrTransient = errors.New("transient host error")

	// ErrPermanent marks failures that will not succeed on retry: auth
	// failures, not-found, malformed requests.
	ErrPermanent = errors.New("permanent host error")

	// ErrHostUnavailable is returned after the transient retry budget is
	// exhausted.
	ErrHostUnavailable = errors.New("host unavailable")
)

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsTransient reports whether err is retryable. Unclassified errors are
// treated as transient: network-level failures rarely carry a class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}
