package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransient = errors.New("transient delivery failure")
	ErrPermanent = errors.New("permanent delivery failure")
)

// Permanent marks a gateway error as not worth retrying: invalid recipient,
// rejected payload, revoked credentials.
//
//	return delivery.Permanent(fmt.Errorf("chat %s not found: %w", id, err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return classified{err: err, class: ErrPermanent}
}

// Transient marks a gateway error as retryable. Unclassified errors are treated
// the same way, so wrapping is only needed to attach intent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return classified{err: err, class: ErrTransient}
}

// RetryAfter is a transient error carrying the provider's suggested delay
// (HTTP 429 Retry-After, telegram flood wait).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{classified: classified{err: err, class: ErrTransient}, after: after}
}

// IsPermanent reports whether err was classified permanent. Context deadlines
// and cancellations are always transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrPermanent)
}

// RetryHint extracts a RetryAfter delay from err.
func RetryHint(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

type classified struct {
	err   error
	class error
}

func (e classified) Error() string { return fmt.Sprintf("%v: %v", e.class, e.err) }
func (e classified) Unwrap() []error {
	return []error{e.class, e.err}
}

type retryAfterError struct {
	classified
	after time.Duration
}

func (e retryAfterError) Error() string { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
