package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCursor signals that a sync cursor has expired or was rejected
// by the provider. The caller is expected to discard the cursor and fall
// back to a full listing.
var ErrInvalidCursor = errors.New("sync cursor invalid or expired")

// ErrNotFound signals that the remote resource no longer exists.
var ErrNotFound = errors.New("remote resource not found")

// AuthError wraps credential failures: expired refresh tokens, revoked
// consent, insufficient scopes. Not retryable without user action.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authorization failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitedError carries the provider's requested backoff. RetryAfter is
// zero when the provider gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError wraps timeouts, connection resets and 5xx responses.
// Safe to retry on the next scheduled pass.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an authorization failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is worth retrying later without
// operator intervention.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter extracts the backoff hint from a rate-limit error, or zero.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
