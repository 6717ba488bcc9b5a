package rate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited marks a request rejected by a cooldown.
	ErrRateLimited = errors.New("rate limited")
	// ErrTooManyAttempts marks a dimension locked by accumulated failures.
	ErrTooManyAttempts = errors.New("too many attempts")
)

// WaitError carries the time a caller must wait before retrying.
// errors.Is matches the wrapped sentinel.
type WaitError struct {
	Err  error
	Wait time.Duration
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%v: retry in %s", e.Err, e.Wait.Round(time.Millisecond))
}

func (e *WaitError) Unwrap() error { return e.Err }

// WaitMs is Wait in whole milliseconds, rounded up.
func (e *WaitError) WaitMs() int64 {
	ms := e.Wait.Milliseconds()
	if e.Wait%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// RateLimited builds a cooldown rejection.
func RateLimited(wait time.Duration) error {
	return &WaitError{Err: ErrRateLimited, Wait: clampWait(wait)}
}

// TooManyAttempts builds a lockout rejection.
func TooManyAttempts(wait time.Duration) error {
	return &WaitError{Err: ErrTooManyAttempts, Wait: clampWait(wait)}
}

// WaitOf extracts the wait from err, if any.
func WaitOf(err error) (time.Duration, bool) {
	var we *WaitError
	if errors.As(err, &we) {
		return we.Wait, true
	}
	return 0, false
}

func clampWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
