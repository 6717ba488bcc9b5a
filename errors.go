package simpleuser

import (
	"errors"
	"time"

	"github.com/purerosefallen/simpleuser/cache"
	"github.com/purerosefallen/simpleuser/internal/codes"
	"github.com/purerosefallen/simpleuser/internal/rate"
	"github.com/purerosefallen/simpleuser/password"
	"github.com/purerosefallen/simpleuser/userstore"
)

var (
	// ErrUnauthenticated is returned when a presented token does not resolve to a live user.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAuthenticationRequired is returned when no token is presented and anonymous users are disabled.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrMissingClientSession is returned when neither a token nor a client session id is presented.
	ErrMissingClientSession = errors.New("client session id required")
	// ErrInvalidCode is returned for a missing, expired, reused or mismatched verification code.
	ErrInvalidCode = codes.ErrInvalidCode
	// ErrInvalidPassword is returned when a password check fails.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrNotFound is returned when a user is absent or past its unregister grace period.
	ErrNotFound = errors.New("user not found")
	// ErrNotAllowed is returned for operations an anonymous user may not perform.
	ErrNotAllowed = errors.New("operation not allowed for anonymous user")
	// ErrGenerationFailed is returned when the code generator fails.
	ErrGenerationFailed = codes.ErrGenerationFailed
	// ErrCodeOrPasswordRequired is returned by Login when neither credential is given.
	ErrCodeOrPasswordRequired = errors.New("code or password required")
	// ErrInvalidPurpose is returned for an unknown verification code purpose.
	ErrInvalidPurpose = errors.New("invalid code purpose")
	// ErrInvalidEmail is returned for an empty or malformed email address.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrEmailTaken is returned by ChangeEmail when another active user holds the address.
	ErrEmailTaken = errors.New("email already in use")
	// ErrPasswordTooShort is returned when a new password is empty or below Config.Password.MinLength.
	ErrPasswordTooShort = password.ErrPasswordTooShort
	// ErrRateLimited matches every cooldown rejection. The concrete error is a *WaitError.
	ErrRateLimited = rate.ErrRateLimited
	// ErrTooManyAttempts matches every lockout rejection. The concrete error is a *WaitError.
	ErrTooManyAttempts = rate.ErrTooManyAttempts
	// ErrRedisUnavailable wraps cache transport failures.
	ErrRedisUnavailable = cache.ErrRedisUnavailable
	// ErrDatabaseUnavailable wraps user store driver failures.
	ErrDatabaseUnavailable = userstore.ErrDatabase
	// ErrEngineNotReady is returned when an Engine method is called on a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// WaitError is returned for throttled requests and carries the time to wait.
// errors.Is matches ErrRateLimited or ErrTooManyAttempts.
type WaitError = rate.WaitError

// RetryAfter extracts the wait from a throttling error.
func RetryAfter(err error) (time.Duration, bool) {
	return rate.WaitOf(err)
}
