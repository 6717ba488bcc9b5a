// Package rate implements the sliding-window failure counters behind code
// attempt lockout and password risk control, plus the wait-carrying errors
// the engine surfaces to callers.
//
// # Window semantics
//
// Every failure is its own cache entry, keyed "<dimension><unixMillis>:<nonce>"
// and expiring after the window. A dimension is locked once it holds
// MaxAttempts live entries; the wait is measured from the oldest entry, so
// the lockout does not grow with further failures. Dimensions used by the
// engine:
//   - userId:<id>:  password failures per account
//   - ssaid:<ssaid>:  password failures per client session
//   - ip:<ip>:  password failures per address
//   - email:<email>:<purpose>:attempts:  wrong verification codes
package rate
