// Package password hashes and verifies account passwords with argon2id.
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// Verification reads the cost parameters from the stored string, so
// [Argon2.NeedsUpgrade] can tell callers when a credential should be
// re-hashed with the current configuration. A corrupt stored value is a
// failed match in [Argon2.Matches], never a panic.
//
// The package does not store credentials and does not import the engine.
package password
