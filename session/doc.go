// Package session issues and resolves opaque login tokens.
//
// A token is a 64-character alphanumeric string mapped to a user id in the
// cache store. Tokens of registered users are also indexed as
// "<email>:<token>" so every session of an email can be revoked at once,
// which happens on password change, password reset and unregister.
//
// # Architecture boundaries
//
// This package owns token material and the two cache entries per session.
// It does not load users and does not decide who may log in; the engine
// does both.
package session
