// Package internal holds helpers private to the simpleuser module: secure
// random material for session tokens and one-time codes.
//
// # Sub-packages
//
//   - codes: verification code issue and verify over the cache store
//   - rate: sliding-window failure counters across several dimensions
//   - logging: the structured logger interface used by every component
//   - httpapi: JSON HTTP handlers for the engine
package internal
