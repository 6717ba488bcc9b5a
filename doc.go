// Package simpleuser is an identity and session core for backends whose
// clients start anonymous and may later register with an email address.
//
// Every request carries a client session id (ssaid) and optionally a login
// token. [Engine.ResolveUser] maps that to a user row, creating one
// anonymous row per ssaid on first contact. [Engine.Login] registers the
// anonymous user with a verified email code, or logs into an existing
// account by code or password, and returns an opaque 64-character token.
//
// # Storage
//
// Durable users live in a SQL table ([userstore]). Codes, sessions and
// failure counters are TTL entries in a [cache.Store], normally Redis.
//
// # Throttling
//
// Code sends have a cooldown per (email, purpose), per IP and per ssaid.
// Wrong codes and wrong passwords are counted in sliding windows; once a
// window is full every request fails with a [WaitError] until the oldest
// failure ages out.
//
// # Unregistering
//
// Unregister only stamps the row. Logging in again within
// Config.Account.UnregisterGrace recovers the account; afterwards the row
// reads as absent and its email can be registered again.
//
// Engine methods are safe for concurrent use after [Builder.Build].
package simpleuser
