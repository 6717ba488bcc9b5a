// Package middleware adapts simpleuser.Engine to net/http.
//
// # Middleware
//
//   - [Client] attaches the request identity (token, ssaid, address) to the
//     context without touching storage.
//   - [Identity] additionally resolves the user and rejects the request when
//     resolution fails.
//
// Identity is read from the X-Client-Token and X-Client-SSAID headers and
// the remote address. With Options.TrustProxy the first X-Forwarded-For hop
// wins. IPv4-mapped IPv6 addresses are reported in their IPv4 form.
//
// This package only translates HTTP into Engine calls; every decision is
// made by the engine.
package middleware
