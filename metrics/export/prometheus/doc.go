// Package prometheus renders simpleuser counters in the Prometheus text
// exposition format. Counters are grouped into labelled families such as
// simpleuser_logins_total{outcome="success"}; ResolveUser latency is the
// simpleuser_resolve_latency_seconds histogram.
//
// Nothing is registered globally; callers mount Handler where they want it.
package prometheus
