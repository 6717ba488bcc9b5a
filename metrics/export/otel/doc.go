// Package otel exposes simpleuser counters as OpenTelemetry observable
// instruments, one counter per family with the family label as an
// attribute. One callback reads Engine.MetricsSnapshot per collection.
// Callers own the MeterProvider.
package otel
