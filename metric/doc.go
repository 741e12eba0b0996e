// Package metric provides Prometheus metrics for the flow execution engine.
//
// A single MetricsRegistry owns the Prometheus registry for the process.
// Core engine metrics (flow lifecycle, result batching, plugin processing,
// cron scheduling, NATS connectivity) are always registered; components
// register their own metrics under a service-scoped key via the
// MetricsRegistrar interface, which rejects duplicates.
//
// The Server type exposes the registry over HTTP at /metrics together with
// a plain /health endpoint.
package metric
