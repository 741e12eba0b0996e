// Package testutil provides in-memory store implementations for testing
// the flow engine without a NATS server. The stores are thread-safe and
// mirror the semantics of the JetStream-backed stores in flowstore.
package testutil
