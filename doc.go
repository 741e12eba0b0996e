// Package grr implements a flow execution and output-plugin pipeline with
// a periodic scheduler, the engine behind a fleet-management API.
//
// A Flow is one unit of work executed against a remote endpoint. Flows
// start in RUNNING, may spawn nested child flows, and end in exactly one
// terminal state (TERMINATED, ERROR or CLIENT_CRASHED). Results reported
// by running flows accumulate in per-owner batches; completed batches pass
// through the configured output plugins, each accounted per batch with an
// append-only SUCCESS/ERROR status record. Cron jobs create flows on a
// timer under explicit overrun and lifetime policies.
//
// Layout:
//
//	engine        orchestration facade composing the core
//	flow          flow model, type registry and state machine
//	resultstream  batching buffer between flows and plugins
//	outputplugin  plugin registry, runtime and batch accounting
//	cron          periodic scheduler and lifetime enforcer
//	flowstore     NATS JetStream KV persistence
//	output/...    builtin plugins: file, webhook, email
//	cmd/grr-server daemon entry point
package grr
