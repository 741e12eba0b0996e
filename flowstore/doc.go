// Package flowstore persists flow, batch-status and cron-job records in
// NATS JetStream key-value buckets. Records are stored as JSON; concurrent
// mutations go through optimistic-concurrency retry loops on the underlying
// buckets. The engine treats this layer as append-only durable storage:
// flows are never deleted, batch statuses are never mutated.
//
// Buckets:
//
//	grr_flows          one entry per flow, keyed by flow ID
//	grr_plugin_status  one entry per (plugin instance, batch index)
//	grr_cron_jobs      one entry per cron job, keyed by job ID
package flowstore
