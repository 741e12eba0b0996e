package outputplugin

import (
	"context"
	"time"
)

// Status is the outcome of processing one batch with one plugin instance.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// BatchStatus is one append-only accounting record per (plugin instance,
// batch). Records are never mutated after creation and their batch indices
// match emission order.
type BatchStatus struct {
	PluginInstanceID string    `json:"plugin_instance_id"`
	PluginName       string    `json:"plugin_name"`
	OwnerKey         string    `json:"owner_key"`
	BatchIndex       uint64    `json:"batch_index"`
	BatchSize        int       `json:"batch_size"`
	Status           Status    `json:"status"`
	Summary          string    `json:"summary,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// StatusStore persists BatchStatus records append-only.
type StatusStore interface {
	// Append durably records one batch status.
	Append(ctx context.Context, status *BatchStatus) error

	// List returns all records for a plugin instance in batch-index order.
	List(ctx context.Context, pluginInstanceID string) ([]*BatchStatus, error)
}
