// Package outputplugin applies configured post-processors to flushed result
// batches. Each attached plugin instance is isolated: a failure on one
// batch for one plugin never blocks sibling plugins or later batches, and a
// failed batch is never retried for that plugin (at-most-once delivery, so
// side effects such as emails are not duplicated).
package outputplugin

import (
	"encoding/json"
	"time"
)

// Descriptor identifies one configured plugin instance attached to a flow
// or hunt. Immutable once attached; the argument blob was validated against
// the plugin type's schema at attach time.
type Descriptor struct {
	ID         string          `json:"id"`
	PluginName string          `json:"plugin_name"`
	OwnerKey   string          `json:"owner_key"`
	Args       json.RawMessage `json:"args,omitempty"`
	AttachedAt time.Time       `json:"attached_at"`
}
