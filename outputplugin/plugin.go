package outputplugin

import (
	"context"
	"encoding/json"

	"github.com/thinrope/grr/flow"
)

// Plugin is the single capability a post-processor implements: consume one
// batch of results, given the arguments declared at attach time, and report
// success with a summary or an error. Implementations must be safe for
// concurrent calls with different argument blobs.
type Plugin interface {
	// Name is the plugin type name used in descriptors.
	Name() string

	// ArgsSchema returns the JSON schema argument blobs must satisfy.
	// An empty string accepts any arguments.
	ArgsSchema() string

	// ProcessBatch applies the plugin to one batch. On success the
	// returned summary is recorded verbatim in the batch status.
	ProcessBatch(ctx context.Context, args json.RawMessage, results []flow.Result) (string, error)
}
