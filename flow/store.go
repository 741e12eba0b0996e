package flow

import "context"

// Store persists Flow records. Implementations must make Update atomic per
// flow: the mutate callback is applied to the current record and the result
// written back, retrying on concurrent modification. Flows are never deleted
// by the engine; records are retained for audit.
type Store interface {
	// Create persists a new flow. Fails with errors.ErrFlowExists if the
	// identity is already taken.
	Create(ctx context.Context, f *Flow) error

	// Get returns the flow by identity, or errors.ErrFlowNotFound.
	Get(ctx context.Context, id string) (*Flow, error)

	// Update applies mutate to the current record atomically and returns
	// the updated flow. A mutate error aborts without writing.
	Update(ctx context.Context, id string, mutate func(*Flow) error) (*Flow, error)

	// List returns all stored flows.
	List(ctx context.Context) ([]*Flow, error)

	// ListByCronJob returns flows tagged with the given cron job identity.
	ListByCronJob(ctx context.Context, cronJobID string) ([]*Flow, error)
}
