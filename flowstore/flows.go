package flowstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/natsclient"
)

const flowBucket = "grr_flows"

// FlowStore is the JetStream-backed flow.Store.
type FlowStore struct {
	kv *natsclient.KVStore
}

// NewFlowStore provisions the flow bucket and returns a store over it.
func NewFlowStore(ctx context.Context, client *natsclient.Client) (*FlowStore, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      flowBucket,
		Description: "flow records keyed by flow ID",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "NewFlowStore", "create bucket")
	}
	return &FlowStore{kv: kv}, nil
}

// Create persists a new flow record.
func (s *FlowStore) Create(ctx context.Context, f *flow.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "Create", "encode flow")
	}
	if _, err := s.kv.Create(ctx, f.ID, data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return fmt.Errorf("flow %s: %w", f.ID, errors.ErrFlowExists)
		}
		return errors.WrapTransient(err, "flowstore", "Create", "persist flow")
	}
	return nil
}

// Get returns the flow by identity.
func (s *FlowStore) Get(ctx context.Context, id string) (*flow.Flow, error) {
	data, _, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, fmt.Errorf("flow %s: %w", id, errors.ErrFlowNotFound)
		}
		return nil, errors.WrapTransient(err, "flowstore", "Get", "load flow")
	}
	var f flow.Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapFatal(err, "flowstore", "Get", "decode flow")
	}
	return &f, nil
}

// Update applies mutate atomically through a read-modify-write loop.
func (s *FlowStore) Update(ctx context.Context, id string, mutate func(*flow.Flow) error) (*flow.Flow, error) {
	var updated *flow.Flow
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("flow %s: %w", id, errors.ErrFlowNotFound)
		}
		var f flow.Flow
		if err := json.Unmarshal(current, &f); err != nil {
			return nil, fmt.Errorf("decode flow %s: %w", id, err)
		}
		if err := mutate(&f); err != nil {
			return nil, err
		}
		updated = &f
		return json.Marshal(&f)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns all stored flows.
func (s *FlowStore) List(ctx context.Context) ([]*flow.Flow, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "List", "list keys")
	}
	out := make([]*flow.Flow, 0, len(keys))
	for _, key := range keys {
		f, err := s.Get(ctx, key)
		if err != nil {
			// Entry deleted between Keys and Get.
			if stderrors.Is(err, errors.ErrFlowNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ListByCronJob returns flows tagged with the cron job identity.
func (s *FlowStore) ListByCronJob(ctx context.Context, cronJobID string) ([]*flow.Flow, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*flow.Flow
	for _, f := range all {
		if f.CronJobID == cronJobID {
			out = append(out, f)
		}
	}
	return out, nil
}
