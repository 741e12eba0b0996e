package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/natsclient"
	"github.com/thinrope/grr/outputplugin"
)

const statusBucket = "grr_plugin_status"

// statusKey builds the per-record key. The zero-padded index keeps
// lexicographic key order equal to batch order.
func statusKey(pluginInstanceID string, batchIndex uint64) string {
	return fmt.Sprintf("%s.%012d", pluginInstanceID, batchIndex)
}

// StatusStore is the JetStream-backed outputplugin.StatusStore. Records are
// written once with Create and never updated, preserving the append-only
// contract.
type StatusStore struct {
	kv *natsclient.KVStore
}

// NewStatusStore provisions the status bucket and returns a store over it.
func NewStatusStore(ctx context.Context, client *natsclient.Client) (*StatusStore, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      statusBucket,
		Description: "output plugin batch statuses keyed by instance and batch index",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "NewStatusStore", "create bucket")
	}
	return &StatusStore{kv: kv}, nil
}

// Append durably records one batch status.
func (s *StatusStore) Append(ctx context.Context, status *outputplugin.BatchStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "Append", "encode status")
	}
	key := statusKey(status.PluginInstanceID, status.BatchIndex)
	if _, err := s.kv.Create(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "flowstore", "Append", "persist status")
	}
	return nil
}

// List returns all records for a plugin instance in batch-index order.
func (s *StatusStore) List(ctx context.Context, pluginInstanceID string) ([]*outputplugin.BatchStatus, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "List", "list keys")
	}

	prefix := pluginInstanceID + "."
	var matched []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	out := make([]*outputplugin.BatchStatus, 0, len(matched))
	for _, key := range matched {
		data, _, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, errors.WrapTransient(err, "flowstore", "List", "load status")
		}
		var status outputplugin.BatchStatus
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, errors.WrapFatal(err, "flowstore", "List", "decode status")
		}
		out = append(out, &status)
	}
	return out, nil
}
