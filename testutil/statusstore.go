package testutil

import (
	"context"
	"sync"

	"github.com/thinrope/grr/outputplugin"
)

// MemoryStatusStore is an in-memory append-only outputplugin.StatusStore.
type MemoryStatusStore struct {
	mu      sync.RWMutex
	records map[string][]*outputplugin.BatchStatus
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: make(map[string][]*outputplugin.BatchStatus)}
}

// Append records one batch status.
func (s *MemoryStatusStore) Append(_ context.Context, status *outputplugin.BatchStatus) error {
	c := *status
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[status.PluginInstanceID] = append(s.records[status.PluginInstanceID], &c)
	return nil
}

// List returns all records for a plugin instance in append order.
func (s *MemoryStatusStore) List(_ context.Context, pluginInstanceID string) ([]*outputplugin.BatchStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[pluginInstanceID]
	out := make([]*outputplugin.BatchStatus, len(records))
	for i, r := range records {
		c := *r
		out[i] = &c
	}
	return out, nil
}
