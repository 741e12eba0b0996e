package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
)

// MemoryFlowStore is an in-memory flow.Store. Records are deep-copied on
// every read and write so callers never share mutable state.
type MemoryFlowStore struct {
	mu    sync.RWMutex
	flows map[string]*flow.Flow
}

// NewMemoryFlowStore creates an empty store.
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{flows: make(map[string]*flow.Flow)}
}

func copyFlow(f *flow.Flow) *flow.Flow {
	c := *f
	c.ChildIDs = append([]string(nil), f.ChildIDs...)
	c.Args = append(json.RawMessage(nil), f.Args...)
	return &c
}

// Create persists a new flow record.
func (s *MemoryFlowStore) Create(_ context.Context, f *flow.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[f.ID]; exists {
		return fmt.Errorf("flow %s: %w", f.ID, errors.ErrFlowExists)
	}
	s.flows[f.ID] = copyFlow(f)
	return nil
}

// Get returns the flow by identity.
func (s *MemoryFlowStore) Get(_ context.Context, id string) (*flow.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", id, errors.ErrFlowNotFound)
	}
	return copyFlow(f), nil
}

// Update applies mutate atomically and returns the updated record.
func (s *MemoryFlowStore) Update(_ context.Context, id string, mutate func(*flow.Flow) error) (*flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", id, errors.ErrFlowNotFound)
	}
	next := copyFlow(f)
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.flows[id] = next
	return copyFlow(next), nil
}

// List returns all stored flows.
func (s *MemoryFlowStore) List(_ context.Context) ([]*flow.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*flow.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, copyFlow(f))
	}
	return out, nil
}

// ListByCronJob returns flows tagged with the cron job identity.
func (s *MemoryFlowStore) ListByCronJob(_ context.Context, cronJobID string) ([]*flow.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*flow.Flow
	for _, f := range s.flows {
		if f.CronJobID == cronJobID {
			out = append(out, copyFlow(f))
		}
	}
	return out, nil
}
