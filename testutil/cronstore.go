package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/thinrope/grr/cron"
	"github.com/thinrope/grr/errors"
)

// MemoryCronStore is an in-memory cron.Store.
type MemoryCronStore struct {
	mu   sync.RWMutex
	jobs map[string]*cron.Job
}

// NewMemoryCronStore creates an empty store.
func NewMemoryCronStore() *MemoryCronStore {
	return &MemoryCronStore{jobs: make(map[string]*cron.Job)}
}

func copyJob(j *cron.Job) *cron.Job {
	c := *j
	c.Args = append(json.RawMessage(nil), j.Args...)
	return &c
}

// Create persists a new job record.
func (s *MemoryCronStore) Create(_ context.Context, j *cron.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("cron job %s: %w", j.ID, errors.ErrCronJobExists)
	}
	s.jobs[j.ID] = copyJob(j)
	return nil
}

// Get returns the job by identity.
func (s *MemoryCronStore) Get(_ context.Context, id string) (*cron.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("cron job %s: %w", id, errors.ErrCronJobNotFound)
	}
	return copyJob(j), nil
}

// Update applies mutate atomically and returns the updated record.
func (s *MemoryCronStore) Update(_ context.Context, id string, mutate func(*cron.Job) error) (*cron.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("cron job %s: %w", id, errors.ErrCronJobNotFound)
	}
	next := copyJob(j)
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return copyJob(next), nil
}

// List returns all stored jobs.
func (s *MemoryCronStore) List(_ context.Context) ([]*cron.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*cron.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	return out, nil
}

// Delete removes the job.
func (s *MemoryCronStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron job %s: %w", id, errors.ErrCronJobNotFound)
	}
	delete(s.jobs, id)
	return nil
}
