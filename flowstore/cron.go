package flowstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/thinrope/grr/cron"
	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/natsclient"
)

const cronBucket = "grr_cron_jobs"

// CronStore is the JetStream-backed cron.Store.
type CronStore struct {
	kv *natsclient.KVStore
}

// NewCronStore provisions the cron bucket and returns a store over it.
func NewCronStore(ctx context.Context, client *natsclient.Client) (*CronStore, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cronBucket,
		Description: "cron job records keyed by job ID",
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "NewCronStore", "create bucket")
	}
	return &CronStore{kv: kv}, nil
}

// Create persists a new job record.
func (s *CronStore) Create(ctx context.Context, j *cron.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "Create", "encode job")
	}
	if _, err := s.kv.Create(ctx, j.ID, data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return fmt.Errorf("cron job %s: %w", j.ID, errors.ErrCronJobExists)
		}
		return errors.WrapTransient(err, "flowstore", "Create", "persist job")
	}
	return nil
}

// Get returns the job by identity.
func (s *CronStore) Get(ctx context.Context, id string) (*cron.Job, error) {
	data, _, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, fmt.Errorf("cron job %s: %w", id, errors.ErrCronJobNotFound)
		}
		return nil, errors.WrapTransient(err, "flowstore", "Get", "load job")
	}
	var j cron.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, errors.WrapFatal(err, "flowstore", "Get", "decode job")
	}
	return &j, nil
}

// Update applies mutate atomically through a read-modify-write loop.
func (s *CronStore) Update(ctx context.Context, id string, mutate func(*cron.Job) error) (*cron.Job, error) {
	var updated *cron.Job
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("cron job %s: %w", id, errors.ErrCronJobNotFound)
		}
		var j cron.Job
		if err := json.Unmarshal(current, &j); err != nil {
			return nil, fmt.Errorf("decode cron job %s: %w", id, err)
		}
		if err := mutate(&j); err != nil {
			return nil, err
		}
		updated = &j
		return json.Marshal(&j)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns all stored jobs.
func (s *CronStore) List(ctx context.Context) ([]*cron.Job, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "List", "list keys")
	}
	out := make([]*cron.Job, 0, len(keys))
	for _, key := range keys {
		j, err := s.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrCronJobNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Delete removes the job record.
func (s *CronStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil {
		return errors.WrapTransient(err, "flowstore", "Delete", "delete job")
	}
	return nil
}
