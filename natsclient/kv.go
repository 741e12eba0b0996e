package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/thinrope/grr/pkg/retry"
)

// KV error sentinels. Callers match with errors.Is.
var (
	ErrKVKeyNotFound       = errors.New("key not found")
	ErrKVKeyExists         = errors.New("key already exists")
	ErrKVRevisionMismatch  = errors.New("revision mismatch")
	ErrKVMaxRetriesExceeded = errors.New("max update retries exceeded")
)

// KVStore wraps a JetStream key-value bucket with sentinel error mapping
// and optimistic-concurrency retry helpers.
type KVStore struct {
	kv     jetstream.KeyValue
	bucket string
	logger *slog.Logger
}

// NewKVStore wraps an existing bucket handle.
func NewKVStore(kv jetstream.KeyValue, bucket string, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: kv, bucket: bucket, logger: logger}
}

// Bucket returns the bucket name.
func (s *KVStore) Bucket() string { return s.bucket }

// Get returns the value and revision for key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("kv %s/%s: %w", s.bucket, key, ErrKVKeyNotFound)
		}
		return nil, 0, fmt.Errorf("kv %s/%s: get failed: %w", s.bucket, key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Put writes the value unconditionally and returns the new revision.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv %s/%s: put failed: %w", s.bucket, key, err)
	}
	return rev, nil
}

// Create writes the value only if the key does not already exist.
func (s *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("kv %s/%s: %w", s.bucket, key, ErrKVKeyExists)
		}
		return 0, fmt.Errorf("kv %s/%s: create failed: %w", s.bucket, key, err)
	}
	return rev, nil
}

// Update writes the value only if the stored revision matches.
func (s *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, fmt.Errorf("kv %s/%s at rev %d: %w", s.bucket, key, revision, ErrKVRevisionMismatch)
		}
		return 0, fmt.Errorf("kv %s/%s: update failed: %w", s.bucket, key, err)
	}
	return rev, nil
}

// UpdateWithRetry performs a read-modify-write loop. modify receives the
// current value (nil when the key is absent) and returns the replacement.
// A modify error aborts the loop immediately; revision conflicts retry with
// backoff up to the retry.Quick attempt limit.
func (s *KVStore) UpdateWithRetry(ctx context.Context, key string, modify func(current []byte) ([]byte, error)) error {
	cfg := retry.Quick()
	err := retry.Do(ctx, cfg, func() error {
		current, revision, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, ErrKVKeyNotFound):
			current, revision = nil, 0
		case err != nil:
			return retry.NonRetryable(err)
		}

		next, err := modify(current)
		if err != nil {
			return retry.NonRetryable(err)
		}

		if revision == 0 {
			_, err = s.Create(ctx, key, next)
			if errors.Is(err, ErrKVKeyExists) {
				return err // created concurrently, retry
			}
		} else {
			_, err = s.Update(ctx, key, next, revision)
			if errors.Is(err, ErrKVRevisionMismatch) {
				return err
			}
		}
		if err != nil {
			return retry.NonRetryable(err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) {
			return fmt.Errorf("kv %s/%s: %w", s.bucket, key, ErrKVMaxRetriesExceeded)
		}
		return err
	}
	return nil
}

// Delete removes the key. Deleting an absent key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv %s/%s: delete failed: %w", s.bucket, key, err)
	}
	return nil
}

// Keys lists all keys in the bucket. An empty bucket returns an empty slice.
func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv %s: list keys failed: %w", s.bucket, err)
	}
	return keys, nil
}

// IsKVNotFoundError reports whether err is a missing-key error.
func IsKVNotFoundError(err error) bool {
	return errors.Is(err, ErrKVKeyNotFound)
}

// IsKVConflictError reports whether err is a concurrency conflict.
func IsKVConflictError(err error) bool {
	return errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists)
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}
