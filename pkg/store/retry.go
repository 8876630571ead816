package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/quarrydocs/quarry/pkg/config"
)

// retryStore wraps a Store and retries transient backend failures with
// exponential backoff and jitter. Validation errors (mixed batches,
// bad content types) are not retried.
type retryStore struct {
	inner Store
	cfg   config.RetryConfig
}

// WithRetry decorates a store with the configured retry policy.
func WithRetry(inner Store, cfg config.RetryConfig) Store {
	return &retryStore{inner: inner, cfg: cfg}
}

func (s *retryStore) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.delay(attempt)
			slog.Warn("retrying store operation",
				"operation", op,
				"attempt", attempt+1,
				"max_attempts", s.cfg.MaxAttempts,
				"delay", delay,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: max attempts (%d) exceeded: %w", op, s.cfg.MaxAttempts, lastErr)
}

func (s *retryStore) delay(attempt int) time.Duration {
	base := s.cfg.BaseDelay.Duration()
	max := s.cfg.MaxDelay.Duration()
	d := time.Duration(math.Pow(2, float64(attempt-1)) * float64(base))
	if d > max {
		d = max
	}
	if s.cfg.Jitter > 0 {
		spread := float64(d) * s.cfg.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMixedBatch) || errors.Is(err, ErrIndexNotFound) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *retryStore) EnsureIndex(ctx context.Context, index string, vectorDim int) error {
	return s.retry(ctx, "ensure_index", func() error {
		return s.inner.EnsureIndex(ctx, index, vectorDim)
	})
}

func (s *retryStore) IndexExists(ctx context.Context, index string) (bool, error) {
	var exists bool
	err := s.retry(ctx, "index_exists", func() error {
		var innerErr error
		exists, innerErr = s.inner.IndexExists(ctx, index)
		return innerErr
	})
	return exists, err
}

func (s *retryStore) InsertBatch(ctx context.Context, index string, records []Record) error {
	return s.retry(ctx, "insert_batch", func() error {
		return s.inner.InsertBatch(ctx, index, records)
	})
}

func (s *retryStore) DeleteByDocument(ctx context.Context, index, documentID string) error {
	return s.retry(ctx, "delete_by_document", func() error {
		return s.inner.DeleteByDocument(ctx, index, documentID)
	})
}

func (s *retryStore) SemanticSearch(ctx context.Context, index string, vector []float32, topK int, filter *Filter) ([]SearchResult, error) {
	var results []SearchResult
	err := s.retry(ctx, "semantic_search", func() error {
		var innerErr error
		results, innerErr = s.inner.SemanticSearch(ctx, index, vector, topK, filter)
		return innerErr
	})
	return results, err
}

func (s *retryStore) LexicalSearch(ctx context.Context, index, query string, topK int, filter *Filter) ([]SearchResult, error) {
	var results []SearchResult
	err := s.retry(ctx, "lexical_search", func() error {
		var innerErr error
		results, innerErr = s.inner.LexicalSearch(ctx, index, query, topK, filter)
		return innerErr
	})
	return results, err
}

func (s *retryStore) GetByDocument(ctx context.Context, index, documentID string) ([]Record, error) {
	var records []Record
	err := s.retry(ctx, "get_by_document", func() error {
		var innerErr error
		records, innerErr = s.inner.GetByDocument(ctx, index, documentID)
		return innerErr
	})
	return records, err
}

func (s *retryStore) Count(ctx context.Context, index string) (int, error) {
	var count int
	err := s.retry(ctx, "count", func() error {
		var innerErr error
		count, innerErr = s.inner.Count(ctx, index)
		return innerErr
	})
	return count, err
}

func (s *retryStore) Close() error {
	return s.inner.Close()
}
