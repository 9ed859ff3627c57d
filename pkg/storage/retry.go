package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RetryableStore wraps a Store with exponential backoff. ErrNotFound and
// context cancellation are returned immediately.
type RetryableStore struct {
	store      Store
	maxRetries int
	newBackOff func() *backoff.ExponentialBackOff
	logger     *logrus.Entry
}

// NewRetryableStore retries each call up to maxRetries times. A negative
// maxRetries retries until the context is done.
func NewRetryableStore(store Store, maxRetries int) *RetryableStore {
	return &RetryableStore{
		store:      store,
		maxRetries: maxRetries,
		newBackOff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: logrus.WithField("component", "storage.retry"),
	}
}

// WithBackOff overrides the backoff policy. Used by tests to shorten intervals.
func (r *RetryableStore) WithBackOff(initial, max time.Duration) *RetryableStore {
	r.newBackOff = func() *backoff.ExponentialBackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.MaxElapsedTime = 0
		return b
	}
	return r
}

func (r *RetryableStore) policy(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = r.newBackOff()
	if r.maxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(r.maxRetries))
	}
	return backoff.WithContext(b, ctx)
}

func (r *RetryableStore) retry(ctx context.Context, op string, key string, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"op":      op,
			"key":     key,
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("Retrying store operation")
	}
	return backoff.RetryNotify(operation, r.policy(ctx), notify)
}

// Get implements Store with retries.
func (r *RetryableStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.retry(ctx, "get", key, func() error {
		var err error
		data, err = r.store.Get(ctx, key)
		return err
	})
	return data, err
}

// Put implements Store with retries.
func (r *RetryableStore) Put(ctx context.Context, key string, data []byte) error {
	return r.retry(ctx, "put", key, func() error {
		return r.store.Put(ctx, key, data)
	})
}

// Close implements Store.
func (r *RetryableStore) Close() error {
	return r.store.Close()
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
