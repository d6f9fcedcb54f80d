package tasksource

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tzsystem/dispatchd/internal/domain"
)

// retrySource wraps a TaskSource and automatically retries transient HTTP
// errors (429 Too Many Requests, 503 Service Unavailable) with exponential
// backoff and jitter — generalized from the teacher's retryProvider, since
// labeling backends under load return exactly these statuses.
type retrySource struct {
	inner       TaskSource
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retrySource.
type RetryOption func(*retrySource)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retrySource) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retrySource) { r.baseDelay = d }
}

// WithRetry wraps src with automatic retry on transient HTTP errors.
func WithRetry(src TaskSource, logger *slog.Logger, opts ...RetryOption) TaskSource {
	if logger == nil {
		logger = slog.Default()
	}
	r := &retrySource{inner: src, maxAttempts: 3, baseDelay: time.Second, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ TaskSource = (*retrySource)(nil)

func (r *retrySource) UnlabeledTaskIDs(ctx context.Context) ([]domain.TaskID, error) {
	return retryCall(ctx, r, func() ([]domain.TaskID, error) { return r.inner.UnlabeledTaskIDs(ctx) })
}

func (r *retrySource) TaskMetadata(ctx context.Context, id domain.TaskID) (domain.TaskAssignment, error) {
	return retryCall(ctx, r, func() (domain.TaskAssignment, error) { return r.inner.TaskMetadata(ctx, id) })
}

func (r *retrySource) SubmitAnnotation(ctx context.Context, id domain.TaskID, text string) error {
	_, err := retryCall(ctx, r, func() (struct{}, error) { return struct{}{}, r.inner.SubmitAnnotation(ctx, id, text) })
	return err
}

func (r *retrySource) UpdateDuration(ctx context.Context, id domain.TaskID, seconds float64, method string) error {
	_, err := retryCall(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.inner.UpdateDuration(ctx, id, seconds, method)
	})
	return err
}

func isTransient(err error) bool {
	var e *domain.ErrUpstream
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

func retryCall[T any](ctx context.Context, r *retrySource, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		r.logger.WarnContext(ctx, "tasksource: transient error, retrying", "attempt", i+1, "max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			delay := retryBackoff(r.baseDelay, i)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i, plus
// up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
