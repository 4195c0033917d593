package baton

import (
	"context"
	"math/rand"
	"time"
)

// retryBackoff computes the delay before retry attempt i (zero-based):
// base doubled per attempt, plus up to 50% jitter.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	d := base << attempt
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// retryCall runs fn up to max+1 times, retrying only errors classified as
// transient. Returns the last result, the number of retries performed, and
// the final error.
func retryCall[T any](ctx context.Context, max int, base time.Duration, fn func() (T, error)) (T, int, error) {
	var (
		out     T
		err     error
		retries int
	)
	for attempt := 0; ; attempt++ {
		out, err = fn()
		if err == nil || !Transient(err) || attempt >= max {
			return out, retries, err
		}
		retries++
		select {
		case <-time.After(retryBackoff(base, attempt)):
		case <-ctx.Done():
			return out, retries, ctx.Err()
		}
	}
}
