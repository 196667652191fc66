// Package retry wraps fallible idempotent reads with bounded retries and
// a fixed delay. It must never wrap mutating page actions: retrying a
// click or an order submission risks a duplicate purchase.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

type Options struct {
	// Attempts is the total number of tries (default 3).
	Attempts int
	// Delay is the fixed pause between tries (default 5s).
	Delay time.Duration
	// What names the operation in logs and in the exhaustion error.
	What string
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Delay <= 0 {
		o.Delay = 5 * time.Second
	}
	if o.What == "" {
		o.What = "operation"
	}
	return o
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable: Do returns it (unwrapped) immediately
// instead of burning the remaining attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// Do runs fn until it succeeds, the attempts are exhausted, fn returns a
// Fatal error, or ctx is done.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var fe fatalError
		if errors.As(err, &fe) {
			return zero, fe.err
		}

		lastErr = err
		log.Printf("[warn] %s: attempt %d/%d failed: %v", opts.What, attempt, opts.Attempts, err)

		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(opts.Delay):
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", opts.What, opts.Attempts, lastErr)
}
