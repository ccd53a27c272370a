// Package retry runs blocking calls with bounded exponential backoff.
// Only errors accepted by the caller's Classifier are retried.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
)

// Classifier reports whether an error is transient and worth retrying
type Classifier func(error) bool

// Policy bounds the retries of one call
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          ectologger.Logger
}

// DefaultPolicy returns the default policy
func DefaultPolicy(logger ectologger.Logger) Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Logger:          logger,
	}
}

// ExhaustedError is returned when a transient error outlived the retry budget
type ExhaustedError struct {
	Op       string
	Attempts uint
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err carries an ExhaustedError
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Do runs op until it succeeds, returns a non-transient error, or the policy runs out of attempts.
// An error that already exhausted an inner retry is never retried again.
func Do[T any](ctx context.Context, policy Policy, op string, classify Classifier, fn func() (T, error)) (T, error) {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultInitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultMaxInterval
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval

	var attempts uint
	var lastTransient bool
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastTransient = !IsExhausted(err) && classify(err)
		if !lastTransient {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if policy.Logger == nil {
				return
			}
			policy.Logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"operation": op,
				"attempt":   attempts,
				"backoff":   next.String(),
			}).Warnf("Transient failure in %s, retrying in %s", op, next)
		}),
	)
	if err == nil {
		return result, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if lastTransient && ctx.Err() == nil {
		return result, &ExhaustedError{Op: op, Attempts: attempts, Err: err}
	}
	return result, err
}

// Any combines classifiers; an error is transient when any of them says so
func Any(classifiers ...Classifier) Classifier {
	return func(err error) bool {
		for _, c := range classifiers {
			if c(err) {
				return true
			}
		}
		return false
	}
}

// IsNetwork reports connection level failures shared by every client
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
