// Package retry runs an operation with exponential backoff.
//
// Do retries every failure until attempts run out or the context ends. The only
// way to stop early is to wrap the error with NonRetryable. IsRetryable is an
// advisory classifier for logging and callers that want to make their own
// decision; Do itself never consults it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // total attempts including the first; <1 means one attempt
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay; 0 means uncapped
	Multiplier   float64       // growth factor applied after each failure
	AddJitter    bool          // spread delays by up to +/-25%
}

// DefaultConfig returns the backoff used for storage calls
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Do executes fn with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.InitialDelay < 0 {
		return errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return errors.New("retry: Multiplier cannot be negative")
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, lastErr)
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			var nre *NonRetryableError
			errors.As(lastErr, &nre)
			return nre.Err
		}
		if attempt == attempts {
			break
		}

		wait := delay
		if cfg.AddJitter && wait > 0 {
			wait = jitter(wait)
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		slog.Debug("retrying operation",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", wait,
			"retryable", IsRetryable(lastErr),
			"error", lastErr,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}

		next := time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
			next = cfg.MaxDelay
		}
		delay = next
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// DoWithResult executes fn with retry and returns its result
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

func jitter(d time.Duration) time.Duration {
	randMu.Lock()
	f := randSource.Float64()
	randMu.Unlock()
	// +/-25%
	return time.Duration(float64(d) * (0.75 + f*0.5))
}

// Retryabler is implemented by errors that know whether a retry could help.
type Retryabler interface {
	Retryable() bool
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"too many requests",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"slowdown",
	"requesttimeout",
}

// IsRetryable reports whether err looks transient: network failures, timeouts
// and 5xx-style provider responses. Errors implementing Retryabler decide for
// themselves.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNonRetryable(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var r Retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
