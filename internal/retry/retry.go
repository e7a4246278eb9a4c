package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrExhausted is returned once every allowed attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config controls the attempt budget and exponential backoff between attempts.
type Config struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// InitialBackoff is the delay after the first failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// Multiplier scales the delay between consecutive failures.
	Multiplier float64
	// Jitter is the fraction of the delay that is randomised, in [0, 1].
	Jitter float64
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(c.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if c.MaxBackoff > 0 && backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		jitter := math.Min(c.Jitter, 1)
		// spread uniformly over [backoff*(1-jitter), backoff*(1+jitter)]
		backoff += backoff * jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(backoff)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, the attempt budget runs out or ctx is cancelled.
func Do[T any](ctx context.Context, cfg Config, log logrus.FieldLogger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s cancelled: %w", op, err)
		}

		got, err := fn(ctx)
		if err == nil {
			return got, nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return zero, permanent.err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		delay := cfg.Backoff(attempt)
		log.Warnf("Attempt %d/%d of %s failed: %v, retrying in %s", attempt, maxAttempts, op, err, delay.Round(time.Millisecond))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s cancelled: %w", op, ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, maxAttempts, lastErr)
}
