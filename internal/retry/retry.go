// Package retry runs external calls with per-call timeouts, exponential backoff and a stage
// budget taken from the context deadline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/utils"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 8 * time.Second
)

// Policy bounds the retries of a single operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CallTimeout caps each attempt. A context deadline shorter than this wins.
	CallTimeout time.Duration
	// Wait pauses between attempts; nil means utils.WaitFor.
	Wait func(ctx context.Context, d time.Duration) error
}

// Hint is implemented by errors that know when the remote side wants to be called again.
type Hint interface {
	RetryAfter() time.Duration
}

// RetryAfter extracts the delay suggested by err, or zero.
func RetryAfter(err error) time.Duration {
	var h Hint
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

// Do calls fn until it succeeds, fails with a non-retriable error, the attempts run out,
// or the context budget leaves no room for another attempt.
func Do[T any](ctx context.Context, p Policy, logger *zap.Logger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = zap.NewNop()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	wait := p.Wait
	if wait == nil {
		wait = utils.WaitFor
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s: budget exhausted after %d attempts: %w", op, attempt-1, lastErr)
			}
			return zero, fmt.Errorf("%s: %w: %w", op, errs.ErrModelTimeout, err)
		}

		callCtx, cancel := callContext(ctx, p.CallTimeout)
		result, err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return result, nil
		}

		if timedOut && !errors.Is(err, errs.ErrModelTimeout) {
			err = fmt.Errorf("%w: %w", errs.ErrModelTimeout, err)
		}
		lastErr = err

		if !errs.IsRetriable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := backoff(p, attempt)
		if hint := RetryAfter(err); hint > 0 {
			if hint > maxDelay(p) {
				logger.Warn("remote asked to wait longer than the retry policy allows",
					zap.String("operation", op),
					zap.Duration("retry_after", hint),
				)
				return zero, err
			}
			if hint > delay {
				delay = hint
			}
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return zero, fmt.Errorf("%s: stage budget leaves no room for attempt %d: %w", op, attempt+1, err)
		}

		logger.Warn("retrying after retriable error",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if werr := wait(ctx, delay); werr != nil {
			return zero, fmt.Errorf("%s: interrupted while backing off: %w", op, err)
		}
	}

	return zero, fmt.Errorf("%s: %d attempts exhausted: %w", op, attempts, lastErr)
}

func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func backoff(p Policy, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}

	limit := maxDelay(p)
	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

func maxDelay(p Policy) time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return defaultMaxDelay
}
