package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/errs"
)

type hintedErr struct {
	after time.Duration
}

func (h hintedErr) Error() string             { return "quota" }
func (h hintedErr) Unwrap() error             { return errs.ErrModelRateLimited }
func (h hintedErr) RetryAfter() time.Duration { return h.after }

func recordingWait(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDoRetriesRetriableErrorsWithBackoff(t *testing.T) {
	var delays []time.Duration
	calls := 0

	got, err := Do(context.Background(), Policy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Wait:        recordingWait(&delays),
	}, zap.NewNop(), "op", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("upstream: %w", errs.ErrModelUnavailable)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestDoStopsOnNonRetriableError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 5}, nil, "op", func(context.Context) (int, error) {
		calls++
		return 0, errs.ErrSchemaValidationFailed
	})

	require.ErrorIs(t, err, errs.ErrSchemaValidationFailed)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 3, Wait: recordingWait(&delays)}, nil, "op", func(context.Context) (int, error) {
		calls++
		return 0, errs.ErrModelRateLimited
	})

	require.ErrorIs(t, err, errs.ErrModelRateLimited)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestDoMapsCallTimeout(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 2, CallTimeout: 10 * time.Millisecond, Wait: func(context.Context, time.Duration) error { return nil }}, nil, "op",
		func(ctx context.Context) (int, error) {
			calls++
			<-ctx.Done()
			return 0, ctx.Err()
		})

	require.ErrorIs(t, err, errs.ErrModelTimeout)
	assert.Equal(t, 2, calls)
}

func TestDoDoesNotRetryLongHints(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 3, MaxDelay: time.Second}, nil, "op", func(context.Context) (int, error) {
		calls++
		return 0, hintedErr{after: time.Minute}
	})

	require.ErrorIs(t, err, errs.ErrModelRateLimited)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursShortHints(t *testing.T) {
	var delays []time.Duration
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 5 * time.Second, Wait: recordingWait(&delays)}, nil, "op",
		func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, hintedErr{after: 2 * time.Second}
			}
			return 1, nil
		})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, delays)
}

func TestDoRespectsStageBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 2 * time.Second}, nil, "op", func(context.Context) (int, error) {
		calls++
		return 0, errs.ErrModelUnavailable
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrModelUnavailable)
	assert.Equal(t, 1, calls, "no backoff may outlive the stage budget")
}

func TestDoOnExpiredContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, Policy{MaxAttempts: 2}, nil, "op", func(context.Context) (int, error) {
		return 0, errors.New("should not be called")
	})
	require.ErrorIs(t, err, errs.ErrModelTimeout)
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, backoff(p, 1))
	assert.Equal(t, 2*time.Second, backoff(p, 2))
	assert.Equal(t, 3*time.Second, backoff(p, 3))
	assert.Equal(t, 3*time.Second, backoff(p, 40))
}
