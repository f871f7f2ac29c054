package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	sl := &recordingSleeper{}
	calls := 0
	got, err := Do(context.Background(), Policy{
		MaxAttempts:   4,
		Delay:         2 * time.Second,
		BackoffFactor: 2,
		Sleep:         sl.sleep,
	}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sl.delays)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	sl := &recordingSleeper{}
	last := errors.New("third")
	errs := []error{errors.New("first"), errors.New("second"), last}
	calls := 0
	var observed []int
	var gaveUp []error

	_, err := Do(context.Background(), Policy{
		MaxAttempts:   3,
		Delay:         time.Second,
		BackoffFactor: 2,
		Sleep:         sl.sleep,
		OnRetry: func(attempt int, _ time.Duration, _ error) {
			observed = append(observed, attempt)
		},
		OnGiveUp: func(attempts int, err error) {
			require.Equal(t, 3, attempts)
			gaveUp = append(gaveUp, err)
		},
	}, func(context.Context) (int, error) {
		e := errs[calls]
		calls++
		return 0, e
	})

	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, last)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, observed)
	require.Equal(t, []error{last}, gaveUp)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.delays)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	fatal := errors.New("bad request")
	calls := 0
	err := Run(context.Background(), Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
		Sleep:       (&recordingSleeper{}).sleep,
	}, func(context.Context) error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestPermanentIsUnwrapped(t *testing.T) {
	t.Parallel()

	cause := errors.New("malformed")
	calls := 0
	err := Run(context.Background(), Policy{MaxAttempts: 3}, func(context.Context) error {
		calls++
		return Permanent(cause)
	})

	require.Equal(t, cause, err)
	require.Equal(t, 1, calls)
	require.NoError(t, Permanent(nil))
}

func TestDoHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Run(ctx, Policy{
		MaxAttempts: 5,
		Delay:       time.Hour,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, func(context.Context) error {
		calls++
		return errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	t.Parallel()

	p := Policy{Delay: time.Second, BackoffFactor: 3, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 3*time.Second, p.Backoff(2))
	require.Equal(t, 5*time.Second, p.Backoff(3))
	require.Equal(t, 5*time.Second, p.Backoff(10))

	flat := Policy{Delay: time.Second}
	require.Equal(t, time.Second, flat.Backoff(4))
}

func TestDoDefaultsToSingleAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("nope")
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}
