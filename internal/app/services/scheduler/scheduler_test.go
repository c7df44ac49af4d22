package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/plaza-social/plaza/internal/metrics"
)

type fakeWallets struct {
	swept   []time.Time
	expired []time.Time
	err     error
}

func (f *fakeWallets) SweepOverdue(_ context.Context, now time.Time) (int, error) {
	f.swept = append(f.swept, now)
	return 3, f.err
}

func (f *fakeWallets) ExpireStaleTopUps(_ context.Context, now time.Time) (int, error) {
	f.expired = append(f.expired, now)
	return 0, nil
}

type fakeLimiter struct{ calls int }

func (f *fakeLimiter) Cleanup(maxIdle time.Duration) int {
	f.calls++
	return 2
}

func TestAdd_Validation(t *testing.T) {
	s := New(nil, nil)
	noop := func(context.Context, time.Time) (int, error) { return 0, nil }

	assert.Error(t, s.Add(Job{Name: "x", Spec: "not a schedule", Run: noop}))
	assert.Error(t, s.Add(Job{Spec: "* * * * *", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "x", Spec: "@every 1h", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "x", Spec: "* * * * *", Run: noop}))
}

func TestRegisterDefaults_RunNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(metrics.New(), nil)
	s.now = func() time.Time { return now }
	wallets := &fakeWallets{}
	limiter := &fakeLimiter{}
	require.NoError(t, RegisterDefaults(s, wallets, limiter))
	assert.Equal(t, []string{JobExpireTopUps, JobPruneLimiters, JobSweepOverdue}, s.Jobs())

	n, err := s.RunNow(context.Background(), JobSweepOverdue)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []time.Time{now}, wallets.swept)

	n, err = s.RunNow(context.Background(), JobPruneLimiters)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, limiter.calls)

	_, err = s.RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)

	wallets.err = errors.New("db down")
	_, err = s.RunNow(context.Background(), JobSweepOverdue)
	assert.Error(t, err)
}

func TestRegisterDefaults_NoLimiter(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, RegisterDefaults(s, &fakeWallets{}, nil))
	assert.NotContains(t, s.Jobs(), JobPruneLimiters)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(nil, nil)
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context, time.Time) (int, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0, nil
	}}))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Add(Job{Name: "late", Spec: "@every 1s", Run: func(context.Context, time.Time) (int, error) { return 0, nil }}))

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx))
}
