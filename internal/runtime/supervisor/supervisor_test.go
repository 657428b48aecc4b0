package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go0("boom", func(context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in boom")
	assert.Error(t, s.Context().Err())
}

func TestGoKeepsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	first := errors.New("first")
	s.Go("a", func(context.Context) error { return first })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	assert.ErrorIs(t, err, first)
	assert.NoError(t, s.Context().Err(), "cancel-on-error is off by default")
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("wait", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int64(0), s.Counters().Active)
	assert.Equal(t, uint64(1), s.Counters().Started)
}

func TestGoRestartRestartsUntilCanceled(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", time.Millisecond, 2*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) >= 3 {
			<-ctx.Done()
			return nil
		}
		return errors.New("transient")
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
