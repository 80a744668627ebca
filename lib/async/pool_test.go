package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/optexec/errs"
)

func TestPoolSubmitAndShutdown(t *testing.T) {
	pool, err := NewPool(2, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	require.Eventually(t, func() bool { return count.Load() == 4 }, time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
	require.Equal(t, int32(4), count.Load())
}

func TestPoolSubmitCancelledContext(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	pool, err := NewPool(1, 2, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("fire failed")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	require.EqualError(t, reported[0], "fire failed")
	require.Contains(t, reported[1].Error(), "task panic: boom")
}

func TestPoolShutdownDeadlineCancelsTasks(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)

	started := make(chan struct{})
	var sawCancel atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return nil
	}))
	<-started

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Shutdown(shutdownCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, sawCancel.Load())
}
