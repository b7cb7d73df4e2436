package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vestra/internal/notify"
)

func TestWaiter_WakesOnNotify(t *testing.T) {
	hub := notify.New()
	// Таймер длинный: проверка повторяется только по пробуждению
	w := waiter{hub: hub, min: time.Hour, max: time.Hour, done: make(chan struct{})}

	var ready atomic.Bool
	var checks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.until(context.Background(), func(context.Context) (bool, error) {
			checks.Add(1)
			return ready.Load(), nil
		})
	}()

	require.Eventually(t, func() bool { return checks.Load() == 1 }, time.Second, time.Millisecond)

	ready.Store(true)
	hub.Notify()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake")
	}
	assert.Equal(t, int32(2), checks.Load())
}

func TestWaiter_PollsWithoutNotify(t *testing.T) {
	w := waiter{hub: notify.New(), min: time.Millisecond, max: 5 * time.Millisecond, done: make(chan struct{})}

	var checks atomic.Int32
	err := w.until(context.Background(), func(context.Context) (bool, error) {
		return checks.Add(1) >= 5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(5), checks.Load())
}

func TestWaiter_Errors(t *testing.T) {
	never := func(context.Context) (bool, error) { return false, nil }

	t.Run("condition error", func(t *testing.T) {
		boom := errors.New("boom")
		w := waiter{hub: notify.New(), min: time.Millisecond, max: time.Millisecond, done: make(chan struct{})}
		err := w.until(context.Background(), func(context.Context) (bool, error) { return false, boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("context cancelled", func(t *testing.T) {
		w := waiter{hub: notify.New(), min: time.Millisecond, max: 10 * time.Millisecond, done: make(chan struct{})}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, w.until(ctx, never), context.DeadlineExceeded)
	})

	t.Run("stopped", func(t *testing.T) {
		stop := make(chan struct{})
		w := waiter{hub: notify.New(), min: time.Hour, max: time.Hour, done: stop}
		close(stop)
		assert.ErrorIs(t, w.until(context.Background(), never), ErrOrchestratorStopped)
	})
}
