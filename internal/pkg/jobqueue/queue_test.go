package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueDefaults(t *testing.T) {
	tests := []struct {
		name            string
		workers, size   int
		expectedWorkers int
		expectedSize    int
	}{
		{"Valid values", 5, 10, 5, 10},
		{"Zero values", 0, 0, DefaultWorkers, DefaultQueueSize},
		{"Negative values", -1, -1, DefaultWorkers, DefaultQueueSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(tt.workers, tt.size, 0, nil)
			assert.Equal(t, tt.expectedWorkers, q.workers)
			assert.Equal(t, tt.expectedSize, cap(q.jobs))
			assert.Equal(t, DefaultJobTimeout, q.timeout)
			assert.False(t, q.IsRunning())
		})
	}
}

func TestEnqueueRunsJob(t *testing.T) {
	q := NewQueue(2, 4, time.Second, nil)
	q.Start()

	done := make(chan struct{})
	_, err := q.Enqueue("test", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int64(1), q.GetStats().Completed)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1, 1, time.Second, nil)
	q.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := q.Enqueue("block", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	_, err = q.Enqueue("queued", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	_, err = q.Enqueue("overflow", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, q.Stop(context.Background()))
	stats := q.GetStats()
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestJobTimeout(t *testing.T) {
	q := NewQueue(1, 1, 20*time.Millisecond, nil)
	q.Start()

	errCh := make(chan error, 1)
	_, err := q.Enqueue("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	})
	require.NoError(t, err)

	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int64(1), q.GetStats().Failed)
}

func TestStopDrainsQueue(t *testing.T) {
	q := NewQueue(1, 10, time.Second, nil)
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("drain", func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int32(5), ran.Load())

	_, err := q.Enqueue("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPanicIsContained(t *testing.T) {
	q := NewQueue(1, 2, time.Second, nil)
	q.Start()

	_, err := q.Enqueue("panic", func(ctx context.Context) error { panic("boom") })
	require.NoError(t, err)
	_, err = q.Enqueue("after", func(ctx context.Context) error { return errors.New("plain failure") })
	require.NoError(t, err)

	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, int64(2), q.GetStats().Failed)
}
