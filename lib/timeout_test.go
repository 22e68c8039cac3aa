package lib

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDoWorkWithTimeout(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(ctx context.Context) (int, error)
		timeout time.Duration
		want    int
		wantErr error
	}{
		{
			name: "Function completes before timeout",
			fn: func(ctx context.Context) (int, error) {
				return 1 + 2, nil
			},
			timeout: 1 * time.Second,
			want:    3,
		},
		{
			name: "Function completes after timeout",
			fn: func(ctx context.Context) (int, error) {
				time.Sleep(500 * time.Millisecond)
				return 3, nil
			},
			timeout: 50 * time.Millisecond,
			want:    0,
			wantErr: TimeoutError,
		},
		{
			name: "Function error is returned",
			fn: func(ctx context.Context) (int, error) {
				return 0, errors.New("boom")
			},
			timeout: 1 * time.Second,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DoWorkWithTimeout(context.Background(), tt.timeout, tt.fn)
			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, IsTimeout(err))
			}
		})
	}
}

func TestDoWorkWithTimeoutParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DoWorkWithTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, TimeoutError))
}

func TestRunWithTimeout(t *testing.T) {
	err := RunWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, TimeoutError)

	err = RunWithTimeout(context.Background(), 0, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestDoWorkWithTimeoutReleaseLateValue(t *testing.T) {
	released := make(chan int, 1)
	_, err := DoWorkWithTimeoutRelease(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		time.Sleep(100 * time.Millisecond)
		return 7, nil
	}, func(v int) { released <- v })
	assert.ErrorIs(t, err, TimeoutError)

	select {
	case v := <-released:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("late value was never released")
	}
}

func TestDoWorkWithTimeoutReleaseSkipsErrors(t *testing.T) {
	var calls atomic.Int32
	_, err := DoWorkWithTimeoutRelease(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		time.Sleep(60 * time.Millisecond)
		return 0, errors.New("boom")
	}, func(int) { calls.Add(1) })
	assert.ErrorIs(t, err, TimeoutError)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestDoWorkWithTimeoutReleaseOnTime(t *testing.T) {
	var calls atomic.Int32
	got, err := DoWorkWithTimeoutRelease(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 3, nil
	}, func(int) { calls.Add(1) })
	assert.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Zero(t, calls.Load(), "values returned in time belong to the caller")
}

func TestDoWorkWithTimeoutDrain(t *testing.T) {
	var cleaned atomic.Bool
	_, err := DoWorkWithTimeoutDrain(context.Background(), 20*time.Millisecond, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		cleaned.Store(true)
		return 0, ctx.Err()
	})
	assert.True(t, IsTimeout(err))
	assert.True(t, cleaned.Load(), "drain must wait for the cleanup to finish")
}

func TestDoWorkWithTimeoutDrainGivesUp(t *testing.T) {
	start := time.Now()
	_, err := DoWorkWithTimeoutDrain(context.Background(), 20*time.Millisecond, 50*time.Millisecond, func(ctx context.Context) (int, error) {
		time.Sleep(time.Second)
		return 0, nil
	})
	assert.ErrorIs(t, err, TimeoutError)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
