package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunLayer_Empty(t *testing.T) {
	err := RunLayer(context.Background(), "bronze", discard(), []int(nil), 4,
		func(context.Context, int) error {
			t.Fatal("task must not run for an empty layer")

			return nil
		})
	require.NoError(t, err)
}

func TestRunLayer_AllTasksRun(t *testing.T) {
	var ran atomic.Int32

	err := RunLayer(context.Background(), "bronze", discard(), []int{1, 2, 3, 4, 5}, 2,
		func(_ context.Context, _ int) error {
			ran.Add(1)

			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(5), ran.Load())
}

func TestRunLayer_BoundedConcurrency(t *testing.T) {
	var current, peak atomic.Int32

	err := RunLayer(context.Background(), "silver", discard(), []int{1, 2, 3, 4, 5, 6}, 2,
		func(_ context.Context, _ int) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(10 * time.Millisecond)
			current.Add(-1)

			return nil
		})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunLayer_FailFastWithoutCancellingSiblings(t *testing.T) {
	boom := errors.New("dataset 2 exploded")

	var completed atomic.Int32

	err := RunLayer(context.Background(), "gold", discard(), []int{1, 2, 3}, 3,
		func(_ context.Context, n int) error {
			if n == 2 {
				return boom
			}

			time.Sleep(20 * time.Millisecond)
			completed.Add(1)

			return nil
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), completed.Load(), "siblings run to completion")
}

func TestRunLayer_ZeroWorkersClampedToOne(t *testing.T) {
	var ran atomic.Int32

	err := RunLayer(context.Background(), "bronze", discard(), []int{1, 2}, 0,
		func(_ context.Context, _ int) error {
			ran.Add(1)

			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(2), ran.Load())
}
