package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/tickrelay/errs"
	"github.com/coachpo/tickrelay/internal/driver"
)

func TestTryPublishDropsWhenFull(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.TryPublish(driver.Frame{Data: []byte("a")}))
	require.NoError(t, q.TryPublish(driver.Frame{Data: []byte("b")}))

	err := q.TryPublish(driver.Frame{Data: []byte("c")})
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.Equal(t, uint64(1), q.Dropped())
	require.Equal(t, uint64(2), q.Published())
	require.Equal(t, 2, q.Len())
}

func TestRunDrainsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(8)
	for _, s := range []string{"1", "2", "3"} {
		q.Publish(driver.Frame{Data: []byte(s)})
	}
	q.Close()
	require.Error(t, q.TryPublish(driver.Frame{Data: []byte("late")}))

	var got []string
	require.NoError(t, q.Run(context.Background(), func(f driver.Frame) {
		got = append(got, string(f.Data))
	}))
	require.Equal(t, []string{"1", "2", "3"}, got)
	require.Equal(t, uint64(1), q.Dropped())
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	seen := make(chan struct{}, 1)
	go func() {
		done <- q.Run(ctx, func(driver.Frame) { seen <- struct{}{} })
	}()

	q.Publish(driver.Frame{Data: []byte("x")})
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("frame not consumed")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
