package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	reconciles, sweeps atomic.Int32
	err                error
}

func (f *fakeSweeper) Reconcile(context.Context) (int, error) {
	f.reconciles.Add(1)
	return 1, f.err
}

func (f *fakeSweeper) SweepStuckBatches(context.Context) (int, error) {
	f.sweeps.Add(1)
	return 0, nil
}

type fakeQueue struct{ runs atomic.Int32 }

func (f *fakeQueue) ProcessPending(context.Context) (int, error) {
	f.runs.Add(1)
	return 0, nil
}

func TestTickerServiceRunsImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int32
	svc := NewTickerService("test", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("ignored")
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "test", svc.String())
}

func TestSweepServiceRunsBothSteps(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("lidarr down")}
	svc := NewSweepService(sw, time.Hour)
	err := svc.run(context.Background())
	assert.ErrorContains(t, err, "lidarr down")
	assert.EqualValues(t, 1, sw.reconciles.Load())
	assert.EqualValues(t, 1, sw.sweeps.Load(), "sweep runs even when reconcile fails")
}

func TestSupervisorServesUntilCancelled(t *testing.T) {
	q := &fakeQueue{}
	sup := New(Config{ShutdownTimeout: time.Second})
	sup.Add(NewScanService(q, 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Serve(ctx) }()

	require.Eventually(t, func() bool { return q.runs.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestHTTPServiceShutsDown(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("http service did not stop")
	}
}
