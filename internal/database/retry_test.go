package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"
)

// flakyStore fails GetBatch with the queued errors before delegating.
type flakyStore struct {
	Store
	errs  []error
	calls int
}

func (f *flakyStore) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.Store.GetBatch(ctx, id)
}

type countingPinger struct{ pings int }

func (p *countingPinger) Ping(context.Context) error {
	p.pings++
	return errors.New("still down")
}

func newTestRetryStore(inner Store, pinger Pinger) (*RetryStore, *[]time.Duration) {
	var slept []time.Duration
	r := NewRetryStore(inner, pinger)
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRetryStoreRetriesTransientErrors(t *testing.T) {
	db := openTestDB(t)
	b := createBatch(t, db, "alice")

	flaky := &flakyStore{Store: db, errs: []error{
		driver.ErrBadConn,
		fmt.Errorf("query: %w", errors.New("read tcp: connection reset by peer")),
	}}
	pinger := &countingPinger{}
	r, slept := newTestRetryStore(flaky, pinger)

	got, err := r.GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("unexpected batch %d", got.ID)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 calls, got %d", flaky.calls)
	}
	if pinger.pings != 2 {
		t.Errorf("expected a reconnect attempt per retry, got %d", pinger.pings)
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("unexpected backoff %v", *slept)
	}
}

func TestRetryStoreGivesUpAfterThreeAttempts(t *testing.T) {
	flaky := &flakyStore{errs: []error{
		errors.New("can't reach server"),
		errors.New("can't reach server"),
		errors.New("can't reach server"),
		errors.New("can't reach server"),
	}}
	r, _ := newTestRetryStore(flaky, nil)

	_, err := r.GetBatch(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestRetryStoreDoesNotRetryPermanentErrors(t *testing.T) {
	flaky := &flakyStore{errs: []error{ErrNotFound}}
	r, slept := newTestRetryStore(flaky, nil)

	_, err := r.GetBatch(context.Background(), 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if flaky.calls != 1 || len(*slept) != 0 {
		t.Errorf("permanent error should not be retried (calls=%d)", flaky.calls)
	}
}

func TestRetryStoreInTx(t *testing.T) {
	db := openTestDB(t)
	r, _ := newTestRetryStore(db, db)
	ctx := context.Background()

	err := r.InTx(ctx, func(s Store) error {
		return s.CreateBatch(ctx, &Batch{UserID: "alice", WeekStart: "2026-02-02", Status: BatchDownloading})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	batches, _ := r.ListBatches(ctx, "alice", 10)
	if len(batches) != 1 {
		t.Errorf("expected 1 batch, got %d", len(batches))
	}
}

func TestIsTransient(t *testing.T) {
	cases := map[error]bool{
		nil:                                 false,
		driver.ErrBadConn:                   true,
		errors.New("connection reset"):      true,
		errors.New("Can't reach server"):    true,
		errors.New("database is locked"):    true,
		errors.New("UNIQUE constraint"):     false,
		fmt.Errorf("wrap: %w", ErrNotFound): false,
	}
	for err, want := range cases {
		if got := IsTransient(err); got != want {
			t.Errorf("IsTransient(%v) = %v, want %v", err, got, want)
		}
	}
}
