package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────────────
// Submit
// ────────────────────────────────────────────────────────────────────────────

func TestSubmitRunsTaskAndReturnsResult(t *testing.T) {
	p := New(2)
	defer p.Shutdown(t.Context())

	done := p.Submit(func(ctx context.Context) error { return nil })
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("task returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not complete")
	}
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	p := New(1)
	defer p.Shutdown(t.Context())

	wantErr := errors.New("boom")
	done := p.Submit(func(ctx context.Context) error { return wantErr })

	if err := <-done; !errors.Is(err, wantErr) {
		t.Errorf("task returned %v, want %v", err, wantErr)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := New(size)
	defer p.Shutdown(t.Context())

	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})
	const tasks = 10

	results := make([]<-chan error, tasks)
	for i := 0; i < tasks; i++ {
		results[i] = p.Submit(func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, r := range results {
		<-r
	}

	if maxObserved > size {
		t.Errorf("observed %d tasks in flight at once, want at most %d", maxObserved, size)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Shutdown
// ────────────────────────────────────────────────────────────────────────────

func TestShutdownCancelsInFlightTaskContext(t *testing.T) {
	p := New(1)

	canceled := make(chan struct{})
	done := p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})

	go p.Shutdown(context.Background())

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("task context was not canceled by Shutdown")
	}
	<-done
}

func TestSubmitAfterShutdownFailsFast(t *testing.T) {
	p := New(1)
	p.Shutdown(t.Context())

	done := p.Submit(func(ctx context.Context) error { return nil })
	select {
	case err := <-done:
		if err == nil {
			t.Error("Submit after Shutdown should surface the pool's cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Submit after Shutdown should not block forever")
	}
}
