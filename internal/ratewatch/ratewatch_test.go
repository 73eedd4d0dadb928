package ratewatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pylonhq/fleetrunner/ciapi"
)

var errTest = errors.New("ratewatch: test error")

// ────────────────────────────────────────────────────────────────────────────
// Snapshot
// ────────────────────────────────────────────────────────────────────────────

func TestSnapshotUnsetBeforeFirstSample(t *testing.T) {
	w := New(ciapi.NewFakeProvider("fake"), time.Hour, zaptest.NewLogger(t).Sugar())

	if _, ok := w.Snapshot(); ok {
		t.Error("Snapshot should report no data before Run has sampled")
	}
}

func TestRunPopulatesSnapshot(t *testing.T) {
	fake := ciapi.NewFakeProvider("fake")
	fake.RateLimitValue = ciapi.RateLimit{Limit: 5000, Remaining: 4999}
	w := New(fake, 10*time.Millisecond, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	rl, ok := w.Snapshot()
	if !ok {
		t.Fatal("Snapshot should report data after Run samples at least once")
	}
	if rl.Remaining != 4999 {
		t.Errorf("Remaining = %d, want 4999", rl.Remaining)
	}
}

func TestRunKeepsLastSnapshotOnSampleError(t *testing.T) {
	fake := ciapi.NewFakeProvider("fake")
	fake.RateLimitValue = ciapi.RateLimit{Remaining: 100}
	w := New(fake, 10*time.Millisecond, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	w.Run(ctx)
	cancel()

	fake.Err = errTest

	ctx2, cancel2 := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel2()
	w.Run(ctx2)

	rl, ok := w.Snapshot()
	if !ok || rl.Remaining != 100 {
		t.Errorf("Snapshot = %+v, %v, want the last successful sample to survive a failed one", rl, ok)
	}
}
