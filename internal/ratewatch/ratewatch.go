// Package ratewatch samples the CI provider's rate-limit counters on a
// fixed interval and exposes the result to the rest of the system through
// a gauge and an in-memory snapshot. Scale-up and scale-down consult it
// opportunistically; hard enforcement is left to the CI client's
// conditional-GET cache.
package ratewatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pylonhq/fleetrunner/ciapi"
	"github.com/pylonhq/fleetrunner/internal/metrics"
)

// DefaultInterval is how often the CI provider's rate limit is sampled.
const DefaultInterval = 60 * time.Second

// Watcher polls a ciapi.Provider's RateLimit on Interval and keeps the
// most recent reading available via Snapshot.
type Watcher struct {
	provider ciapi.Provider
	interval time.Duration
	logger   *zap.SugaredLogger

	mu   sync.RWMutex
	last ciapi.RateLimit
	seen bool
}

func New(provider ciapi.Provider, interval time.Duration, logger *zap.SugaredLogger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{provider: provider, interval: interval, logger: logger}
}

// Snapshot returns the most recently observed rate limit and whether any
// sample has succeeded yet.
func (w *Watcher) Snapshot() (ciapi.RateLimit, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last, w.seen
}

// Run polls until ctx is canceled. A failed sample is logged and does not
// reset the last-known snapshot — callers fall back to stale data rather
// than no data across a transient CI outage.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

func (w *Watcher) sample(ctx context.Context) {
	rl, err := w.provider.RateLimit(ctx)
	if err != nil {
		w.logger.Warnw("sampling CI rate limit failed", "error", err)
		return
	}

	w.mu.Lock()
	w.last = rl
	w.seen = true
	w.mu.Unlock()

	metrics.CIRateLimitRemaining.Set(float64(rl.Remaining))
}
