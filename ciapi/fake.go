package ciapi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider backing control-loop tests. It
// holds no network state: callers seed QueuedJobs/Runners directly and
// inspect RemovedRunners/TokensIssued after exercising the code under
// test.
type FakeProvider struct {
	mu sync.Mutex

	NameValue string

	QueuedJobs []Job
	Runners    []Runner

	// TokenFunc, if set, is called by CreateRegistrationToken instead of
	// returning a canned token — useful for simulating expiry or errors.
	TokenFunc func() (RegistrationToken, error)

	RateLimitValue RateLimit

	RemovedRunners []int64
	TokensIssued   int

	// Err, if set, is returned by every method.
	Err error
}

var _ Provider = (*FakeProvider)(nil)

// NewFakeProvider returns a FakeProvider whose Name is name, with no
// seeded state. It is not added to the registry.
func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{NameValue: name}
}

func (f *FakeProvider) Name() string { return f.NameValue }

func (f *FakeProvider) ListQueuedJobs(ctx context.Context, repo string) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]Job, len(f.QueuedJobs))
	copy(out, f.QueuedJobs)
	return out, nil
}

func (f *FakeProvider) ListSelfHostedRunners(ctx context.Context, repo string) ([]Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]Runner, len(f.Runners))
	copy(out, f.Runners)
	return out, nil
}

func (f *FakeProvider) CreateRegistrationToken(ctx context.Context, repo string) (RegistrationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return RegistrationToken{}, f.Err
	}
	f.TokensIssued++
	if f.TokenFunc != nil {
		return f.TokenFunc()
	}
	return RegistrationToken{
		Token:     fmt.Sprintf("fake-token-%d", f.TokensIssued),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (f *FakeProvider) RemoveRunner(ctx context.Context, repo string, runnerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.RemovedRunners = append(f.RemovedRunners, runnerID)
	for i, r := range f.Runners {
		if r.ID == runnerID {
			f.Runners = append(f.Runners[:i], f.Runners[i+1:]...)
			break
		}
	}
	return nil
}

func (f *FakeProvider) RateLimit(ctx context.Context) (RateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return RateLimit{}, f.Err
	}
	return f.RateLimitValue, nil
}
