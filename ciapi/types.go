// Package ciapi defines a provider-neutral interface over a CI platform's
// REST API: the subset of operations the controller needs to discover
// queued jobs, inspect self-hosted runners, and mint runner-registration
// tokens.
//
// The core interface is [Provider]. Platform-specific implementations live
// in this package and self-register via [Register]; the controller never
// imports a concrete provider type directly (e.g. [GitHubProvider]), only
// the name it passes to [Get].
package ciapi

import (
	"context"
	"time"
)

// JobStatus mirrors the three states the CI provider reports for a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
)

// Job is a single unit of CI work as observed at the provider. Job identity
// is the (RunID, JobID) pair, not JobID alone — job IDs are not guaranteed
// unique across runs on every provider.
type Job struct {
	RunID         int64
	JobID         int64
	WorkflowRunID int64
	Status        JobStatus
	Labels        []string
}

// RunnerStatus mirrors the two states the CI provider reports for a
// self-hosted runner. There is no "busy" status value — busy is a separate
// boolean the provider reports alongside status.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
)

// Runner is a self-hosted runner as registered at the CI provider. Name
// equals the owning server's name — that equality is the join key between
// the CI provider's view of the world and the cloud's.
//
// Runner carries no registration timestamp: GitHub's runner-listing API
// reports id/name/os/status/busy/labels only, with no created-at field, so
// there is nothing for a provider implementation to populate here. Callers
// that need a runner's age use the join key above against the owning
// model.Server's CreatedAt instead.
type Runner struct {
	ID     int64
	Name   string
	Status RunnerStatus
	Busy   bool
	Labels []string
}

// RegistrationToken is a short-lived credential a freshly bootstrapped
// server exchanges for runner registration. Tokens typically expire within
// the hour; callers should request one as late as possible in the
// bootstrap sequence.
type RegistrationToken struct {
	Token     string
	ExpiresAt time.Time
}

// RateLimit is a snapshot of the CI provider's REST rate-limit counters.
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Provider represents a CI platform (GitHub Actions, GitLab CI, etc.).
// All methods take the repository slug explicitly rather than binding one
// at construction time, since a single controller process may watch
// several repositories sharing one token.
type Provider interface {
	// Name returns the short identifier this provider registered under
	// (e.g. "github").
	Name() string

	// ListQueuedJobs returns jobs not yet claimed by a runner, newest
	// run first. Implementations should prefer conditional GETs so
	// repeated polling of an unchanged queue costs no rate-limit budget.
	ListQueuedJobs(ctx context.Context, repo string) ([]Job, error)

	// ListSelfHostedRunners returns every self-hosted runner registered
	// against repo, regardless of owning controller — callers filter by
	// name prefix to find controller-owned runners.
	ListSelfHostedRunners(ctx context.Context, repo string) ([]Runner, error)

	// CreateRegistrationToken mints a fresh token a runner process
	// exchanges for registration.
	CreateRegistrationToken(ctx context.Context, repo string) (RegistrationToken, error)

	// RemoveRunner unregisters a runner by its provider-assigned ID.
	// Removing a runner that is still busy is provider-defined behavior;
	// callers must not call this for a busy runner.
	RemoveRunner(ctx context.Context, repo string, runnerID int64) error

	// RateLimit reports the provider's current REST rate-limit counters.
	RateLimit(ctx context.Context) (RateLimit, error)
}
