package ciapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-github/v71/github"
	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

func init() {
	Register("github", newGitHubProvider)
}

// GitHubProvider implements Provider against the GitHub REST API.
type GitHubProvider struct {
	client *github.Client
}

var _ Provider = (*GitHubProvider)(nil)

func newGitHubProvider(cfg Config) (Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("ciapi: github provider requires a token")
	}

	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	var cache httpcache.Cache
	if cfg.CacheDir != "" {
		cache = diskcache.New(cfg.CacheDir)
	} else {
		cache = httpcache.NewMemoryCache()
	}

	httpClient := &http.Client{
		Transport: &httpcache.Transport{
			Transport:           base,
			Cache:               cache,
			MarkCachedResponses: true,
		},
	}

	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		apiURL := apiBaseURL(cfg.BaseURL)
		enterprise, err := client.WithEnterpriseURLs(apiURL, apiURL)
		if err != nil {
			return nil, fmt.Errorf("ciapi: configuring enterprise base URL %q: %w", cfg.BaseURL, err)
		}
		client = enterprise
	}

	return &GitHubProvider{client: client}, nil
}

// apiBaseURL derives the REST API base from a GitHub host URL. For
// github.com it returns the api.github.com host; for GitHub Enterprise
// Server ("https://git.corp.com") it returns the /api/v3 prefixed URL.
func apiBaseURL(hostURL string) string {
	hostURL = strings.TrimRight(hostURL, "/")
	if hostURL == "" || hostURL == "https://github.com" {
		return "https://api.github.com/"
	}
	return hostURL + "/api/v3/"
}

func (p *GitHubProvider) Name() string { return "github" }

// ListQueuedJobs walks queued and in-progress workflow runs and returns the
// jobs among them that have not yet been picked up by a runner. GitHub has
// no single "list queued jobs" endpoint; a run can be in_progress overall
// while still carrying queued jobs (e.g. a matrix with some legs not yet
// scheduled), so both run states are scanned.
func (p *GitHubProvider) ListQueuedJobs(ctx context.Context, repo string) ([]Job, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for _, status := range []string{"queued", "in_progress"} {
		opts := &github.ListWorkflowRunsOptions{
			Status:      status,
			ListOptions: github.ListOptions{PerPage: 100},
		}
		runs, _, err := p.client.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("ciapi: listing %s workflow runs for %s: %w", status, repo, err)
		}

		for _, run := range runs.WorkflowRuns {
			runJobs, _, err := p.client.Actions.ListWorkflowJobs(ctx, owner, name, run.GetID(), &github.ListWorkflowJobsOptions{
				Filter:      "latest",
				ListOptions: github.ListOptions{PerPage: 100},
			})
			if err != nil {
				return nil, fmt.Errorf("ciapi: listing jobs for run %d: %w", run.GetID(), err)
			}
			for _, j := range runJobs.Jobs {
				if j.GetStatus() != "queued" {
					continue
				}
				jobs = append(jobs, Job{
					RunID:         run.GetID(),
					JobID:         j.GetID(),
					WorkflowRunID: run.GetID(),
					Status:        JobQueued,
					Labels:        j.Labels,
				})
			}
		}
	}
	// The two status scans each list runs newest first; merge them so the
	// whole result is newest run first, as Provider documents.
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunID > jobs[j].RunID })
	return jobs, nil
}

func (p *GitHubProvider) ListSelfHostedRunners(ctx context.Context, repo string) ([]Runner, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var runners []Runner
	opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		page, resp, err := p.client.Actions.ListRunners(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("ciapi: listing self-hosted runners for %s: %w", repo, err)
		}
		for _, r := range page.Runners {
			status := RunnerOffline
			if r.GetStatus() == "online" {
				status = RunnerOnline
			}
			labels := make([]string, 0, len(r.Labels))
			for _, l := range r.Labels {
				labels = append(labels, l.GetName())
			}
			runners = append(runners, Runner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Status: status,
				Busy:   r.GetBusy(),
				Labels: labels,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runners, nil
}

func (p *GitHubProvider) CreateRegistrationToken(ctx context.Context, repo string) (RegistrationToken, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return RegistrationToken{}, err
	}

	tok, _, err := p.client.Actions.CreateRegistrationToken(ctx, owner, name)
	if err != nil {
		return RegistrationToken{}, fmt.Errorf("ciapi: creating registration token for %s: %w", repo, err)
	}
	return RegistrationToken{
		Token:     tok.GetToken(),
		ExpiresAt: tok.GetExpiresAt().Time,
	}, nil
}

func (p *GitHubProvider) RemoveRunner(ctx context.Context, repo string, runnerID int64) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	if _, err := p.client.Actions.RemoveRunner(ctx, owner, name, runnerID); err != nil {
		return fmt.Errorf("ciapi: removing runner %d from %s: %w", runnerID, repo, err)
	}
	return nil
}

func (p *GitHubProvider) RateLimit(ctx context.Context) (RateLimit, error) {
	limits, _, err := p.client.RateLimit.Get(ctx)
	if err != nil {
		return RateLimit{}, fmt.Errorf("ciapi: fetching rate limit: %w", err)
	}
	core := limits.GetCore()
	return RateLimit{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetAt:   core.Reset.Time,
	}, nil
}
