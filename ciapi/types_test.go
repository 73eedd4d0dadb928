package ciapi

import (
	"errors"
	"testing"
)

var errTest = errors.New("ciapi: test error")

// ────────────────────────────────────────────────────────────────────────────
// splitRepo
// ────────────────────────────────────────────────────────────────────────────

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		name      string
		repo      string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{"valid slug", "acme/widgets", "acme", "widgets", false},
		{"missing slash", "widgets", "", "", true},
		{"empty owner", "/widgets", "", "", true},
		{"empty name", "acme/", "", "", true},
		{"empty string", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, name, err := splitRepo(tt.repo)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("splitRepo(%q) should return error", tt.repo)
				}
				return
			}
			if err != nil {
				t.Fatalf("splitRepo(%q) returned error: %v", tt.repo, err)
			}
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("splitRepo(%q) = (%q, %q), want (%q, %q)", tt.repo, owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}

// ────────────────────────────────────────────────────────────────────────────
// FakeProvider — exercises the Provider contract the way the real
// implementations satisfy it
// ────────────────────────────────────────────────────────────────────────────

func TestFakeProviderRoundTrip(t *testing.T) {
	fp := NewFakeProvider("fake")
	fp.QueuedJobs = []Job{{RunID: 1, JobID: 10, Status: JobQueued, Labels: []string{"self-hosted"}}}
	fp.Runners = []Runner{{ID: 100, Name: "runner-a", Status: RunnerOnline}}

	ctx := t.Context()

	jobs, err := fp.ListQueuedJobs(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("ListQueuedJobs returned error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != 10 {
		t.Errorf("ListQueuedJobs = %+v, want one job with ID 10", jobs)
	}

	runners, err := fp.ListSelfHostedRunners(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("ListSelfHostedRunners returned error: %v", err)
	}
	if len(runners) != 1 || runners[0].Name != "runner-a" {
		t.Errorf("ListSelfHostedRunners = %+v, want one runner named runner-a", runners)
	}

	tok, err := fp.CreateRegistrationToken(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("CreateRegistrationToken returned error: %v", err)
	}
	if tok.Token == "" {
		t.Error("CreateRegistrationToken returned an empty token")
	}
	if fp.TokensIssued != 1 {
		t.Errorf("TokensIssued = %d, want 1", fp.TokensIssued)
	}

	if err := fp.RemoveRunner(ctx, "acme/widgets", 100); err != nil {
		t.Fatalf("RemoveRunner returned error: %v", err)
	}
	if len(fp.Runners) != 0 {
		t.Errorf("RemoveRunner left %d runners, want 0", len(fp.Runners))
	}
	if len(fp.RemovedRunners) != 1 || fp.RemovedRunners[0] != 100 {
		t.Errorf("RemovedRunners = %v, want [100]", fp.RemovedRunners)
	}
}

func TestFakeProviderPropagatesErr(t *testing.T) {
	fp := NewFakeProvider("fake")
	fp.Err = errTest

	ctx := t.Context()
	if _, err := fp.ListQueuedJobs(ctx, "acme/widgets"); err != errTest {
		t.Errorf("ListQueuedJobs error = %v, want %v", err, errTest)
	}
	if _, err := fp.RateLimit(ctx); err != errTest {
		t.Errorf("RateLimit error = %v, want %v", err, errTest)
	}
}
