package scaleup

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"

	"github.com/pylonhq/fleetrunner/ciapi"
	"github.com/pylonhq/fleetrunner/internal/bootstrap"
	"github.com/pylonhq/fleetrunner/internal/cloud"
	"github.com/pylonhq/fleetrunner/internal/config"
	"github.com/pylonhq/fleetrunner/internal/labels"
	"github.com/pylonhq/fleetrunner/internal/mailbox"
	"github.com/pylonhq/fleetrunner/internal/model"
	"github.com/pylonhq/fleetrunner/internal/namer"
	"github.com/pylonhq/fleetrunner/internal/workerpool"
)

// ────────────────────────────────────────────────────────────────────────────
// test harness
// ────────────────────────────────────────────────────────────────────────────

const testPrefix = "fr"

func seedCatalog(fc *cloud.FakeClient) {
	fc.Images = []cloud.Image{{Name: "ubuntu-22.04", Type: "system", Architecture: "x86"}}
	fc.ServerTypes = []cloud.ServerType{
		{Name: "cx22", Architecture: "x86"},
		{Name: "cpx21", Architecture: "x86"},
	}
	fc.Locations = []cloud.Location{{Name: "fsn1"}, {Name: "nbg1"}}
}

type harness struct {
	loop     *Loop
	cloud    *cloud.FakeClient
	provider *ciapi.FakeProvider
	box      *mailbox.Mailbox
	cfg      config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.GitHubRepository = "acme/widgets"
	cfg.LabelPrefix = ""
	cfg.MaxServerReadyTime = 1
	if mutate != nil {
		mutate(&cfg)
	}

	fc := cloud.NewFakeClient()
	seedCatalog(fc)
	fc.RunningImmediately = true

	provider := ciapi.NewFakeProvider("github")

	resolver := labels.New(fc, cfg.LabelPrefix, nil, labels.Defaults{
		Image:      cfg.DefaultImage,
		ServerType: cfg.DefaultServerType,
		Location:   cfg.DefaultLocation,
	}, "", nil)

	n := namer.New(testPrefix)
	counter := namer.NewCounter(0)
	pool := workerpool.New(1)
	box := mailbox.New()
	driver := bootstrap.NewDriver(testSigner(t), zaptest.NewLogger(t).Sugar())

	loop := New(cfg, fc, provider, resolver, n, counter, pool, box, driver, zaptest.NewLogger(t).Sugar())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	return &harness{loop: loop, cloud: fc, provider: provider, box: box, cfg: cfg}
}

// recyclableServer builds a powered-off recycle-role server carrying the
// same RunnerLabelsHash a real createTask would have written for this
// (serverType, location, image) tuple with no attached SSH keys — the test
// harness's resolver is built with a nil key set, so every spec it resolves
// fingerprints the same way.
func recyclableServer(cloudID int64, serverType, location, image string, createdAt time.Time) model.Server {
	fingerprint := labels.Fingerprint(model.RunnerSpec{ServerType: serverType, Location: location, Image: image})
	return model.Server{
		Name:       namer.New(testPrefix).Recycle(cloudID),
		CloudID:    cloudID,
		Status:     model.ServerOff,
		ServerType: serverType,
		Location:   location,
		Image:      image,
		CreatedAt:  createdAt,
		Labels:     model.ServerLabels{Role: model.RoleRecycle, Prefix: testPrefix, RunnerLabelsHash: fingerprint},
	}
}

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test rsa key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("building ssh signer: %v", err)
	}
	return signer
}

func testEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition did not become true within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// filtering and skip paths
// ────────────────────────────────────────────────────────────────────────────

func TestTickSkipsJobsMissingRequiredLabels(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.WithLabel = []string{"self-hosted"} })
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: []string{"other"}}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.cloud.Servers) != 0 {
		t.Errorf("expected no servers created for job missing required label, got %d", len(h.cloud.Servers))
	}
}

func TestTickSkipsJobAtWorkflowRunCap(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.WithLabel = nil
		c.MaxRunnersInWorkflowRun = 1
	})
	h.cloud.Servers[1] = model.Server{
		Name:    namer.New(testPrefix).Active(5, 1),
		CloudID: 1,
		Status:  model.ServerRunning,
		Labels:  model.ServerLabels{Role: model.RoleActive, Prefix: testPrefix},
	}
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 5, JobID: 2, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.cloud.Servers) != 1 {
		t.Errorf("expected the workflow-run cap to block a second server, got %d servers", len(h.cloud.Servers))
	}
}

func TestTickSkipsJobWithExistingActiveServer(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.WithLabel = nil })
	name := namer.New(testPrefix).Active(5, 1)
	h.cloud.Servers[1] = model.Server{Name: name, CloudID: 1, Status: model.ServerRunning,
		Labels: model.ServerLabels{Role: model.RoleActive, Prefix: testPrefix}}
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 5, JobID: 1, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.cloud.Servers) != 1 {
		t.Errorf("expected no new server when the active name already exists, got %d servers", len(h.cloud.Servers))
	}
}

func TestTickSkipsJobWhenLabelResolutionFails(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.WithLabel = nil })
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: []string{"type-does-not-exist"}}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.cloud.Servers) != 0 {
		t.Errorf("expected no server for an unresolvable label set, got %d servers", len(h.cloud.Servers))
	}
}

// ────────────────────────────────────────────────────────────────────────────
// capacity: recycle match vs. price-based eviction
// ────────────────────────────────────────────────────────────────────────────

func TestTickRecyclesMatchingServerInsteadOfEvicting(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.WithLabel = nil
		c.MaxRunners = 1
	})

	candidate := recyclableServer(9, h.cfg.DefaultServerType, "", "ubuntu-22.04", time.Now())
	h.cloud.Servers[9] = candidate
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	wantName := namer.New(testPrefix).Active(1, 1)
	testEventually(t, 3*time.Second, func() bool {
		s, ok := h.cloud.Servers[9]
		return ok && s.Name == wantName
	})
}

func TestTickEvictsLowestUnusedBudgetWhenNoMatch(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.WithLabel = nil
		c.MaxRunners = 2
		c.DeleteRandom = false
	})

	h.cloud.Prices = map[string]map[string]float64{
		"cpx21": {"fsn1": 0.012},
		"cx22":  {"fsn1": 0.006},
	}

	r1Created := time.Now().Add(-20 * time.Minute)
	r2Created := time.Now().Add(-40 * time.Minute)
	h.cloud.Servers[1] = recyclableServer(1, "cpx21", "fsn1", "debian-12", r1Created)
	h.cloud.Servers[2] = recyclableServer(2, "cx22", "fsn1", "debian-12", r2Created)

	// The queued job resolves to the configured defaults (server type
	// cx22, image ubuntu-22.04), which matches neither recyclable
	// candidate's image, so eviction must run rather than a recycle match.
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if _, ok := h.cloud.Servers[2]; ok {
		t.Errorf("expected server 2 (lower unused budget) to be evicted")
	}
	if _, ok := h.cloud.Servers[1]; !ok {
		t.Errorf("expected server 1 (higher unused budget) to survive eviction")
	}
}

func TestTickSkipsJobWhenAtCapWithNothingToEvict(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.WithLabel = nil
		c.MaxRunners = 1
	})
	h.cloud.Servers[1] = model.Server{
		Name: namer.New(testPrefix).Active(9, 9), CloudID: 1, Status: model.ServerRunning,
		Labels: model.ServerLabels{Role: model.RoleActive, Prefix: testPrefix},
	}
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.cloud.Servers) != 1 {
		t.Errorf("expected the job to be skipped with no recyclable candidates, got %d servers", len(h.cloud.Servers))
	}
}

// ────────────────────────────────────────────────────────────────────────────
// max_runners_for_label
// ────────────────────────────────────────────────────────────────────────────

func TestTickEnforcesMaxRunnersForLabel(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.WithLabel = nil
		c.MaxRunners = 10
		c.MaxRunnersForLabel = []config.LabelCap{{Labels: nil, Max: 1}}
	})

	defaultFingerprint := labels.Fingerprint(model.RunnerSpec{
		ServerType: h.cfg.DefaultServerType,
		Location:   h.cfg.DefaultLocation,
		Image:      "ubuntu-22.04",
	})
	h.cloud.Servers[1] = model.Server{
		Name:    namer.New(testPrefix).Active(9, 9),
		CloudID: 1,
		Status:  model.ServerRunning,
		Labels:  model.ServerLabels{Role: model.RoleActive, Prefix: testPrefix, RunnerLabelsHash: defaultFingerprint},
	}
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.cloud.Servers) != 1 {
		t.Errorf("expected the per-label cap to block a second server, got %d servers", len(h.cloud.Servers))
	}
}

func TestTickMaxRunnersForLabelDoesNotBlockDifferentLabelSet(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.WithLabel = nil
		c.MaxRunners = 10
		c.MaxRunnersForLabel = []config.LabelCap{{Labels: []string{"type-cpx21"}, Max: 1}}
	})

	defaultFingerprint := labels.Fingerprint(model.RunnerSpec{
		ServerType: h.cfg.DefaultServerType,
		Location:   h.cfg.DefaultLocation,
		Image:      "ubuntu-22.04",
	})
	h.cloud.Servers[1] = model.Server{
		Name:    namer.New(testPrefix).Active(9, 9),
		CloudID: 1,
		Status:  model.ServerRunning,
		Labels:  model.ServerLabels{Role: model.RoleActive, Prefix: testPrefix, RunnerLabelsHash: defaultFingerprint},
	}
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	wantName := namer.New(testPrefix).Active(1, 1)
	testEventually(t, 3*time.Second, func() bool {
		for _, s := range h.cloud.Servers {
			if s.Name == wantName {
				return true
			}
		}
		return false
	})
}

// ────────────────────────────────────────────────────────────────────────────
// creation dispatch
// ────────────────────────────────────────────────────────────────────────────

func TestTickDispatchesCreationUnderCap(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.WithLabel = nil
		c.MaxRunners = 10
	})
	h.provider.QueuedJobs = []ciapi.Job{{RunID: 1, JobID: 1, Labels: nil}}

	if err := h.loop.Tick(t.Context()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	wantName := namer.New(testPrefix).Active(1, 1)
	testEventually(t, 3*time.Second, func() bool {
		for _, s := range h.cloud.Servers {
			if s.Name == wantName {
				return true
			}
		}
		return false
	})
}

func TestHasAllLabels(t *testing.T) {
	cases := []struct {
		name string
		have []string
		want []string
		ok   bool
	}{
		{"no requirement", []string{"a"}, nil, true},
		{"exact match", []string{"a", "b"}, []string{"a", "b"}, true},
		{"missing one", []string{"a"}, []string{"a", "b"}, false},
		{"empty have", nil, []string{"a"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hasAllLabels(tc.have, tc.want); got != tc.ok {
				t.Errorf("hasAllLabels(%v, %v) = %v, want %v", tc.have, tc.want, got, tc.ok)
			}
		})
	}
}
