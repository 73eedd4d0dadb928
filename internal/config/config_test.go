package config

import (
	"os"
	"path/filepath"
	"testing"
)

// ────────────────────────────────────────────────────────────────────────────
// Validate
// ────────────────────────────────────────────────────────────────────────────

func TestValidateRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("Validate on bare defaults should report missing credentials")
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := Defaults()
	cfg.GitHubToken = "ghp_test"
	cfg.GitHubRepository = "acme/widgets"
	cfg.HetznerToken = "hcloud-test"

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("Validate on a minimal valid config returned errors: %v", errs)
	}
}

func TestValidateRejectsOutOfRangeEndOfLife(t *testing.T) {
	cfg := Defaults()
	cfg.GitHubToken, cfg.GitHubRepository, cfg.HetznerToken = "a", "b/c", "d"
	cfg.EndOfLife = 60

	if errs := cfg.Validate(); len(errs) == 0 {
		t.Fatal("Validate should reject end_of_life=60")
	}
}

func TestValidateRejectsDuplicateStandbyGroup(t *testing.T) {
	cfg := Defaults()
	cfg.GitHubToken, cfg.GitHubRepository, cfg.HetznerToken = "a", "b/c", "d"
	cfg.StandbyRunners = []StandbyGroup{
		{Name: "g0", Count: 1},
		{Name: "g0", Count: 2},
	}

	if errs := cfg.Validate(); len(errs) == 0 {
		t.Fatal("Validate should reject a duplicate standby group name")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// applyEnv / applyOverrides
// ────────────────────────────────────────────────────────────────────────────

func TestApplyEnvFallsBackOnlyWhenEmpty(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "from-env")
	t.Setenv("GITHUB_REPOSITORY", "acme/from-env")
	t.Setenv("HETZNER_TOKEN", "hcloud-from-env")

	cfg := Config{GitHubToken: "from-file"}
	applyEnv(&cfg)

	if cfg.GitHubToken != "from-file" {
		t.Errorf("GitHubToken = %q, want unchanged %q", cfg.GitHubToken, "from-file")
	}
	if cfg.GitHubRepository != "acme/from-env" {
		t.Errorf("GitHubRepository = %q, want %q", cfg.GitHubRepository, "acme/from-env")
	}
	if cfg.HetznerToken != "hcloud-from-env" {
		t.Errorf("HetznerToken = %q, want %q", cfg.HetznerToken, "hcloud-from-env")
	}
}

func TestApplyOverridesWinOverFileAndEnv(t *testing.T) {
	cfg := Config{Workers: 10, LogLevel: "info"}
	applyOverrides(&cfg, Overrides{Workers: 25, LogLevel: "debug"})

	if cfg.Workers != 25 {
		t.Errorf("Workers = %d, want 25", cfg.Workers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Load — schema validation
// ────────────────────────────────────────────────────────────────────────────

func TestLoadRejectsSchemaViolation(t *testing.T) {
	path := writeTempConfig(t, `
config:
  end_of_life: 99
  github_token: x
  github_repository: a/b
  hetzner_token: y
`)
	if _, err := Load(path, Overrides{}); err == nil {
		t.Fatal("Load should reject end_of_life out of the schema's range")
	}
}

func TestLoadMergesDefaultsAndFile(t *testing.T) {
	path := writeTempConfig(t, `
config:
  github_token: ghp_test
  github_repository: acme/widgets
  hetzner_token: hcloud-test
  max_runners: 25
`)
	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MaxRunners != 25 {
		t.Errorf("MaxRunners = %d, want 25 (from file)", cfg.MaxRunners)
	}
	if cfg.EndOfLife != 50 {
		t.Errorf("EndOfLife = %d, want 50 (default, unset by file)", cfg.EndOfLife)
	}
}

func writeTempConfig(t *testing.T, yamlContent string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}
