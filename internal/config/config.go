// Package config loads, merges, and validates the controller's
// configuration. A Config is built once at startup by merging CLI-flag
// overrides onto the parsed YAML file and environment-variable defaults,
// then treated as immutable for the process lifetime — reconfiguration
// requires a restart.
package config

import (
	"fmt"
	"os"
	"time"
)

// StandbyGroup is one configured pool of pre-provisioned, already-
// registered runners kept warm for a label set.
type StandbyGroup struct {
	Name                 string   `yaml:"name"`
	Labels               []string `yaml:"labels"`
	Count                int      `yaml:"count"`
	ReplenishImmediately bool     `yaml:"replenish_immediately"`
}

// LabelCap is a per-label-set cap on concurrently owned servers.
type LabelCap struct {
	Labels []string `yaml:"labels"`
	Max    int      `yaml:"max"`
}

// Config is the merged, validated, immutable configuration for one
// process lifetime.
type Config struct {
	GitHubToken      string `yaml:"github_token"`
	GitHubRepository string `yaml:"github_repository"`
	HetznerToken     string `yaml:"hetzner_token"`

	SSHKey            string   `yaml:"ssh_key"`
	AdditionalSSHKeys []string `yaml:"additional_ssh_keys"`

	WithLabel   []string            `yaml:"with_label"`
	LabelPrefix string              `yaml:"label_prefix"`
	MetaLabel   map[string][]string `yaml:"meta_label"`

	Recycle      bool `yaml:"recycle"`
	EndOfLife    int  `yaml:"end_of_life"`
	DeleteRandom bool `yaml:"delete_random"`

	MaxRunners              int        `yaml:"max_runners"`
	MaxRunnersForLabel      []LabelCap `yaml:"max_runners_for_label"`
	MaxRunnersInWorkflowRun int        `yaml:"max_runners_in_workflow_run"`

	DefaultImage      string `yaml:"default_image"`
	DefaultServerType string `yaml:"default_server_type"`
	DefaultLocation   string `yaml:"default_location"`

	Workers int    `yaml:"workers"`
	Scripts string `yaml:"scripts"`

	MaxPoweredOffTime         int `yaml:"max_powered_off_time"`
	MaxUnusedRunnerTime       int `yaml:"max_unused_runner_time"`
	MaxRunnerRegistrationTime int `yaml:"max_runner_registration_time"`
	MaxServerReadyTime        int `yaml:"max_server_ready_time"`

	ScaleUpInterval   int `yaml:"scale_up_interval"`
	ScaleDownInterval int `yaml:"scale_down_interval"`

	StandbyRunners []StandbyGroup `yaml:"standby_runners"`

	LogLevel string `yaml:"log_level"`
}

// document is the top-level YAML shape: everything lives under the
// "config" key.
type document struct {
	Config Config `yaml:"config"`
}

// Defaults returns a Config pre-populated with every documented default,
// before env vars, file contents, or flag overrides are applied.
func Defaults() Config {
	return Config{
		SSHKey:                    "~/.ssh/id_rsa.pub",
		WithLabel:                 []string{"self-hosted"},
		Recycle:                   true,
		EndOfLife:                 50,
		MaxRunners:                10,
		DefaultImage:              "x86:system:ubuntu-22.04",
		DefaultServerType:         "cx22",
		Workers:                   10,
		MaxPoweredOffTime:         60,
		MaxUnusedRunnerTime:       120,
		MaxRunnerRegistrationTime: 120,
		MaxServerReadyTime:        120,
		ScaleUpInterval:           15,
		ScaleDownInterval:         15,
		LogLevel:                  "info",
	}
}

// applyEnv fills credential fields still empty after file parsing from the
// three documented environment-variable fallbacks.
func applyEnv(cfg *Config) {
	if cfg.GitHubToken == "" {
		cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	}
	if cfg.GitHubRepository == "" {
		cfg.GitHubRepository = os.Getenv("GITHUB_REPOSITORY")
	}
	if cfg.HetznerToken == "" {
		cfg.HetznerToken = os.Getenv("HETZNER_TOKEN")
	}
}

// Overrides carries CLI-flag values that win over both the file and the
// environment when set. A zero value means "not passed on the command
// line" for every field here; the zero value for these fields is never a
// meaningful override, so there is no separate "was this flag set" bit to
// track.
type Overrides struct {
	GitHubToken      string
	GitHubRepository string
	HetznerToken     string
	LogLevel         string
	Workers          int
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.GitHubToken != "" {
		cfg.GitHubToken = o.GitHubToken
	}
	if o.GitHubRepository != "" {
		cfg.GitHubRepository = o.GitHubRepository
	}
	if o.HetznerToken != "" {
		cfg.HetznerToken = o.HetznerToken
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.Workers != 0 {
		cfg.Workers = o.Workers
	}
}

// ScaleUpTick and ScaleDownTick convert the configured intervals (in
// seconds) to time.Duration for the loops to sleep on.
func (c Config) ScaleUpTick() time.Duration   { return time.Duration(c.ScaleUpInterval) * time.Second }
func (c Config) ScaleDownTick() time.Duration { return time.Duration(c.ScaleDownInterval) * time.Second }

// Validate checks the cross-field invariants a JSON Schema pass cannot
// express: credentials present, numeric ranges sane, standby group names
// unique. Load calls it, and the CLI's run command also calls it
// standalone on the loaded Config.
func (c Config) Validate() []error {
	var errs []error

	if c.GitHubToken == "" {
		errs = append(errs, fmt.Errorf("github_token is required (set config.github_token or $GITHUB_TOKEN)"))
	}
	if c.GitHubRepository == "" {
		errs = append(errs, fmt.Errorf("github_repository is required (set config.github_repository or $GITHUB_REPOSITORY)"))
	}
	if c.HetznerToken == "" {
		errs = append(errs, fmt.Errorf("hetzner_token is required (set config.hetzner_token or $HETZNER_TOKEN)"))
	}
	if c.EndOfLife < 1 || c.EndOfLife > 59 {
		errs = append(errs, fmt.Errorf("end_of_life must be in [1, 59], got %d", c.EndOfLife))
	}
	if c.MaxRunners < 1 {
		errs = append(errs, fmt.Errorf("max_runners must be >= 1, got %d", c.MaxRunners))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}

	seen := map[string]bool{}
	for _, g := range c.StandbyRunners {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("standby_runners entry missing a name"))
			continue
		}
		if seen[g.Name] {
			errs = append(errs, fmt.Errorf("standby_runners group %q declared more than once", g.Name))
		}
		seen[g.Name] = true
		if g.Count < 0 {
			errs = append(errs, fmt.Errorf("standby_runners group %q has negative count %d", g.Name, g.Count))
		}
	}

	return errs
}
