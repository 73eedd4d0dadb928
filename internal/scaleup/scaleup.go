// Package scaleup implements the scale-up control loop: for every queued
// job it ensures a server with the deterministic active name exists,
// recycles a matching server, evicts one to make room, or skips the job
// until next tick, then drives the winning server through bootstrap.
package scaleup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pylonhq/fleetrunner/ciapi"
	"github.com/pylonhq/fleetrunner/internal/bootstrap"
	"github.com/pylonhq/fleetrunner/internal/cloud"
	"github.com/pylonhq/fleetrunner/internal/config"
	"github.com/pylonhq/fleetrunner/internal/labels"
	"github.com/pylonhq/fleetrunner/internal/mailbox"
	"github.com/pylonhq/fleetrunner/internal/metrics"
	"github.com/pylonhq/fleetrunner/internal/model"
	"github.com/pylonhq/fleetrunner/internal/namer"
	"github.com/pylonhq/fleetrunner/internal/recycle"
	"github.com/pylonhq/fleetrunner/internal/standby"
	"github.com/pylonhq/fleetrunner/internal/workerpool"
	"github.com/pylonhq/fleetrunner/internal/xerrors"
)

// Loop drives one scale-up tick: load queued jobs, derive specs, and
// dispatch per-server creation tasks to the worker pool.
type Loop struct {
	cfg       config.Config
	cloud     cloud.Client
	provider  ciapi.Provider
	resolver  *labels.Resolver
	namer     *namer.Namer
	counter   *namer.Counter
	pool      *workerpool.Pool
	box       *mailbox.Mailbox
	driver    *bootstrap.Driver
	logger    *zap.SugaredLogger
}

func New(cfg config.Config, c cloud.Client, provider ciapi.Provider, resolver *labels.Resolver, n *namer.Namer, counter *namer.Counter, pool *workerpool.Pool, box *mailbox.Mailbox, driver *bootstrap.Driver, logger *zap.SugaredLogger) *Loop {
	return &Loop{
		cfg:      cfg,
		cloud:    c,
		provider: provider,
		resolver: resolver,
		namer:    n,
		counter:  counter,
		pool:     pool,
		box:      box,
		driver:   driver,
		logger:   logger,
	}
}

// Run ticks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ScaleUpTick())
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			l.logger.Errorw("scale-up tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs exactly one iteration: a fresh cloud/CI snapshot, the recycle
// pool rebuilt from it, and one pass over queued jobs.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ScaleUpTickDuration.Observe(time.Since(start).Seconds()) }()

	ownedSelector := fmt.Sprintf("prefix=%s", l.namer.Prefix())
	servers, err := l.cloud.ListServers(ctx, ownedSelector)
	if err != nil {
		return fmt.Errorf("listing owned servers: %w", err)
	}
	byName := make(map[string]model.Server, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}

	recyclable := make([]model.Server, 0)
	for _, s := range servers {
		if role, _, ok := l.namer.ParseRole(s.Name); ok && role == namer.RoleRecycle && s.Status == model.ServerOff {
			recyclable = append(recyclable, s)
		}
	}
	pool := recycle.Build(recyclable)

	jobs, err := l.provider.ListQueuedJobs(ctx, l.cfg.GitHubRepository)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}

	inFlightPerRun := map[int64]int{}
	for _, s := range servers {
		if role, parsed, ok := l.namer.ParseRole(s.Name); ok && role == namer.RoleActive {
			inFlightPerRun[parsed.RunID]++
		}
	}

	ownedCount := len(servers)

	standbyAvailable := map[string][]model.Server{}
	for _, s := range servers {
		if s.Status != model.ServerRunning {
			continue
		}
		if role, parsed, ok := l.namer.ParseRole(s.Name); ok && role == namer.RoleStandby {
			standbyAvailable[parsed.Group] = append(standbyAvailable[parsed.Group], s)
		}
	}
	groupSpecs := map[string]model.RunnerSpec{}
	for _, g := range l.cfg.StandbyRunners {
		gSpec, err := l.resolver.Resolve(ctx, g.Labels)
		if err != nil {
			l.logger.Warnw("skipping standby group for promotion matching: label resolution failed", "group", g.Name, "error", err)
			continue
		}
		groupSpecs[g.Name] = gSpec
	}

	labelCaps := l.resolveLabelCaps(ctx)
	capCounts := map[string]int{}
	for _, s := range servers {
		if s.Labels.RunnerLabelsHash == "" {
			continue
		}
		for _, lc := range labelCaps {
			if s.Labels.RunnerLabelsHash == lc.fingerprint {
				capCounts[lc.fingerprint]++
			}
		}
	}

	for _, job := range jobs {
		if !hasAllLabels(job.Labels, l.cfg.WithLabel) {
			continue
		}
		if l.cfg.MaxRunnersInWorkflowRun > 0 && inFlightPerRun[job.RunID] >= l.cfg.MaxRunnersInWorkflowRun {
			continue
		}

		activeName := l.namer.Active(job.RunID, job.JobID)
		if _, exists := byName[activeName]; exists {
			continue
		}

		spec, err := l.resolver.Resolve(ctx, job.Labels)
		if err != nil {
			l.logger.Warnw("rejecting job: label resolution failed", "run_id", job.RunID, "job_id", job.JobID, "error", err)
			continue
		}

		if capped := labelCapReached(labelCaps, capCounts, spec.Fingerprint); capped {
			l.logger.Warnw("skipping job: max_runners_for_label cap reached", "run_id", job.RunID, "job_id", job.JobID)
			continue
		}

		if promoted := l.tryPromoteStandby(job, activeName, spec, groupSpecs, standbyAvailable); promoted {
			inFlightPerRun[job.RunID]++
			capCounts[spec.Fingerprint]++
			continue
		}

		if ownedCount < l.cfg.MaxRunners {
			ownedCount++
			inFlightPerRun[job.RunID]++
			capCounts[spec.Fingerprint]++
			l.submitCreate(job, activeName, spec)
			continue
		}

		if candidate, ok := pool.Match(spec); ok {
			pool.Remove(candidate.CloudID)
			inFlightPerRun[job.RunID]++
			capCounts[spec.Fingerprint]++
			l.submitRename(job, activeName, candidate, spec)
			continue
		}

		victim, err := recycle.Evict(pool, l.cfg.DeleteRandom, l.cloud.PricePerHour, func(s model.Server) int64 {
			return s.AgeSeconds(time.Now())
		})
		if err != nil {
			l.logger.Warnw("skipping job: at cap with no recyclable match and nothing to evict",
				"run_id", job.RunID, "job_id", job.JobID, "error", err)
			continue
		}
		if err := l.cloud.DeleteServer(ctx, victim.CloudID); err != nil {
			l.logger.Warnw("eviction delete failed", "server", victim.Name, "error", err)
			continue
		}
		metrics.ServersEvicted.Inc()
		inFlightPerRun[job.RunID]++
		capCounts[spec.Fingerprint]++
		l.submitCreate(job, activeName, spec)
	}

	return nil
}

// labelCapEntry is a max_runners_for_label entry resolved to the
// fingerprint its label set produces, so membership can be tested by exact
// fingerprint equality against the same hash every owned server and every
// job's resolved spec already carries.
type labelCapEntry struct {
	fingerprint string
	max         int
}

// resolveLabelCaps resolves every configured max_runners_for_label entry to
// a RunnerSpec fingerprint. An entry whose labels fail to resolve (an
// unknown server_type or image, say) is logged and skipped for this tick
// rather than failing the whole pass.
func (l *Loop) resolveLabelCaps(ctx context.Context) []labelCapEntry {
	caps := make([]labelCapEntry, 0, len(l.cfg.MaxRunnersForLabel))
	for _, lc := range l.cfg.MaxRunnersForLabel {
		spec, err := l.resolver.Resolve(ctx, lc.Labels)
		if err != nil {
			l.logger.Warnw("skipping max_runners_for_label entry: label resolution failed", "labels", lc.Labels, "error", err)
			continue
		}
		caps = append(caps, labelCapEntry{fingerprint: spec.Fingerprint, max: lc.Max})
	}
	return caps
}

// labelCapReached reports whether spec's fingerprint matches a configured
// cap whose bucket, per the running tick-local count, is already full. It
// enforces max_runners_for_label atomically within the tick: capCounts is
// seeded from the snapshot taken at the start of Tick and incremented as
// this loop commits to each job, so two jobs sharing a label set in the
// same tick cannot both slip past a cap of 1.
func labelCapReached(caps []labelCapEntry, capCounts map[string]int, fingerprint string) bool {
	for _, lc := range caps {
		if lc.fingerprint == fingerprint && capCounts[fingerprint] >= lc.max {
			return true
		}
	}
	return false
}

func hasAllLabels(have []string, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[l] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// tryPromoteStandby claims a warm standby server for job if a configured
// group's resolved spec matches, renaming it directly to the active name
// rather than creating or recycling. It consumes the candidate from
// standbyAvailable so a later job in the same tick cannot claim it twice.
func (l *Loop) tryPromoteStandby(job ciapi.Job, activeName string, spec model.RunnerSpec, groupSpecs map[string]model.RunnerSpec, standbyAvailable map[string][]model.Server) bool {
	fingerprint := func(s model.RunnerSpec) string {
		return labels.Fingerprint(s)
	}
	for _, g := range l.cfg.StandbyRunners {
		gSpec, ok := groupSpecs[g.Name]
		if !ok {
			continue
		}
		available := standbyAvailable[g.Name]
		if len(available) == 0 {
			continue
		}
		if !standby.PromotionCandidate(spec, standby.Group{Name: g.Name, Labels: g.Labels, Count: g.Count, ReplenishImmediately: g.ReplenishImmediately}, fingerprint, gSpec) {
			continue
		}
		candidate := available[0]
		standbyAvailable[g.Name] = available[1:]
		l.submitPromote(job, activeName, candidate)
		return true
	}
	return false
}

func (l *Loop) submitPromote(job ciapi.Job, name string, candidate model.Server) {
	l.pool.Submit(func(ctx context.Context) error {
		return l.promoteTask(ctx, job, name, candidate)
	})
}

// promoteTask renames an already-running, already-bootstrapped standby
// server into the active name. No rebuild or re-bootstrap runs: the
// server's runner is already registered and serving any label-compatible
// job regardless of the controller's naming, so the rename is bookkeeping
// that stops scale-down from reaping it as an idle standby.
func (l *Loop) promoteTask(ctx context.Context, job ciapi.Job, name string, candidate model.Server) error {
	if err := l.cloud.RenameServer(ctx, candidate.CloudID, name); err != nil {
		if errors.Is(err, cloud.ErrNameTaken) {
			return nil
		}
		return &xerrors.Transient{Err: fmt.Errorf("promoting standby server %s to %s: %w", candidate.Name, name, err)}
	}
	metrics.StandbyPromotions.Inc()
	l.box.Post(mailbox.Event{Kind: mailbox.ServerReady, ServerName: name})
	return nil
}

func (l *Loop) submitCreate(job ciapi.Job, name string, spec model.RunnerSpec) {
	l.pool.Submit(func(ctx context.Context) error {
		return l.createTask(ctx, job, name, spec)
	})
}

func (l *Loop) submitRename(job ciapi.Job, name string, candidate model.Server, spec model.RunnerSpec) {
	l.pool.Submit(func(ctx context.Context) error {
		return l.renameTask(ctx, job, name, candidate, spec)
	})
}

// createTask drives a brand-new server through NEW -> CREATE_SERVER ->
// WAIT_RUNNING -> BOOTSTRAP_SSH -> RUN_SETUP -> FETCH_RUNNER_TOKEN ->
// RUN_STARTUP -> DONE. Any failure deletes the server and posts a
// ServerFailed event so the next tick retries the still-queued job.
func (l *Loop) createTask(ctx context.Context, job ciapi.Job, name string, spec model.RunnerSpec) error {
	createSpec := cloud.CreateServerSpec{
		Name:       name,
		ServerType: spec.ServerType,
		Location:   spec.Location,
		Image:      spec.Image,
		SSHKeyIDs:  spec.SSHKeyIDs,
		Labels: model.ServerLabels{
			Role:             model.RoleActive,
			ServerType:       spec.ServerType,
			Location:         spec.Location,
			Image:            spec.Image,
			RunnerLabelsHash: spec.Fingerprint,
			Prefix:           l.namer.Prefix(),
		},
	}

	srv, err := l.cloud.CreateServer(ctx, createSpec)
	if err != nil {
		if errors.Is(err, cloud.ErrNameTaken) {
			// The naming invariant guarantees this only happens when
			// another worker already created this server; treat it as
			// success rather than retrying under the same name.
			return nil
		}
		return &xerrors.Transient{Err: fmt.Errorf("creating server %s: %w", name, err)}
	}
	metrics.ServersCreated.WithLabelValues(string(model.RoleActive)).Inc()

	return l.driveToRunning(ctx, srv, job, spec)
}

// renameTask drives a matched recyclable server through rename, rebuild,
// and re-bootstrap, ending in the same state a createTask would reach.
func (l *Loop) renameTask(ctx context.Context, job ciapi.Job, name string, candidate model.Server, spec model.RunnerSpec) error {
	if err := l.cloud.RenameServer(ctx, candidate.CloudID, name); err != nil {
		if errors.Is(err, cloud.ErrNameTaken) {
			return nil
		}
		return &xerrors.Transient{Err: fmt.Errorf("renaming recyclable server %s to %s: %w", candidate.Name, name, err)}
	}
	if err := l.cloud.RebuildServer(ctx, candidate.CloudID, spec.Image); err != nil {
		return &xerrors.Transient{Err: fmt.Errorf("rebuilding server %s: %w", name, err)}
	}
	if err := l.cloud.AttachSSHKeys(ctx, candidate.CloudID, spec.SSHKeyIDs); err != nil {
		return &xerrors.Transient{Err: fmt.Errorf("re-attaching ssh keys to rebuilt server %s: %w", name, err)}
	}
	metrics.ServersRecycled.Inc()

	candidate.Name = name
	return l.driveToRunning(ctx, candidate, job, spec)
}

func (l *Loop) driveToRunning(ctx context.Context, srv model.Server, job ciapi.Job, spec model.RunnerSpec) error {
	readyDeadline := time.Now().Add(time.Duration(l.cfg.MaxServerReadyTime) * time.Second)

	running, err := l.cloud.WaitUntilRunning(ctx, srv.CloudID, time.Duration(l.cfg.MaxServerReadyTime)*time.Second)
	if err != nil {
		_ = l.cloud.DeleteServer(ctx, srv.CloudID)
		l.box.Post(mailbox.Event{Kind: mailbox.ServerFailed, ServerName: srv.Name, Reason: "wait_running_timeout"})
		return &xerrors.Transient{Err: fmt.Errorf("server %s never reached running: %w", srv.Name, err)}
	}

	bootstrapStart := time.Now()
	env := bootstrap.Env{
		GitHubRepository:   l.cfg.GitHubRepository,
		GitHubRunnerLabels: append([]string{srv.Name}, spec.ExtraLabels...),
		ServerTypeName:     spec.ServerType,
		ServerLocationName: spec.Location,
	}

	setupScript, startupScript := l.readScripts(spec)

	_, err = l.driver.Run(ctx, running.PublicIPv4, setupScript, startupScript, env, func(ctx context.Context) (string, error) {
		tok, err := l.provider.CreateRegistrationToken(ctx, l.cfg.GitHubRepository)
		if err != nil {
			return "", err
		}
		return tok.Token, nil
	}, readyDeadline)
	metrics.BootstrapDuration.Observe(time.Since(bootstrapStart).Seconds())

	if err != nil {
		_ = l.cloud.DeleteServer(ctx, srv.CloudID)
		l.box.Post(mailbox.Event{Kind: mailbox.ServerFailed, ServerName: srv.Name, Reason: "bootstrap_failed"})
		return err
	}

	l.box.Post(mailbox.Event{Kind: mailbox.ServerReady, ServerName: srv.Name})
	return nil
}

// readScripts resolves the setup/startup script paths on a RunnerSpec
// into the bytes the bootstrap driver uploads. An empty path means the
// category was absent from the job's labels; scaleup then uploads a
// script that does nothing but exit 0, so the bootstrap sequence's shape
// stays uniform whether or not the job asked for a script.
func (l *Loop) readScripts(spec model.RunnerSpec) (setup, startup []byte) {
	noop := []byte("#!/bin/sh\nexit 0\n")
	setup, startup = noop, noop
	if spec.SetupScriptPath != "" {
		if b, err := readFile(spec.SetupScriptPath); err == nil {
			setup = b
		}
	}
	if spec.StartupScriptPath != "" {
		if b, err := readFile(spec.StartupScriptPath); err == nil {
			startup = b
		}
	}
	return setup, startup
}

// readFile is a package variable so tests can substitute a fake without
// touching the filesystem.
var readFile = defaultReadFile

func defaultReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
