// Package scaledown implements the scale-down control loop: reaping
// powered-off, unused-runner, and zombie servers, then replenishing
// configured standby pools. It never creates an active server — that is
// internal/scaleup's job, including promoting a standby server straight
// into an active name when a matching job appears.
package scaledown

import (
	"context"
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
	"github.com/pylonhq/fleetrunner/internal/standby"
	"github.com/pylonhq/fleetrunner/internal/workerpool"
)

// Loop drives one scale-down tick: the three reaping passes, in order,
// then the standby replenisher.
type Loop struct {
	cfg      config.Config
	cloud    cloud.Client
	provider ciapi.Provider
	resolver *labels.Resolver
	namer    *namer.Namer
	counter  *namer.Counter
	pool     *workerpool.Pool
	box      *mailbox.Mailbox
	driver   *bootstrap.Driver
	logger   *zap.SugaredLogger
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
	ticker := time.NewTicker(l.cfg.ScaleDownTick())
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			l.logger.Errorw("scale-down tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs the three reaping passes against a fresh snapshot, then the
// standby replenisher.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ScaleDownTickDuration.Observe(time.Since(start).Seconds()) }()

	ownedSelector := fmt.Sprintf("prefix=%s", l.namer.Prefix())
	servers, err := l.cloud.ListServers(ctx, ownedSelector)
	if err != nil {
		return fmt.Errorf("listing owned servers: %w", err)
	}

	runners, err := l.provider.ListSelfHostedRunners(ctx, l.cfg.GitHubRepository)
	if err != nil {
		return fmt.Errorf("listing self-hosted runners: %w", err)
	}
	runnerByName := make(map[string]ciapi.Runner, len(runners))
	for _, r := range runners {
		if l.namer.IsOwned(r.Name) {
			runnerByName[r.Name] = r
		}
	}

	jobs, err := l.provider.ListQueuedJobs(ctx, l.cfg.GitHubRepository)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}
	wantedNames := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		wantedNames[l.namer.Active(job.RunID, job.JobID)] = true
	}

	byName := make(map[string]model.Server, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}

	now := time.Now()
	l.poweredOffPass(ctx, servers, now)
	l.unusedRunnerPass(ctx, byName, runnerByName, wantedNames, now)
	l.zombiePass(ctx, servers, runnerByName, now)
	l.standbyReplenishPass(ctx, servers, runnerByName)

	return nil
}

// poweredOffPass deletes or recycles every owned server currently off, per
// the configured end-of-life and recycling policy. There is no separate
// timestamp for "when did this server power off", so age_off is
// approximated with the server's total age since creation.
func (l *Loop) poweredOffPass(ctx context.Context, servers []model.Server, now time.Time) {
	for _, s := range servers {
		if s.Status != model.ServerOff {
			continue
		}
		ageOff := s.AgeSeconds(now)
		minuteInHour := model.MinuteInHour(ageOff)

		if !l.cfg.Recycle {
			if ageOff > int64(l.cfg.MaxPoweredOffTime) {
				l.deleteServer(ctx, s, "powered_off_expired")
			}
			continue
		}

		if minuteInHour >= int64(l.cfg.EndOfLife) {
			l.deleteServer(ctx, s, "end_of_life")
			continue
		}

		if role, _, ok := l.namer.ParseRole(s.Name); ok && role == namer.RoleActive {
			uid := l.counter.Next()
			recycleName := l.namer.Recycle(uid)
			if err := l.cloud.RenameServer(ctx, s.CloudID, recycleName); err != nil {
				l.logger.Warnw("renaming powered-off server to recycle name failed", "server", s.Name, "error", err)
				continue
			}
			l.logger.Infow("marked server recyclable", "server", s.Name, "recycle_name", recycleName)
		}
	}
}

// unusedRunnerPass unregisters and deletes any online, idle runner that no
// queued job still wants and that has sat idle past max_unused_runner_time.
func (l *Loop) unusedRunnerPass(ctx context.Context, byName map[string]model.Server, runnerByName map[string]ciapi.Runner, wantedNames map[string]bool, now time.Time) {
	for name, r := range runnerByName {
		if r.Status != ciapi.RunnerOnline || r.Busy {
			continue
		}
		if wantedNames[name] {
			continue
		}

		server, ok := byName[name]
		if !ok {
			continue
		}

		// GitHub's runner-listing API reports no registration timestamp,
		// so a runner's age is the age of the server that registered it —
		// the two come into being within seconds of each other, well
		// inside any reasonable max_unused_runner_time.
		ageSinceRegister := now.Sub(server.CreatedAt)
		if ageSinceRegister <= time.Duration(l.cfg.MaxUnusedRunnerTime)*time.Second {
			continue
		}

		if err := l.provider.RemoveRunner(ctx, l.cfg.GitHubRepository, r.ID); err != nil {
			l.logger.Warnw("unregistering unused runner failed", "runner", name, "error", err)
			continue
		}
		l.deleteServer(ctx, server, "unused_runner")
	}
}

// zombiePass deletes active servers that reached running but never
// registered a runner within max_runner_registration_time.
func (l *Loop) zombiePass(ctx context.Context, servers []model.Server, runnerByName map[string]ciapi.Runner, now time.Time) {
	for _, s := range servers {
		if role, _, ok := l.namer.ParseRole(s.Name); !ok || role != namer.RoleActive || s.Status != model.ServerRunning {
			continue
		}
		if _, ok := runnerByName[s.Name]; ok {
			continue
		}
		ageRunning := s.AgeSeconds(now)
		if ageRunning > int64(l.cfg.MaxRunnerRegistrationTime) {
			l.deleteServer(ctx, s, "zombie")
		}
	}
}

// standbyReplenishPass tops up every configured standby group to its
// configured count, dispatching the same create-and-bootstrap pipeline
// scale-up uses for a brand-new active server.
func (l *Loop) standbyReplenishPass(ctx context.Context, servers []model.Server, runnerByName map[string]ciapi.Runner) {
	byGroup := map[string][]standby.StandbyServer{}
	for _, s := range servers {
		role, parsed, ok := l.namer.ParseRole(s.Name)
		if !ok || role != namer.RoleStandby {
			continue
		}
		r, hasRunner := runnerByName[s.Name]
		byGroup[parsed.Group] = append(byGroup[parsed.Group], standby.StandbyServer{
			Name:         s.Name,
			RunnerOnline: hasRunner && r.Status == ciapi.RunnerOnline,
			RunnerBusy:   hasRunner && r.Busy,
		})
	}

	for _, g := range l.cfg.StandbyRunners {
		group := standby.Group{Name: g.Name, Labels: g.Labels, Count: g.Count, ReplenishImmediately: g.ReplenishImmediately}
		prefix := fmt.Sprintf("%s-standby-%s-", l.namer.Prefix(), g.Name)

		plan := standby.Reconcile(group, func(name string) bool { return hasPrefix(name, prefix) }, byGroup[g.Name])
		if plan.ToCreate == 0 {
			continue
		}

		spec, err := l.resolver.Resolve(ctx, g.Labels)
		if err != nil {
			l.logger.Warnw("skipping standby replenish: label resolution failed", "group", g.Name, "error", err)
			continue
		}

		for i := 0; i < plan.ToCreate; i++ {
			uid := l.counter.Next()
			name := l.namer.Standby(g.Name, uid)
			l.pool.Submit(func(ctx context.Context) error {
				return l.createStandbyTask(ctx, name, spec)
			})
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (l *Loop) createStandbyTask(ctx context.Context, name string, spec model.RunnerSpec) error {
	createSpec := cloud.CreateServerSpec{
		Name:       name,
		ServerType: spec.ServerType,
		Location:   spec.Location,
		Image:      spec.Image,
		SSHKeyIDs:  spec.SSHKeyIDs,
		Labels: model.ServerLabels{
			Role:             model.RoleStandby,
			ServerType:       spec.ServerType,
			Location:         spec.Location,
			Image:            spec.Image,
			RunnerLabelsHash: spec.Fingerprint,
			Prefix:           l.namer.Prefix(),
		},
	}

	srv, err := l.cloud.CreateServer(ctx, createSpec)
	if err != nil {
		return fmt.Errorf("creating standby server %s: %w", name, err)
	}
	metrics.ServersCreated.WithLabelValues(string(model.RoleStandby)).Inc()

	readyDeadline := time.Now().Add(time.Duration(l.cfg.MaxServerReadyTime) * time.Second)
	running, err := l.cloud.WaitUntilRunning(ctx, srv.CloudID, time.Duration(l.cfg.MaxServerReadyTime)*time.Second)
	if err != nil {
		_ = l.cloud.DeleteServer(ctx, srv.CloudID)
		l.box.Post(mailbox.Event{Kind: mailbox.ServerFailed, ServerName: name, Reason: "wait_running_timeout"})
		return fmt.Errorf("standby server %s never reached running: %w", name, err)
	}

	noop := []byte("#!/bin/sh\nexit 0\n")
	setup, startup := noop, noop
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

	env := bootstrap.Env{
		GitHubRepository:   l.cfg.GitHubRepository,
		GitHubRunnerLabels: append([]string{name}, spec.ExtraLabels...),
		ServerTypeName:     spec.ServerType,
		ServerLocationName: spec.Location,
	}

	_, err = l.driver.Run(ctx, running.PublicIPv4, setup, startup, env, func(ctx context.Context) (string, error) {
		tok, err := l.provider.CreateRegistrationToken(ctx, l.cfg.GitHubRepository)
		if err != nil {
			return "", err
		}
		return tok.Token, nil
	}, readyDeadline)
	if err != nil {
		_ = l.cloud.DeleteServer(ctx, srv.CloudID)
		l.box.Post(mailbox.Event{Kind: mailbox.ServerFailed, ServerName: name, Reason: "bootstrap_failed"})
		return err
	}

	l.box.Post(mailbox.Event{Kind: mailbox.ServerReady, ServerName: name})
	return nil
}

// readFile is a package variable so tests can substitute a fake without
// touching the filesystem.
var readFile = defaultReadFile

func defaultReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (l *Loop) deleteServer(ctx context.Context, s model.Server, reason string) {
	if err := l.cloud.DeleteServer(ctx, s.CloudID); err != nil {
		l.logger.Warnw("deleting server failed", "server", s.Name, "reason", reason, "error", err)
		return
	}
	metrics.ServersDeleted.WithLabelValues(reason).Inc()
}

