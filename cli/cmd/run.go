package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pylonhq/fleetrunner/internal/bootstrap"
	"github.com/pylonhq/fleetrunner/internal/logging"
	"github.com/pylonhq/fleetrunner/internal/mailbox"
	"github.com/pylonhq/fleetrunner/internal/metrics"
	"github.com/pylonhq/fleetrunner/internal/namer"
	"github.com/pylonhq/fleetrunner/internal/ratewatch"
	"github.com/pylonhq/fleetrunner/internal/scaledown"
	"github.com/pylonhq/fleetrunner/internal/scaleup"
	"github.com/pylonhq/fleetrunner/internal/workerpool"
)

var metricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scale-up and scale-down control loops",
	Long: `Runs the controller daemon: polls the CI provider's job queue and
the Hetzner Cloud inventory on two independent tickers, creating servers
to satisfy queued jobs and reaping idle or expired ones, until
interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address to serve /metrics on")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fail(e.Error())
		}
		return errs[0]
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cloudClient, err := buildCloudClient(ctx, cfg)
	if err != nil {
		return err
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	sshKeyIDs, err := ensureSSHKeys(ctx, cloudClient, cfg)
	if err != nil {
		return err
	}
	signer, err := loadSigner(cfg)
	if err != nil {
		return err
	}

	n := namer.New(cfg.LabelPrefix)
	existing, err := ownedServers(ctx, cloudClient, n.Prefix())
	if err != nil {
		return err
	}
	names := make([]string, len(existing))
	for i, s := range existing {
		names[i] = s.Name
	}
	counter := namer.NewCounter(seedCounter(n, names))

	resolver := buildResolver(cloudClient, cfg, sshKeyIDs)
	pool := workerpool.New(cfg.Workers)
	box := mailbox.New()
	driver := bootstrap.NewDriver(signer, logging.Component(logger, "bootstrap"))

	up := scaleup.New(cfg, cloudClient, provider, resolver, n, counter, pool, box, driver, logging.Component(logger, "scaleup"))
	down := scaledown.New(cfg, cloudClient, provider, resolver, n, counter, pool, box, driver, logging.Component(logger, "scaledown"))
	watcher := ratewatch.New(provider, ratewatch.DefaultInterval, logging.Component(logger, "ratewatch"))

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	server := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); up.Run(ctx) }()
	go func() { defer wg.Done(); down.Run(ctx) }()
	go func() { defer wg.Done(); watcher.Run(ctx) }()

	go func() {
		logger.Infow("serving metrics", "addr", metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	pool.Shutdown(shutdownCtx)
	box.Close()

	wg.Wait()
	return nil
}
