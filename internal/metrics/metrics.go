// Package metrics declares the Prometheus instruments the control loops
// increment. Declared once here and imported by the packages that produce
// the events, per the convention of co-locating *Vec declarations with the
// registry rather than scattering prometheus.MustRegister calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ServersCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetrunner_servers_created_total",
		Help: "Servers created by role.",
	}, []string{"role"})

	ServersDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetrunner_servers_deleted_total",
		Help: "Servers deleted, by reason.",
	}, []string{"reason"})

	ServersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetrunner_servers_evicted_total",
		Help: "Recyclable servers evicted to free capacity for a non-matching job.",
	})

	ServersRecycled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetrunner_servers_recycled_total",
		Help: "Recyclable servers matched and rebuilt into an active server.",
	})

	StandbyPromotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetrunner_standby_promotions_total",
		Help: "Standby servers renamed directly into an active server for a matching job.",
	})

	BootstrapDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetrunner_bootstrap_duration_seconds",
		Help:    "Time spent driving a server from running to a registered runner.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 8),
	})

	ScaleUpTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetrunner_scale_up_tick_duration_seconds",
		Help:    "Wall-clock time of one scale-up tick.",
		Buckets: prometheus.DefBuckets,
	})

	ScaleDownTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetrunner_scale_down_tick_duration_seconds",
		Help:    "Wall-clock time of one scale-down tick.",
		Buckets: prometheus.DefBuckets,
	})

	CIRateLimitRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetrunner_ci_rate_limit_remaining",
		Help: "Remaining CI provider REST calls in the current rate-limit window.",
	})

	WorkerPoolQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetrunner_worker_pool_queue_depth",
		Help: "Tasks submitted but not yet completed, whether waiting for a worker or running.",
	})
)

// MustRegister registers every instrument in this package against reg. The
// caller owns the registry (the run command and the tests each pass a fresh
// prometheus.NewRegistry()); registering twice against the same registry
// panics rather than being silently ignored.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ServersCreated,
		ServersDeleted,
		ServersEvicted,
		ServersRecycled,
		StandbyPromotions,
		BootstrapDuration,
		ScaleUpTickDuration,
		ScaleDownTickDuration,
		CIRateLimitRemaining,
		WorkerPoolQueueDepth,
	)
}
