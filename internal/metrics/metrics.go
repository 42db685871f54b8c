// Package metrics exposes the orchestrator's Prometheus series and an
// optional Pushgateway pusher.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
)

// Metrics owns the registry and every orchestrator series.
type Metrics struct {
	registry *prometheus.Registry

	RunStarted    prometheus.Counter
	RunCompleted  *prometheus.CounterVec
	RunDuration   *prometheus.SummaryVec
	StepExecution *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
	StepTimeouts  *prometheus.CounterVec
}

// New builds a fresh registry with all series registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "langorch_run_started_total",
			Help: "Runs whose execution began.",
		}),
		RunCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langorch_run_completed_total",
			Help: "Runs reaching a terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "langorch_run_duration_seconds",
			Help:       "Wall-clock run duration by terminal status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 1.0: 0.001},
		}, []string{"status"}),
		StepExecution: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langorch_step_execution_total",
			Help: "Step executions by node and outcome.",
		}, []string{"node_id", "status"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langorch_retry_attempts_total",
			Help: "Step retry attempts.",
		}, []string{"node_id", "step_id"}),
		StepTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langorch_step_timeout_total",
			Help: "Step executions ending in a timeout.",
		}, []string{"node_id", "step_id"}),
	}
	m.registry.MustRegister(
		m.RunStarted, m.RunCompleted, m.RunDuration,
		m.StepExecution, m.RetryAttempts, m.StepTimeouts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry as Prometheus text.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for the pusher and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRunEnd records the terminal-status counters in one call.
func (m *Metrics) ObserveRunEnd(status string, duration time.Duration) {
	m.RunCompleted.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Pusher periodically PUTs the registry to a Pushgateway.
type Pusher struct {
	pusher   *push.Pusher
	interval time.Duration
	log      *slog.Logger
}

// NewPusher builds a pusher for the given gateway URL.
func NewPusher(m *Metrics, gatewayURL string, interval time.Duration, logger *slog.Logger) *Pusher {
	return &Pusher{
		pusher:   push.New(gatewayURL, "langorch").Gatherer(m.registry),
		interval: interval,
		log:      ilog.WithComponent(logger, "metrics-push"),
	}
}

// Run pushes on the configured cadence until the context ends. Push
// failures are logged and retried on the next tick.
func (p *Pusher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pusher.PushContext(ctx); err != nil {
				p.log.Warn("pushgateway push failed", "error", err)
			}
		}
	}
}
