// Package metrics exposes the engine's Prometheus instrumentation on a
// dedicated registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chengis/chengis/pkg/models"
)

// Metrics holds every instrument the engine records into.
type Metrics struct {
	registry *prometheus.Registry

	BuildsCompleted  *prometheus.CounterVec
	BuildsByStatus   *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
	OldestQueuedAge  prometheus.Gauge
	DispatchLatency  prometheus.Histogram
	StepDuration     prometheus.Histogram
	EventsDropped    prometheus.CounterFunc
	WebhooksTotal    *prometheus.CounterVec
	RetentionSwept   *prometheus.CounterVec
	AgentsOnline     prometheus.Gauge
	OrphansRecovered prometheus.Counter
}

// DroppedCounter reports a monotonically increasing drop count; the
// event bus satisfies it.
type DroppedCounter interface {
	TotalDropped() int64
}

// New builds the metric set on a fresh registry. dropped may be nil.
func New(dropped DroppedCounter) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		BuildsCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chengis_builds_completed_total",
			Help: "Builds finished, by terminal status.",
		}, []string{"status"}),
		BuildsByStatus: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "chengis_builds",
			Help: "Current builds by status.",
		}, []string{"status"}),
		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chengis_queue_depth",
			Help: "Builds waiting for an agent.",
		}),
		OldestQueuedAge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chengis_oldest_queued_seconds",
			Help: "Age of the oldest queued build.",
		}),
		DispatchLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "chengis_dispatch_latency_seconds",
			Help:    "Time from enqueue to agent assignment.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		StepDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "chengis_step_duration_seconds",
			Help:    "Wall time of executed steps.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		WebhooksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chengis_webhooks_total",
			Help: "Webhook deliveries, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RetentionSwept: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chengis_retention_deleted_total",
			Help: "Rows deleted by the retention sweeper, by resource.",
		}, []string{"resource"}),
		AgentsOnline: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chengis_agents_online",
			Help: "Agents with a fresh heartbeat.",
		}),
		OrphansRecovered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chengis_orphans_recovered_total",
			Help: "Running builds requeued after their agent vanished.",
		}),
	}
	if dropped != nil {
		m.EventsDropped = promauto.With(reg).NewCounterFunc(prometheus.CounterOpts{
			Name: "chengis_events_dropped_total",
			Help: "Events dropped on slow stream subscribers.",
		}, func() float64 { return float64(dropped.TotalDropped()) })
	}
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QueueStats is the store subset the gauge poller reads.
type QueueStats interface {
	CountBuildsByStatus(ctx context.Context) (map[models.BuildStatus]int, error)
	OldestQueuedBuildAge(ctx context.Context) (time.Duration, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
}

// Poll refreshes the sampled gauges once.
func (m *Metrics) Poll(ctx context.Context, stats QueueStats) error {
	counts, err := stats.CountBuildsByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []models.BuildStatus{
		models.BuildQueued, models.BuildWaitingApproval, models.BuildRunning,
	} {
		m.BuildsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	m.QueueDepth.Set(float64(counts[models.BuildQueued]))

	age, err := stats.OldestQueuedBuildAge(ctx)
	if err != nil {
		return err
	}
	m.OldestQueuedAge.Set(age.Seconds())

	agents, err := stats.ListAgents(ctx)
	if err != nil {
		return err
	}
	online := 0
	for _, a := range agents {
		if a.Status == models.AgentOnline {
			online++
		}
	}
	m.AgentsOnline.Set(float64(online))
	return nil
}

// Watch polls the sampled gauges until the context is cancelled.
func (m *Metrics) Watch(ctx context.Context, stats QueueStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Poll(ctx, stats)
		}
	}
}
