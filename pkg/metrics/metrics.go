// Package metrics holds the prometheus instrumentation of the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
)

const namespace = "dlt"

// Metrics records run, region and aggregation figures. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runsStarted        prometheus.Counter
	runsRejected       *prometheus.CounterVec
	runsFinished       *prometheus.CounterVec
	runsActive         prometheus.Gauge
	runDuration        prometheus.Histogram
	regionPhases       *prometheus.CounterVec
	tasksLaunched      *prometheus.CounterVec
	launchShortfalls   *prometheus.CounterVec
	aggregationSeconds prometheus.Histogram
}

// New registers the metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		runsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Number of runs that acquired the run lock",
		}),
		runsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_rejected_total",
			Help:      "Number of run requests rejected, grouped by reason",
		}, []string{"reason"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Number of finished runs grouped by terminal status",
		}, []string{"status"}),
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of runs driven by this process",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from lock acquisition to history write",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		regionPhases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_phase_transitions_total",
			Help:      "Number of region controller phase transitions grouped by target phase",
		}, []string{"phase"}),
		tasksLaunched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_launched_total",
			Help:      "Number of tasks started grouped by region and role",
		}, []string{"region", "role"}),
		launchShortfalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_shortfalls_total",
			Help:      "Number of Launch calls that started fewer tasks than attempted",
		}, []string{"region"}),
		aggregationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Time spent fetching and aggregating raw results",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}

	m.runsStarted.Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunRejected(reason string) {
	if m == nil {
		return
	}

	m.runsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RunFinished(status loadtest.RunStatus, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RegionPhase(phase loadtest.RegionPhase) {
	if m == nil {
		return
	}

	m.regionPhases.WithLabelValues(string(phase)).Inc()
}

func (m *Metrics) TasksLaunched(region string, role loadtest.TaskRole, n int) {
	if m == nil || n <= 0 {
		return
	}

	m.tasksLaunched.WithLabelValues(region, string(role)).Add(float64(n))
}

func (m *Metrics) LaunchShortfall(region string) {
	if m == nil {
		return
	}

	m.launchShortfalls.WithLabelValues(region).Inc()
}

func (m *Metrics) Aggregated(elapsed time.Duration) {
	if m == nil {
		return
	}

	m.aggregationSeconds.Observe(elapsed.Seconds())
}
