// Package metrics exposes Prometheus collectors for the dispatcher core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors published on /metrics. All record methods
// are nil-safe so components can run without a registry in tests.
type Metrics struct {
	commandsEnqueued  prometheus.Counter
	commandsCompleted *prometheus.CounterVec
	commandRetries    prometheus.Counter
	queueDepth        prometheus.Gauge
	activeScopes      prometheus.Gauge
	logFlushDuration  prometheus.Histogram
	logEntriesDropped prometheus.Counter
	idleEnqueues      prometheus.Counter
	providerSwitches  prometheus.Counter
}

// New registers the dispatcher collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		commandsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_commands_enqueued_total",
			Help: "Commands accepted by the dispatcher.",
		}),
		commandsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_commands_completed_total",
			Help: "Commands that reached a terminal state, by status.",
		}, []string{"status"}),
		commandRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_command_retries_total",
			Help: "Retry attempts across all commands.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "storyforge_command_queue_depth",
			Help: "Commands currently queued across all scopes.",
		}),
		activeScopes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "storyforge_active_scopes",
			Help: "Thread scopes with at least one live command.",
		}),
		logFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "storyforge_oplog_flush_duration_seconds",
			Help:    "Duration of operation log flushes.",
			Buckets: prometheus.DefBuckets,
		}),
		logEntriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_oplog_entries_dropped_total",
			Help: "Operation log entries dropped due to buffer saturation.",
		}),
		idleEnqueues: factory.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_idle_enqueues_total",
			Help: "Commands enqueued by the idle auto-operations scheduler.",
		}),
		providerSwitches: factory.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_provider_switches_total",
			Help: "Local model backend switches.",
		}),
	}
}

// CommandEnqueued records an accepted command.
func (m *Metrics) CommandEnqueued() {
	if m == nil {
		return
	}
	m.commandsEnqueued.Inc()
}

// CommandCompleted records a terminal command by status.
func (m *Metrics) CommandCompleted(status string) {
	if m == nil {
		return
	}
	m.commandsCompleted.WithLabelValues(status).Inc()
}

// CommandRetried records one retry attempt.
func (m *Metrics) CommandRetried() {
	if m == nil {
		return
	}
	m.commandRetries.Inc()
}

// SetQueueDepth updates the queued command gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetActiveScopes updates the live scope gauge.
func (m *Metrics) SetActiveScopes(n int) {
	if m == nil {
		return
	}
	m.activeScopes.Set(float64(n))
}

// LogFlushObserved records the duration of one operation log flush.
func (m *Metrics) LogFlushObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.logFlushDuration.Observe(d.Seconds())
}

// LogEntriesDropped records n dropped operation log entries.
func (m *Metrics) LogEntriesDropped(n int) {
	if m == nil {
		return
	}
	m.logEntriesDropped.Add(float64(n))
}

// IdleEnqueued records one idle scheduler enqueue.
func (m *Metrics) IdleEnqueued() {
	if m == nil {
		return
	}
	m.idleEnqueues.Inc()
}

// ProviderSwitched records one local backend switch.
func (m *Metrics) ProviderSwitched() {
	if m == nil {
		return
	}
	m.providerSwitches.Inc()
}
