package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for tasks, tool invocations, recovery
// decisions and approvals. All methods are safe on a nil receiver.
type Metrics struct {
	tasksCreated     prometheus.Counter
	tasksTerminal    *prometheus.CounterVec
	tasksInFlight    prometheus.Gauge
	queueDepth       *prometheus.GaugeVec
	taskDuration     *prometheus.HistogramVec
	toolInvocations  *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	recoveryActions  *prometheus.CounterVec
	approvalOutcomes *prometheus.CounterVec
	rejectedTasks    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global Prometheus
// registry, created once per process.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Collectors already registered
// under the same name are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskplane", Subsystem: "tasks", Name: "created_total",
			Help: "Tasks accepted by the orchestrator.",
		}),
		tasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane", Subsystem: "tasks", Name: "terminal_total",
			Help: "Tasks that reached a terminal state.",
		}, []string{"state"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskplane", Subsystem: "tasks", Name: "in_flight",
			Help: "Tasks currently running or paused.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskplane", Subsystem: "queue", Name: "depth",
			Help: "Tasks waiting per channel.",
		}, []string{"channel"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskplane", Subsystem: "tasks", Name: "duration_seconds",
			Help:    "Time from task creation to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane", Subsystem: "tools", Name: "invocations_total",
			Help: "Tool invocations by final status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskplane", Subsystem: "tools", Name: "duration_seconds",
			Help:    "Tool execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		recoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane", Subsystem: "recovery", Name: "actions_total",
			Help: "Recovery decisions by failure type and action.",
		}, []string{"failure_type", "action"}),
		approvalOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane", Subsystem: "approvals", Name: "resolved_total",
			Help: "Approval requests by outcome.",
		}, []string{"kind", "status"}),
		rejectedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane", Subsystem: "queue", Name: "rejected_total",
			Help: "Tasks refused by channel admission control.",
		}, []string{"reason"}),
	}

	m.tasksCreated = register(reg, m.tasksCreated)
	m.tasksTerminal = register(reg, m.tasksTerminal)
	m.tasksInFlight = register(reg, m.tasksInFlight)
	m.queueDepth = register(reg, m.queueDepth)
	m.taskDuration = register(reg, m.taskDuration)
	m.toolInvocations = register(reg, m.toolInvocations)
	m.toolDuration = register(reg, m.toolDuration)
	m.recoveryActions = register(reg, m.recoveryActions)
	m.approvalOutcomes = register(reg, m.approvalOutcomes)
	m.rejectedTasks = register(reg, m.rejectedTasks)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// TaskCreated counts an accepted task.
func (m *Metrics) TaskCreated() {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
}

// TaskStarted marks a task as in flight.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksInFlight.Inc()
}

// TaskFinished records a terminal state. wasInFlight reports whether the
// task had started running.
func (m *Metrics) TaskFinished(state string, elapsed time.Duration, wasInFlight bool) {
	if m == nil {
		return
	}
	m.tasksTerminal.WithLabelValues(state).Inc()
	m.taskDuration.WithLabelValues(state).Observe(elapsed.Seconds())
	if wasInFlight {
		m.tasksInFlight.Dec()
	}
}

// SetQueueDepth reports the waiting tasks of a channel.
func (m *Metrics) SetQueueDepth(channel string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

// TaskRejected counts an admission-control refusal.
func (m *Metrics) TaskRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTasks.WithLabelValues(reason).Inc()
}

// ToolInvoked records one finished invocation.
func (m *Metrics) ToolInvoked(toolID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolInvocations.WithLabelValues(toolID, status).Inc()
	if duration > 0 {
		m.toolDuration.WithLabelValues(toolID).Observe(duration.Seconds())
	}
}

// RecoveryDecided records a replanner decision.
func (m *Metrics) RecoveryDecided(failureType, action string) {
	if m == nil {
		return
	}
	m.recoveryActions.WithLabelValues(failureType, action).Inc()
}

// ApprovalResolved records an approval outcome.
func (m *Metrics) ApprovalResolved(kind, status string) {
	if m == nil {
		return
	}
	m.approvalOutcomes.WithLabelValues(kind, status).Inc()
}
