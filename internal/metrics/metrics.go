// Package metrics exposes Prometheus collectors for the wraith runtime.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's collectors. A nil *Metrics is valid and every
// method on it is a no-op, so components can treat metrics as optional.
type Metrics struct {
	taskDuration   *prometheus.HistogramVec
	acquireWait    prometheus.Histogram
	stepsPerTask   prometheus.Histogram
	submissions    *prometheus.CounterVec
	navigatorCalls *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	crashRetries   prometheus.Counter
	violations     *prometheus.CounterVec
	poolAvailable  prometheus.Gauge
	poolInUse      prometheus.Gauge
	queueDepth     prometheus.Gauge
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created once so repeated runtime
// construction (tests, embedded use) cannot double-register.
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs the collectors on the given registerer. Registration
// conflicts with identical collectors are absorbed; anything else panics,
// mirroring promauto semantics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wraith",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Wall time from first attempt start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"status"})
	acquireWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wraith",
		Subsystem: "pool",
		Name:      "acquire_wait_seconds",
		Help:      "Time acquire requests spent queued before assignment.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	stepsPerTask := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wraith",
		Subsystem: "loop",
		Name:      "steps_per_task",
		Help:      "Perception-action steps taken per attempt.",
		Buckets:   prometheus.LinearBuckets(1, 2, 12),
	})
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wraith",
		Subsystem: "orchestrator",
		Name:      "submissions_total",
		Help:      "Accepted submissions by classified intent.",
	}, []string{"intent", "route"})
	navigatorCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wraith",
		Subsystem: "navigator",
		Name:      "calls_total",
		Help:      "Navigator decisions by tier and outcome.",
	}, []string{"tier", "outcome"})
	escalations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wraith",
		Subsystem: "loop",
		Name:      "escalations_total",
		Help:      "Tier escalations by trigger.",
	}, []string{"trigger"})
	crashRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wraith",
		Subsystem: "scheduler",
		Name:      "crash_retries_total",
		Help:      "Attempts restarted after a renderer crash.",
	})
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wraith",
		Subsystem: "budget",
		Name:      "violations_total",
		Help:      "Sustained resource budget violations by resource and mode.",
	}, []string{"resource", "mode"})
	poolAvailable := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wraith",
		Subsystem: "pool",
		Name:      "available",
		Help:      "Warm sessions ready for lease.",
	})
	poolInUse := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wraith",
		Subsystem: "pool",
		Name:      "in_use",
		Help:      "Sessions currently leased.",
	})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wraith",
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Acquire requests waiting for a session.",
	})

	m := &Metrics{
		taskDuration:   taskDuration,
		acquireWait:    acquireWait,
		stepsPerTask:   stepsPerTask,
		submissions:    submissions,
		navigatorCalls: navigatorCalls,
		escalations:    escalations,
		crashRetries:   crashRetries,
		violations:     violations,
		poolAvailable:  poolAvailable,
		poolInUse:      poolInUse,
		queueDepth:     queueDepth,
	}

	for _, c := range []prometheus.Collector{
		taskDuration, acquireWait, stepsPerTask, submissions, navigatorCalls,
		escalations, crashRetries, violations, poolAvailable, poolInUse, queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
	return m
}

// ObserveTaskDuration records a terminal task's total wall time.
func (m *Metrics) ObserveTaskDuration(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveAcquireWait records how long an acquire request waited.
func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.Observe(d.Seconds())
}

// ObserveSteps records the steps one attempt consumed.
func (m *Metrics) ObserveSteps(n int) {
	if m == nil {
		return
	}
	m.stepsPerTask.Observe(float64(n))
}

// IncSubmission counts an accepted submission.
func (m *Metrics) IncSubmission(intent, route string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(intent, route).Inc()
}

// IncNavigatorCall counts one navigator decision.
func (m *Metrics) IncNavigatorCall(tier, outcome string) {
	if m == nil {
		return
	}
	m.navigatorCalls.WithLabelValues(tier, outcome).Inc()
}

// IncEscalation counts a tier escalation by trigger.
func (m *Metrics) IncEscalation(trigger string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(trigger).Inc()
}

// IncCrashRetry counts an attempt restarted after a crash.
func (m *Metrics) IncCrashRetry() {
	if m == nil {
		return
	}
	m.crashRetries.Inc()
}

// IncViolation counts a sustained budget violation.
func (m *Metrics) IncViolation(resource, mode string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(resource, mode).Inc()
}

// SetPoolGauges publishes the pool's current occupancy.
func (m *Metrics) SetPoolGauges(available, inUse, queued int) {
	if m == nil {
		return
	}
	m.poolAvailable.Set(float64(available))
	m.poolInUse.Set(float64(inUse))
	m.queueDepth.Set(float64(queued))
}
