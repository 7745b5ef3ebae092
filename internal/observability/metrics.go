package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runTokens   *prometheus.CounterVec

	leaseAcquireTotal *prometheus.CounterVec
	leaseSweptTotal   prometheus.Counter

	historyRepairsTotal prometheus.Counter

	archiveTotal *prometheus.CounterVec
	resetTotal   prometheus.Counter

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	scheduledJobs prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steward_run_total",
					Help: "Total orchestration runs by agentable kind and outcome.",
				},
				[]string{"kind", "outcome"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "steward_run_duration_seconds",
					Help:    "Orchestration run duration in seconds by agentable kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			runTokens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steward_run_tokens_total",
					Help: "Total tokens consumed by direction (input/output).",
				},
				[]string{"direction"},
			),
			leaseAcquireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steward_lease_acquire_total",
					Help: "Lease acquisition attempts by result.",
				},
				[]string{"result"},
			),
			leaseSweptTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "steward_lease_swept_total",
					Help: "Orphaned leases cleared by the sweeper.",
				},
			),
			historyRepairsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "steward_history_repairs_total",
					Help: "Conversation repairs performed before a run.",
				},
			),
			archiveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steward_archive_total",
					Help: "Sessions archived by completion reason.",
				},
				[]string{"reason"},
			),
			resetTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "steward_reset_total",
					Help: "Sessions discarded by explicit reset.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steward_model_call_total",
					Help: "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "steward_model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steward_tool_execution_total",
					Help: "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "steward_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			scheduledJobs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "steward_scheduled_jobs",
					Help: "Jobs currently pending in the scheduler.",
				},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.runTokens,
			m.leaseAcquireTotal,
			m.leaseSweptTotal,
			m.historyRepairsTotal,
			m.archiveTotal,
			m.resetTotal,
			m.modelCallTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.scheduledJobs,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRun(kind string, duration time.Duration, outcome string) {
	m := getMetrics()
	m.runTotal.WithLabelValues(kind, outcome).Inc()
	m.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordTokens(inputTokens, outputTokens int) {
	m := getMetrics()
	m.runTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.runTokens.WithLabelValues("output").Add(float64(outputTokens))
}

func RecordLeaseAcquire(acquired bool) {
	m := getMetrics()
	result := "conflict"
	if acquired {
		result = "acquired"
	}
	m.leaseAcquireTotal.WithLabelValues(result).Inc()
}

func RecordLeaseSwept() {
	getMetrics().leaseSweptTotal.Inc()
}

func RecordHistoryRepair() {
	getMetrics().historyRepairsTotal.Inc()
}

func RecordArchive(reason string) {
	getMetrics().archiveTotal.WithLabelValues(reason).Inc()
}

func RecordReset() {
	getMetrics().resetTotal.Inc()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetScheduledJobs(count int) {
	getMetrics().scheduledJobs.Set(float64(count))
}
