package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	inboxDepth     *prometheus.GaugeVec
	inboxPostTotal *prometheus.CounterVec
	inboxCoalesced prometheus.Counter

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram

	schedulerRunTotal  *prometheus.CounterVec
	schedulerTaskTotal *prometheus.CounterVec
	gateRequestTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			inboxDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "inbox_depth",
					Help: "Current pending entries by session.",
				},
				[]string{"session"},
			),
			inboxPostTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inbox_post_total",
					Help: "Total inbox posts by item kind.",
				},
				[]string{"kind"},
			),
			inboxCoalesced: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "inbox_coalesced_total",
					Help: "Total message posts merged into a queued entry.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current registered session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total handled inbox entries by kind and status.",
				},
				[]string{"kind", "status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn handling duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			schedulerRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scheduler_run_total",
					Help: "Total scheduler firings by scheduler and status.",
				},
				[]string{"scheduler", "status"},
			),
			schedulerTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "scheduler_task_total",
					Help: "Total scheduled task executions by scheduler and status.",
				},
				[]string{"scheduler", "status"},
			),
			gateRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gate_request_total",
					Help: "Total gate approval requests by outcome.",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.inboxDepth,
			m.inboxPostTotal,
			m.inboxCoalesced,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.turnTotal,
			m.turnDuration,
			m.schedulerRunTotal,
			m.schedulerTaskTotal,
			m.gateRequestTotal,
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

func RecordInboxPost(sessionID, kind string, depth int) {
	m := getMetrics()
	m.inboxPostTotal.WithLabelValues(kind).Inc()
	m.inboxDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func RecordInboxCoalesce() {
	getMetrics().inboxCoalesced.Inc()
}

func SetInboxDepth(sessionID string, depth int) {
	getMetrics().inboxDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordTurn(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(kind, status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordSchedulerRun(scheduler string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().schedulerRunTotal.WithLabelValues(scheduler, status).Inc()
}

func RecordSchedulerTask(scheduler, status string) {
	getMetrics().schedulerTaskTotal.WithLabelValues(scheduler, status).Inc()
}

func RecordGateRequest(outcome string) {
	getMetrics().gateRequestTotal.WithLabelValues(outcome).Inc()
}
