package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine collectors on a private registry. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	checksTotal      *prometheus.CounterVec
	checkDuration    prometheus.Histogram
	ruleFailures     *prometheus.CounterVec
	alertsRaised     *prometheus.CounterVec
	alertsClosed     *prometheus.CounterVec
	notifyFailures   prometheus.Counter
	cycleDuration    prometheus.Histogram
	cycleAssetErrors prometheus.Counter
	snapshotsTotal   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insurewatch",
			Name:      "checks_total",
			Help:      "Compliance checks completed, by resulting status.",
		}, []string{"status"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "insurewatch",
			Name:      "check_duration_seconds",
			Help:      "Time spent evaluating one asset.",
			Buckets:   prometheus.DefBuckets,
		}),
		ruleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insurewatch",
			Name:      "rule_evaluation_failures_total",
			Help:      "Rule evaluations that failed and were counted as non-compliant.",
		}, []string{"rule_type"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insurewatch",
			Name:      "alerts_raised_total",
			Help:      "Alerts raised, by severity.",
		}, []string{"severity"}),
		alertsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insurewatch",
			Name:      "alerts_closed_total",
			Help:      "Alerts moved to a terminal status, by status.",
		}, []string{"status"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insurewatch",
			Name:      "notification_failures_total",
			Help:      "Notification deliveries that failed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "insurewatch",
			Name:      "scheduler_cycle_duration_seconds",
			Help:      "Wall time of one scheduler cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		cycleAssetErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insurewatch",
			Name:      "scheduler_asset_failures_total",
			Help:      "Per-asset check failures inside scheduler cycles.",
		}),
		snapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insurewatch",
			Name:      "dashboard_snapshots_total",
			Help:      "Dashboard snapshots written.",
		}),
	}
	m.registry.MustRegister(
		m.checksTotal, m.checkDuration, m.ruleFailures, m.alertsRaised, m.alertsClosed,
		m.notifyFailures, m.cycleDuration, m.cycleAssetErrors, m.snapshotsTotal,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CheckCompleted(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.checksTotal.WithLabelValues(status).Inc()
	m.checkDuration.Observe(d.Seconds())
}

func (m *Metrics) RuleFailed(ruleType string) {
	if m == nil {
		return
	}
	m.ruleFailures.WithLabelValues(ruleType).Inc()
}

func (m *Metrics) AlertRaised(severity int) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(strconv.Itoa(severity)).Inc()
}

func (m *Metrics) AlertsClosed(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alertsClosed.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

func (m *Metrics) CycleCompleted(d time.Duration, failedAssets int) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	m.cycleAssetErrors.Add(float64(failedAssets))
}

func (m *Metrics) SnapshotWritten() {
	if m == nil {
		return
	}
	m.snapshotsTotal.Inc()
}
