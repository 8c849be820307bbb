package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.CheckCompleted("Compliant", 10*time.Millisecond)
	m.CheckCompleted("Warning", 5*time.Millisecond)
	m.CheckCompleted("Compliant", time.Millisecond)
	m.AlertRaised(4)
	m.AlertsClosed("Resolved", 3)
	m.AlertsClosed("Resolved", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.checksTotal.WithLabelValues("Compliant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsRaised.WithLabelValues("4")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.alertsClosed.WithLabelValues("Resolved")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CheckCompleted("Compliant", time.Second)
	m.RuleFailed("Custom")
	m.CycleCompleted(time.Second, 2)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.SnapshotWritten()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "insurewatch_dashboard_snapshots_total 1")
}
