package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.WalletCreated()
	m.TransactionStatus("executed")
	m.TransactionStatus("executed")
	m.LimitRejected("daily")
	m.Payout("simnet", "completed")
	m.AuditAppended(3)
	m.AuditDropped("kafka")
	m.JobRun("expire-stale", time.Millisecond, nil)
	m.JobRun("expire-stale", time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.walletsCreated))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.transactions.WithLabelValues("executed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.limitRejections.WithLabelValues("daily")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.auditEntries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobRuns.WithLabelValues("expire-stale", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobRuns.WithLabelValues("expire-stale", "success")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WalletCreated()
		m.Signature("accepted")
		m.RecordHTTPRequest("treasury", "GET", "/health", "200", time.Millisecond)
		m.JobRun("x", time.Second, nil)
	})
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.WalletCreated()
	m.RecordHTTPRequest("treasury", "GET", "/v1/wallets", "200", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "treasury_wallets_created_total 1"))
	assert.True(t, strings.Contains(body, `treasury_http_requests_total{method="GET",path="/v1/wallets",service="treasury",status="200"} 1`))
}
