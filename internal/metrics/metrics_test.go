package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionStopped()
		m.SessionAccepted(true)
		m.SessionsExpired(3)
		m.PayloadReceived()
		m.Dispatched("MESSAGE_CREATED", 1, 1)
		m.Closed(1008)
		m.AdmissionRejected("rate_limited")
		m.PresenceConflict()
	})
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionStopped()
	m.SessionAccepted(false)
	m.SessionAccepted(true)
	m.SessionAccepted(true)
	m.SessionsExpired(2)
	m.Dispatched("ROOM_CREATED", 3, 1)
	m.Closed(1009)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("resumed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsExpired))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("ROOM_CREATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchFailures.WithLabelValues("ROOM_CREATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closures.WithLabelValues("1009")))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestHandlerServesRegistry(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	m.PayloadReceived()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "chatgate_payloads_received_total 1"))
}
