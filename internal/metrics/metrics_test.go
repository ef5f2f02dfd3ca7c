package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.SetOnlineUsers(3)
		m.EventReceived("join")
		m.RelayOutcome(1, 1)
		m.FrameDropped("overflow")
		m.EventError("invalid_payload")
		m.Bridge("in", "relay.deliver")
		m.ObserveHTTP("GET", 200, time.Millisecond)
	})
}

func TestMetrics_Connections(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
}

func TestMetrics_RelayOutcome(t *testing.T) {
	m := New()
	m.RelayOutcome(2, 1)
	m.RelayOutcome(0, 1)
	m.RelayOutcome(0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Relayed.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Relayed.WithLabelValues("offline")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Relayed.WithLabelValues("echoed")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.EventReceived("send_message")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `chatrelay_ws_events_total{event="send_message"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
