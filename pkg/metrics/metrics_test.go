package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.StoreChange("appended")
		m.StaleDiscard("initial")
		m.PageLoad("older", nil)
		m.SendOutcome("sent")
		m.EventApplied("typing")
		m.Reconnect()
		m.ReadReceipt()
		m.SetTypingUsers(2)
		m.SetOnlineUsers(3)
		m.AssistantFinished("done")
	})
	require.Nil(t, m.Registry())
}

func TestCountersAreRecorded(t *testing.T) {
	m := New()
	m.StoreChange("appended")
	m.StoreChange("appended")
	m.PageLoad("older", errors.New("boom"))
	m.Reconnect()
	m.SetOnlineUsers(4)

	require.Equal(t, 2.0, testutil.ToFloat64(m.storeChanges.WithLabelValues("appended")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.pageLoads.WithLabelValues("older", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	require.Equal(t, 4.0, testutil.ToFloat64(m.onlineUsers))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.SendOutcome("failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	require.Contains(t, string(body), `chatsync_sends_total{outcome="failed"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
