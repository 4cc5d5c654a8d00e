package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.DeltaSent(true)
		m.DeltaReceived(true, 3)
		m.FrameMalformed("decode")
		m.QueueOverflow()
		m.SnapshotSaved(10, time.Millisecond, nil)
		m.StateKeys(4)
	})
	require.Nil(t, m.Registry())
}

func TestCountersRecord(t *testing.T) {
	m := New()
	m.DeltaSent(false)
	m.DeltaSent(true)
	m.DeltaSent(true)
	m.DeltaReceived(false, 0)
	m.SnapshotSaved(0, time.Millisecond, errors.New("disk full"))

	body := scrape(t, m)
	require.Contains(t, body, `concord_sync_deltas_sent_total{kind="full"} 2`)
	require.Contains(t, body, `concord_sync_deltas_received_total{result="rejected"} 1`)
	require.Contains(t, body, `concord_snapshot_saves_total{result="error"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	return recorder.Body.String()
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.PeersConnected(2)

	require.True(t, strings.Contains(scrape(t, m), "concord_sync_peers_connected 2"))
}
