package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/dispatchq/internal/metrics"
	"github.com/snehjoshi/dispatchq/internal/types"
)

func TestRegistry_TrackAndDeliveryCounters(t *testing.T) {
	reg := metrics.NewRegistry()
	d := types.NewDispatch("id-1", "ev", types.DispatchEvent, nil, time.Now())

	reg.ObserveTrack(types.Accepted(d, ""))
	reg.ObserveTrack(types.Accepted(d, ""))
	reg.ObserveTrack(types.Dropped(d, ""))

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.Tracked.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Tracked.WithLabelValues("dropped")))

	reg.ObserveDelivery("hook", []types.TrackResult{
		{Dispatch: d, Status: types.TrackDelivered},
		{Dispatch: d, Status: types.TrackFailed},
		{Dispatch: d, Status: types.TrackDelivered},
	}, 20*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.Processed.WithLabelValues("hook", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Processed.WithLabelValues("hook", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(reg.DispatchTime))
}

func TestRegistry_Gauges(t *testing.T) {
	reg := metrics.NewRegistry()

	reg.SetQueueSizes(map[string]int{"a": 3, "b": 1})
	reg.SetQueueSizes(map[string]int{"a": 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.QueueSize.WithLabelValues("a")))
	assert.Equal(t, 1, testutil.CollectAndCount(reg.QueueSize), "stale dispatchers are reset")

	reg.SetBarrierState("a", types.BarrierOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BarrierOpen.WithLabelValues("a")))
	reg.SetBarrierState("a", types.BarrierClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.BarrierOpen.WithLabelValues("a")))
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var reg *metrics.Registry
	assert.NotPanics(t, func() {
		reg.ObserveTrack(types.TrackResult{})
		reg.ObserveDelivery("x", nil, 0)
		reg.SetQueueSizes(nil)
		reg.SetBarrierState("x", types.BarrierOpen)
		reg.ObserveHTTP("GET", "/", 200, 0)
	})
}

func TestHandler_RendersPrometheusText(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.ObserveHTTP(http.MethodPost, "/v1/track", http.StatusAccepted, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dispatchq_http_requests_total{method="POST",path="/v1/track",status="202"} 1`)
	assert.Contains(t, string(body), "# TYPE dispatchq_http_request_duration_seconds histogram")
}
