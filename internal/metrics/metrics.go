// Package metrics holds the Prometheus metrics of a dispatchq instance.
//
// Every Registry owns a private prometheus.Registry so that several tracker
// instances (and tests) never collide on the global default registerer.
//
// # Families
//
//	dispatchq_dispatches_tracked_total{status}            track() outcomes
//	dispatchq_dispatches_processed_total{dispatcher,status} delivery outcomes
//	dispatchq_queue_size{dispatcher}                      queued dispatches per dispatcher
//	dispatchq_dispatch_duration_seconds{dispatcher}       dispatcher round trip
//	dispatchq_barrier_open{dispatcher}                    1 while the dispatcher's barriers are open
//	dispatchq_http_requests_total{method,path,status}     HTTP surface
//	dispatchq_http_request_duration_seconds{method,path}
//
// Handler() renders the families in the Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snehjoshi/dispatchq/internal/types"
)

const namespace = "dispatchq"

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry holds all dispatchq application metrics. A nil *Registry is valid
// and records nothing.
type Registry struct {
	reg *prometheus.Registry

	Tracked       *prometheus.CounterVec
	Processed     *prometheus.CounterVec
	QueueSize     *prometheus.GaugeVec
	DispatchTime  *prometheus.HistogramVec
	BarrierOpen   *prometheus.GaugeVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewRegistry creates the metric families and registers them, plus the Go
// runtime and process collectors, on a fresh prometheus.Registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Tracked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatches",
			Name:      "tracked_total",
			Help:      "Dispatches passed to track, by result status",
		}, []string{"status"}),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatches",
			Name:      "processed_total",
			Help:      "Dispatches handed to a dispatcher, by dispatcher and outcome",
		}, []string{"dispatcher", "status"}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Queued dispatches per dispatcher, in flight included",
		}, []string{"dispatcher"}),
		DispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from handing a batch to a dispatcher until it reports completion",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dispatcher"}),
		BarrierOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "barrier_open",
			Help:      "1 while every barrier scoped to the dispatcher is open",
		}, []string{"dispatcher"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		HTTPDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	r.reg.MustRegister(
		r.Tracked, r.Processed, r.QueueSize, r.DispatchTime, r.BarrierOpen,
		r.HTTPRequests, r.HTTPDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Handler renders every registered family.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ─── Recording helpers ───────────────────────────────────────────────────────

// ObserveTrack counts a track() outcome.
func (r *Registry) ObserveTrack(res types.TrackResult) {
	if r == nil {
		return
	}
	r.Tracked.WithLabelValues(res.Status.String()).Inc()
}

// ObserveDelivery counts the per-dispatch outcomes of one dispatcher batch
// and its duration.
func (r *Registry) ObserveDelivery(dispatcherID string, results []types.TrackResult, took time.Duration) {
	if r == nil {
		return
	}
	for _, res := range results {
		r.Processed.WithLabelValues(dispatcherID, res.Status.String()).Inc()
	}
	r.DispatchTime.WithLabelValues(dispatcherID).Observe(took.Seconds())
}

// SetQueueSizes replaces the queue size gauges.
func (r *Registry) SetQueueSizes(sizes map[string]int) {
	if r == nil {
		return
	}
	r.QueueSize.Reset()
	for id, n := range sizes {
		r.QueueSize.WithLabelValues(id).Set(float64(n))
	}
}

// SetBarrierState records the combined barrier state of a dispatcher.
func (r *Registry) SetBarrierState(dispatcherID string, s types.BarrierState) {
	if r == nil {
		return
	}
	v := 0.0
	if s == types.BarrierOpen {
		v = 1
	}
	r.BarrierOpen.WithLabelValues(dispatcherID).Set(v)
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, path string, status int, took time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPDurations.WithLabelValues(method, path).Observe(took.Seconds())
}
