package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API
// and the permit lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	lifecycleTotal  *prometheus.CounterVec
	staleRejected   prometheus.Counter
	feedCacheHits   prometheus.Counter
	feedCacheMisses prometheus.Counter
	batchDuration   prometheus.Histogram
}

// NewMetricsService registers the collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	lifecycleTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "permit_lifecycle_events_total",
		Help: "Lifecycle transitions by record kind and event",
	}, []string{"kind", "event"})

	staleRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "permit_stale_reference_rejections_total",
		Help: "Mutations rejected because the echoed reference was stale",
	})

	feedCacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expiring_feed_cache_hits_total",
		Help: "Expiring-feed responses served from cache",
	})

	feedCacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expiring_feed_cache_misses_total",
		Help: "Expiring-feed responses built from the database",
	})

	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "expiry_batch_duration_seconds",
		Help:    "Duration of expire-and-notify batch runs",
		Buckets: prometheus.DefBuckets,
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, lifecycleTotal, staleRejected,
		feedCacheHits, feedCacheMisses, batchDuration, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		lifecycleTotal:  lifecycleTotal,
		staleRejected:   staleRejected,
		feedCacheHits:   feedCacheHits,
		feedCacheMisses: feedCacheMisses,
		batchDuration:   batchDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one served request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordLifecycleEvent counts one lifecycle transition, e.g.
// ("authorization", "created") or ("dispensation", "expired").
func (m *MetricsService) RecordLifecycleEvent(kind, event string) {
	if m == nil {
		return
	}
	m.lifecycleTotal.WithLabelValues(kind, event).Inc()
}

// RecordStaleRejection counts one optimistic-concurrency rejection.
func (m *MetricsService) RecordStaleRejection() {
	if m == nil {
		return
	}
	m.staleRejected.Inc()
}

// RecordFeedCache counts one feed lookup outcome.
func (m *MetricsService) RecordFeedCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.feedCacheHits.Inc()
	} else {
		m.feedCacheMisses.Inc()
	}
}

// ObserveBatch records the duration of one expiry batch.
func (m *MetricsService) ObserveBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}
