package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/stillpoint/pkg/breaker"
	"github.com/3leaps/stillpoint/pkg/jobs"
)

const namespace = "stillpoint"

// Metrics is one registry of service metrics. Each process (or test) owns
// its own instance.
type Metrics struct {
	Registry *prometheus.Registry

	JobsCreated      *prometheus.CounterVec
	JobTransitions   *prometheus.CounterVec
	SegmentsUploaded prometheus.Counter
	BreakerState     *prometheus.GaugeVec
	BreakerTrips     *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		JobsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs created, by type and streaming mode.",
		}, []string{"job_type", "streaming"}),
		JobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Persisted job status changes.",
		}, []string{"job_type", "from", "to"}),
		SegmentsUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hls_segments_uploaded_total",
			Help:      "HLS segments published by workers.",
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Breaker state changes by target state.",
		}, []string{"breaker", "to"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "TTL cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveTransition matches jobs.TransitionFunc.
func (m *Metrics) ObserveTransition(jobType jobs.Type, from, to jobs.Status) {
	m.JobTransitions.WithLabelValues(string(jobType), string(from), string(to)).Inc()
}

// ObserveBreaker matches breaker.StateChangeFunc.
func (m *Metrics) ObserveBreaker(name string, from, to breaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	m.BreakerTrips.WithLabelValues(name, to.String()).Inc()
}

// InitBreakers publishes the current state of each breaker in set.
func (m *Metrics) InitBreakers(set *breaker.Set) {
	for _, b := range set.All() {
		m.BreakerState.WithLabelValues(b.Name()).Set(float64(b.State()))
	}
}

func (m *Metrics) ObserveJobCreated(jobType jobs.Type, streaming bool) {
	m.JobsCreated.WithLabelValues(string(jobType), strconv.FormatBool(streaming)).Inc()
}

func (m *Metrics) ObserveSegment() {
	m.SegmentsUploaded.Inc()
}

// ObserveCache records a hit or miss on the named cache.
func (m *Metrics) ObserveCache(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
