package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "reqcoord"

// Metrics are the coordinator's prometheus collectors. NewMetrics(nil)
// returns working collectors that are not registered anywhere.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	InFlightJoins   prometheus.Counter
	QueueDepth      prometheus.Gauge
	ActiveRequests  prometheus.Gauge
	Retries         prometheus.Counter
	RateLimitEvents prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_hits_total",
			Help:      "GET requests answered from the response cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_misses_total",
			Help:      "GET requests with no fresh cache entry.",
		}),
		InFlightJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inflight_joins_total",
			Help:      "GET requests that shared an already issued call.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Requests waiting in the queue.",
		}),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_requests",
			Help:      "Requests dequeued and not yet settled.",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Retries scheduled after rate-limited responses.",
		}),
		RateLimitEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_responses_total",
			Help:      "Responses with status 429.",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dequeue to settle, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"method", "outcome"}),
	}
}
