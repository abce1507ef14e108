package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantads_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantads_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// ad activations labelled by technology and result (loaded, skipped, failed)
	AdActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantads_ad_activations_total",
			Help: "Total ad activations by technology and result",
		},
		[]string{"type", "result"},
	)

	// fallbacks rendered, labelled by reason
	AdFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantads_ad_fallbacks_total",
			Help: "Total fallback renders by reason",
		},
		[]string{"reason"},
	)

	// readiness waits that hit their deadline
	ReadinessTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantads_readiness_timeouts_total",
			Help: "Total third-party readiness timeouts by library",
		},
		[]string{"library"},
	)

	// ad scope fetch failures per fetcher
	FetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantads_fetch_errors_total",
			Help: "Total ad scope fetch errors",
		},
		[]string{"source"},
	)

	// scope cache lookups labelled hit/miss/error
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantads_scope_cache_total",
			Help: "Ad scope cache lookups",
		},
		[]string{"result"},
	)

	// nodes inserted into the page head by the header injector
	HeaderScriptsInserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tenantads_header_nodes_inserted_total",
			Help: "Total head nodes inserted for header ads",
		},
	)

	// consent writes labelled by result
	ConsentUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantads_consent_updates_total",
			Help: "Total consent updates",
		},
		[]string{"result"},
	)

	// number of ad records in the in-memory store
	AdsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenantads_ads_loaded",
			Help: "Ad records currently loaded",
		},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		AdActivations,
		AdFallbacks,
		ReadinessTimeouts,
		FetchErrors,
		CacheLookups,
		HeaderScriptsInserted,
		ConsentUpdates,
		AdsLoaded,
	)
}
