package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Ad runtime metrics
	IncrementActivation(adType, result string)
	IncrementFallback(reason string)
	IncrementReadinessTimeout(library string)
	IncrementHeaderScripts(n int)

	// Data access metrics
	IncrementFetchErrors(source string)
	IncrementCacheLookup(result string)
	SetAdsLoaded(n int)

	// Consent metrics
	IncrementConsentUpdates(result string)
}

// PrometheusRegistry implements MetricsRegistry using the existing global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Ad runtime metrics
func (r *PrometheusRegistry) IncrementActivation(adType, result string) {
	AdActivations.WithLabelValues(adType, result).Inc()
}

func (r *PrometheusRegistry) IncrementFallback(reason string) {
	AdFallbacks.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) IncrementReadinessTimeout(library string) {
	ReadinessTimeouts.WithLabelValues(library).Inc()
}

func (r *PrometheusRegistry) IncrementHeaderScripts(n int) {
	HeaderScriptsInserted.Add(float64(n))
}

// Data access metrics
func (r *PrometheusRegistry) IncrementFetchErrors(source string) {
	FetchErrors.WithLabelValues(source).Inc()
}

func (r *PrometheusRegistry) IncrementCacheLookup(result string) {
	CacheLookups.WithLabelValues(result).Inc()
}

func (r *PrometheusRegistry) SetAdsLoaded(n int) {
	AdsLoaded.Set(float64(n))
}

// Consent metrics
func (r *PrometheusRegistry) IncrementConsentUpdates(result string) {
	ConsentUpdates.WithLabelValues(result).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// HTTP Request metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Ad runtime metrics
func (r *NoOpRegistry) IncrementActivation(adType, result string) {}
func (r *NoOpRegistry) IncrementFallback(reason string)           {}
func (r *NoOpRegistry) IncrementReadinessTimeout(library string)  {}
func (r *NoOpRegistry) IncrementHeaderScripts(n int)              {}

// Data access metrics
func (r *NoOpRegistry) IncrementFetchErrors(source string) {}
func (r *NoOpRegistry) IncrementCacheLookup(result string) {}
func (r *NoOpRegistry) SetAdsLoaded(n int)                 {}

// Consent metrics
func (r *NoOpRegistry) IncrementConsentUpdates(result string) {}
