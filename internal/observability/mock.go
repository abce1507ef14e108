package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry records counter increments so tests can assert on
// them. Keys are the metric name joined with its labels by ":".
type MockMetricsRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *MockMetricsRegistry) inc(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key] += n
}

// Count returns the recorded total for key.
func (m *MockMetricsRegistry) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

// HTTP Request metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests:"+endpoint+":"+status, 1)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Ad runtime metrics
func (m *MockMetricsRegistry) IncrementActivation(adType, result string) {
	m.inc("activation:"+adType+":"+result, 1)
}
func (m *MockMetricsRegistry) IncrementFallback(reason string) { m.inc("fallback:"+reason, 1) }
func (m *MockMetricsRegistry) IncrementReadinessTimeout(library string) {
	m.inc("readiness_timeout:"+library, 1)
}
func (m *MockMetricsRegistry) IncrementHeaderScripts(n int) { m.inc("header_scripts", n) }

// Data access metrics
func (m *MockMetricsRegistry) IncrementFetchErrors(source string) { m.inc("fetch_error:"+source, 1) }
func (m *MockMetricsRegistry) IncrementCacheLookup(result string) { m.inc("cache:"+result, 1) }
func (m *MockMetricsRegistry) SetAdsLoaded(n int)                 {}

// Consent metrics
func (m *MockMetricsRegistry) IncrementConsentUpdates(result string) {
	m.inc("consent:"+result, 1)
}
