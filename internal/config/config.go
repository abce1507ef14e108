package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	RedisAddr         string
	ClickHouseDSN     string
	PostgresDSN       string
	GeoIPDB           string
	ReloadInterval    time.Duration
	AdCacheTTL        time.Duration
	ServiceName       string
	TenantRootDomain  string
	ConsentVersion    string
	ConsentWriteRate  float64
	ConsentWriteBurst int
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64

	Ads AdConfig
}

// AdConfig holds the third-party integration identifiers and the timing
// knobs of the ad runtime.
type AdConfig struct {
	GAMeasurementID string
	AdSenseClientID string
	GAMNetworkCode  string
	GAEnabled       bool
	AdSenseEnabled  bool
	GAMEnabled      bool
	Debug           bool
	LogLevel        string
	// RequireMarketingConsent gates every ad on marketing consent when the
	// visitor's region requires consent.
	RequireMarketingConsent bool

	Timings Timings
}

// Timings are the polling intervals and windows used by the ad runtime.
// Relative ordering matters (analytics polls fastest, the ad server waits
// longest); the exact values are tunable.
type Timings struct {
	LibraryWaitTimeout    time.Duration
	LibraryPollInterval   time.Duration
	AdLibraryReadyTimeout time.Duration
	AdServerReadyTimeout  time.Duration
	ReadyPollInterval     time.Duration
	AnalyticsDeferPoll    time.Duration
	AdLibraryDeferPoll    time.Duration
	AdServerDeferPoll     time.Duration
	VerifyInterval        time.Duration
	VerifyWindow          time.Duration
	DisplayRetries        int
	DisplayRetryDelay     time.Duration
	InjectDebounce        time.Duration
}

// DefaultTimings returns the production timing values.
func DefaultTimings() Timings {
	return Timings{
		LibraryWaitTimeout:    10 * time.Second,
		LibraryPollInterval:   100 * time.Millisecond,
		AdLibraryReadyTimeout: 3 * time.Second,
		AdServerReadyTimeout:  5 * time.Second,
		ReadyPollInterval:     100 * time.Millisecond,
		AnalyticsDeferPoll:    50 * time.Millisecond,
		AdLibraryDeferPoll:    100 * time.Millisecond,
		AdServerDeferPoll:     100 * time.Millisecond,
		VerifyInterval:        time.Second,
		VerifyWindow:          10 * time.Second,
		DisplayRetries:        10,
		DisplayRetryDelay:     500 * time.Millisecond,
		InjectDebounce:        100 * time.Millisecond,
	}
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 15*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.GeoIPDB = getenv("GEOIP_DB", "internal/geoip/testdata/GeoLite2-Country.mmdb")
	// default to 30 seconds between automatic reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)
	cfg.AdCacheTTL = envDuration("AD_CACHE_TTL", time.Minute)
	cfg.ServiceName = getenv("SERVICE_NAME", "tenantads")
	cfg.TenantRootDomain = getenv("TENANT_ROOT_DOMAIN", "")
	cfg.ConsentVersion = getenv("CONSENT_VERSION", "1.0")
	cfg.ConsentWriteRate = envFloat("CONSENT_WRITE_RATE", 1)
	cfg.ConsentWriteBurst = envInt("CONSENT_WRITE_BURST", 5)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	cfg.Ads = LoadAdConfig()
	return cfg
}

// LoadAdConfig reads the ad integration settings. Unset identifiers fall
// back to the production property values.
func LoadAdConfig() AdConfig {
	ads := AdConfig{}
	ads.GAMeasurementID = getenv("GA_MEASUREMENT_ID", "G-XXXXXXXXXX")
	ads.AdSenseClientID = getenv("ADSENSE_CLIENT_ID", "ca-pub-0000000000000000")
	ads.GAMNetworkCode = getenv("GAM_NETWORK_CODE", "000000000")
	ads.GAEnabled = envBool("GA_ENABLED", true)
	ads.AdSenseEnabled = envBool("ADSENSE_ENABLED", true)
	ads.GAMEnabled = envBool("GAM_ENABLED", true)
	ads.Debug = envBool("AD_DEBUG", false)
	ads.LogLevel = strings.ToUpper(getenv("AD_LOG_LEVEL", "WARN"))
	ads.RequireMarketingConsent = envBool("AD_REQUIRE_MARKETING_CONSENT", true)

	def := DefaultTimings()
	ads.Timings = Timings{
		LibraryWaitTimeout:    envDuration("LIBRARY_WAIT_TIMEOUT", def.LibraryWaitTimeout),
		LibraryPollInterval:   envDuration("LIBRARY_POLL_INTERVAL", def.LibraryPollInterval),
		AdLibraryReadyTimeout: envDuration("AD_LIBRARY_READY_TIMEOUT", def.AdLibraryReadyTimeout),
		AdServerReadyTimeout:  envDuration("AD_SERVER_READY_TIMEOUT", def.AdServerReadyTimeout),
		ReadyPollInterval:     envDuration("READY_POLL_INTERVAL", def.ReadyPollInterval),
		AnalyticsDeferPoll:    envDuration("ANALYTICS_DEFER_POLL", def.AnalyticsDeferPoll),
		AdLibraryDeferPoll:    envDuration("AD_LIBRARY_DEFER_POLL", def.AdLibraryDeferPoll),
		AdServerDeferPoll:     envDuration("AD_SERVER_DEFER_POLL", def.AdServerDeferPoll),
		VerifyInterval:        envDuration("VERIFY_INTERVAL", def.VerifyInterval),
		VerifyWindow:          envDuration("VERIFY_WINDOW", def.VerifyWindow),
		DisplayRetries:        envInt("DISPLAY_RETRIES", def.DisplayRetries),
		DisplayRetryDelay:     envDuration("DISPLAY_RETRY_DELAY", def.DisplayRetryDelay),
		InjectDebounce:        envDuration("INJECT_DEBOUNCE", def.InjectDebounce),
	}
	return ads
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
