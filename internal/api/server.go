package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/db"
	"github.com/patrickwarner/tenantads/internal/fetcher"
	"github.com/patrickwarner/tenantads/internal/geoip"
	"github.com/patrickwarner/tenantads/internal/middleware"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
	"github.com/patrickwarner/tenantads/internal/tenant"
)

// EventReporter aggregates stored ad events.
type EventReporter interface {
	CountsByTenant(ctx context.Context, tenantID string, since time.Time) ([]analytics.AdEventCount, error)
}

// Server groups dependencies for HTTP handlers. Store, PG, Cache, Reports
// and GeoIP are optional.
type Server struct {
	Logger      *zap.Logger
	Store       *db.RedisStore
	PG          *db.Postgres
	AdDataStore models.AdDataStore
	Fetcher     fetcher.Fetcher
	Cache       *fetcher.CachedFetcher
	Events      analytics.EventSink
	Reports     EventReporter
	GeoIP       *geoip.GeoIP
	Metrics     observability.MetricsRegistry
	Config      config.Config

	reloadMu   sync.Mutex
	limiters   *visitorLimiters
	ipLimiters *visitorLimiters

	// consent blobs of visitors when Redis is not configured
	memConsent *memoryConsents
}

// NewServer constructs a Server. Ad reads go through a Redis cache when a
// Redis store is given.
func NewServer(logger *zap.Logger, store *db.RedisStore, pg *db.Postgres, adDataStore models.AdDataStore, events analytics.EventSink, geo *geoip.GeoIP, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if events == nil {
		events = analytics.NoopSink{}
	}
	s := &Server{
		Logger:      logger,
		Store:       store,
		PG:          pg,
		AdDataStore: adDataStore,
		Events:      events,
		GeoIP:       geo,
		Metrics:     metrics,
		Config:      cfg,
		limiters:    newVisitorLimiters(cfg.ConsentWriteRate, cfg.ConsentWriteBurst),
		ipLimiters:  newVisitorLimiters(cfg.ConsentWriteRate*ipLimitMultiplier, cfg.ConsentWriteBurst*ipLimitMultiplier),
		memConsent:  newMemoryConsents(maxMemoryConsents, memoryConsentIdle),
	}
	var f fetcher.Fetcher = fetcher.StoreFetcher{Store: adDataStore}
	if store != nil && store.Client != nil {
		s.Cache = fetcher.NewCachedFetcher(f, store.Client, cfg.AdCacheTTL, logger, metrics)
		f = s.Cache
	}
	s.Fetcher = f
	return s
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.Use(tenant.Middleware(s.Config.TenantRootDomain))

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.HandleFunc("/render", s.RenderHandler).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ads", s.GetAdsHandler).Methods("GET")
	api.HandleFunc("/consent", s.GetConsentHandler).Methods("GET")
	api.HandleFunc("/consent", s.PutConsentHandler).Methods("PUT")
	api.HandleFunc("/consent", s.DeleteConsentHandler).Methods("DELETE")
	api.HandleFunc("/consent/required", s.ConsentRequiredHandler).Methods("GET")

	// CRUD routes for admin UI
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/ads", s.ListAds).Methods("GET")
	admin.HandleFunc("/ads", s.CreateAd).Methods("POST")
	admin.HandleFunc("/ads/{id}", s.UpdateAd).Methods("PUT")
	admin.HandleFunc("/ads/{id}", s.DeleteAd).Methods("DELETE")
	admin.HandleFunc("/stats", s.StatsHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Handler is the traced HTTP handler of the service.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), s.Config.ServiceName)
}

// Reload refreshes the ad records from Postgres and drops cached scopes.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	n, err := db.Reload(ctx, s.PG, s.AdDataStore)
	if err != nil {
		return err
	}
	s.invalidate(ctx, "*")
	if observability.ShouldSample(observability.GetSamplingRate()) {
		s.Logger.Info("ad records reloaded", zap.Int("ads", n))
	}
	return nil
}

// ApplyUpdate handles an update published by another instance.
func (s *Server) ApplyUpdate(ctx context.Context, u db.AdUpdate) {
	if s.PG == nil {
		return
	}
	if err := db.Apply(ctx, s.PG, s.AdDataStore, u); err != nil {
		s.Logger.Error("apply ad update", zap.String("op", u.Op), zap.String("ad_id", u.AdID), zap.Error(err))
		return
	}
	tenantID := u.TenantID
	if tenantID == "" {
		tenantID = "*"
	}
	s.invalidate(ctx, tenantID)
}

func (s *Server) invalidate(ctx context.Context, tenantID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, tenantID); err != nil {
		s.Logger.Warn("failed to invalidate ad cache", zap.String("tenant", tenantID), zap.Error(err))
	}
}

func (s *Server) notifyUpdate(ctx context.Context, op, adID, tenantID string) {
	if s.Store == nil || s.Store.Client == nil {
		s.Logger.Warn("redis store not available, skipping update notification")
		return
	}
	if err := s.Store.PublishAdUpdate(ctx, db.AdUpdate{Op: op, AdID: adID, TenantID: tenantID}); err != nil {
		s.Logger.Error("failed to publish update message", zap.Error(err))
	}
}

// observe records request count and latency.
func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, fmt.Sprint(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
