package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/api"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/db"
	"github.com/patrickwarner/tenantads/internal/geoip"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
)

func main() {
	// a missing .env file is fine; the environment wins either way
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()
	zap.ReplaceGlobals(logger)

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, observability.TracingOptions{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.TempoEndpoint,
			SampleRate:  cfg.TracingSampleRate,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}

	adDataStore := models.NewInMemoryAdDataStore()
	n, err := db.Reload(ctx, pg, adDataStore)
	if err != nil {
		return fmt.Errorf("load ads: %w", err)
	}
	logger.Info("ad records loaded", zap.Int("ads", n))

	store, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer store.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	// ClickHouse is optional; ad events are dropped without it
	var events analytics.EventSink = analytics.NoopSink{}
	var reports api.EventReporter
	if cfg.ClickHouseDSN != "" {
		analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("clickhouse unavailable, ad events disabled", zap.Error(err))
		} else {
			defer analyticsSvc.Close()
			events = analyticsSvc
			reports = analyticsSvc
		}
	}

	var geoSvc *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		geoSvc, err = geoip.Init(cfg.GeoIPDB)
		if err != nil {
			logger.Warn("geoip unavailable, consent region falls back to time zone", zap.Error(err))
		} else {
			defer func() { _ = geoSvc.Close() }()
		}
	}

	srvDeps := api.NewServer(logger, store, pg, adDataStore, events, geoSvc, metricsRegistry, cfg)
	srvDeps.Reports = reports

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srvDeps.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tenant ad service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	// other instances announce admin writes over Redis
	g.Go(func() error {
		err := store.SubscribeAdUpdates(gctx, logger, func(u db.AdUpdate) {
			srvDeps.ApplyUpdate(gctx, u)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ad update subscription stopped", zap.Error(err))
		}
		return nil
	})
	if cfg.ReloadInterval > 0 {
		g.Go(func() error {
			reloadLoop(gctx, logger, srvDeps, cfg.ReloadInterval)
			return nil
		})
	}
	return g.Wait()
}

// reloadLoop refreshes the in-memory ad store from Postgres until ctx ends.
func reloadLoop(ctx context.Context, logger *zap.Logger, srv *api.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := srv.Reload(ctx); err != nil {
				logger.Error("scheduled reload", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
