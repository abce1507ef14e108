package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/tenantads/internal/admanager"
	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/geoip"
	"github.com/patrickwarner/tenantads/internal/headscripts"
	"github.com/patrickwarner/tenantads/internal/injector"
	"github.com/patrickwarner/tenantads/internal/middleware"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
	"github.com/patrickwarner/tenantads/internal/snippet"
	"github.com/patrickwarner/tenantads/internal/tenant"
)

// AttrPlacementSlot marks the page regions ads are rendered into.
const AttrPlacementSlot = "data-ad-placement-slot"

const maxPageBytes = 4 << 20

type renderDebug struct {
	HTML        string          `json:"html"`
	Stats       admanager.Stats `json:"stats"`
	HeadScripts int             `json:"headScripts"`
}

// renderTimings are used for server-side sessions. The page window only
// changes while the session runs, so waits resolve on the first check and
// rendered content is not monitored.
func renderTimings(base config.Timings) config.Timings {
	t := base
	t.LibraryWaitTimeout = 0
	t.AdLibraryReadyTimeout = 0
	t.AdServerReadyTimeout = 0
	t.DisplayRetries = 1
	t.DisplayRetryDelay = 0
	t.VerifyInterval = 0
	return t
}

// RenderHandler injects a tenant's ads into the posted page:
// POST /render?path=/blog/x&pageType=blog&tz=Europe/Berlin[&debug=1]
func (s *Server) RenderHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "render"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)
	ctx := r.Context()

	ip := geoip.ClientIP(r)
	visitor := analytics.ResolveVisitor(s.GeoIP, r.UserAgent(), ip)
	doc, err := dom.Parse(http.MaxBytesReader(w, r.Body, maxPageBytes))
	if err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid page", http.StatusBadRequest)
		return
	}
	if visitor.IsBot {
		s.observe(endpoint, method, http.StatusOK, start)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = doc.Render(w)
		return
	}

	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		path = "/"
	}
	pageType := models.PageType(q.Get("pageType"))
	if pageType == "" {
		pageType = models.PageHome
	}
	tz := q.Get("tz")
	tenantID := tenant.FromContext(ctx)
	ctx, span := observability.StartSpan(ctx, "render.page",
		attribute.String("tenant", tenantID),
		attribute.String("page_type", string(pageType)),
	)
	defer span.End()

	required := s.consentRequired(r, tz)
	store := s.consentStore(ctx, visitorID(w, r), tz)
	perm := headscripts.Permissions{Analytics: true, Marketing: true}
	if required {
		perm.Analytics = store.HasConsent(models.ConsentAnalytics)
		perm.Marketing = store.HasConsent(models.ConsentMarketing)
	}

	adCfg := s.Config.Ads
	adCfg.Timings = renderTimings(adCfg.Timings)
	if q.Get("debug") == "1" {
		adCfg.Debug = true
	}
	runtimeLog := observability.AdRuntimeLogger(logger, adCfg.Debug, adCfg.LogLevel)

	win := dom.NewWindow()
	headscripts.Bootstrap(doc, win, adCfg, perm)
	rules := snippet.NewRules(adCfg.Timings.AnalyticsDeferPoll, adCfg.Timings.AdLibraryDeferPoll, adCfg.Timings.AdServerDeferPoll)
	header := headscripts.New(doc, win, s.Fetcher, rules, runtimeLog, s.Metrics)
	headCount := header.Run(ctx, path, tenantID)

	mgr := admanager.New(admanager.Options{
		Config:  adCfg,
		Doc:     doc,
		Window:  win,
		Consent: store,
		Events:  s.Events,
		Logger:  runtimeLog,
		Metrics: s.Metrics,
		Page: admanager.PageContext{
			TenantID:        tenantID,
			PageType:        pageType,
			URL:             path,
			Visitor:         visitor,
			ConsentRequired: required,
		},
	})
	defer mgr.Close()
	mgr.Initialize(ctx)

	if err := s.injectPlacements(ctx, doc, win, mgr, runtimeLog, tenantID, pageType); err != nil {
		logger.Warn("placement injection interrupted", zap.Error(err))
	}

	stats := mgr.GetStats()
	span.SetAttributes(attribute.Int("ads.total", stats.Total), attribute.Int("ads.failed", stats.Failed))
	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("page rendered",
			zap.String("tenant", tenantID),
			zap.String("path", path),
			zap.Int("ads", stats.Total),
			zap.Int("failed", stats.Failed),
			zap.Int("header_nodes", headCount),
		)
	}

	s.observe(endpoint, method, http.StatusOK, start)
	if adCfg.Debug {
		writeJSON(w, http.StatusOK, renderDebug{HTML: doc.String(), Stats: stats, HeadScripts: headCount})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := doc.Render(w); err != nil {
		logger.Error("render page", zap.Error(err))
	}
}

// injectPlacements runs one injector per placement region concurrently.
func (s *Server) injectPlacements(ctx context.Context, doc *dom.Document, win *dom.Window, mgr *admanager.Manager, logger *zap.Logger, tenantID string, pageType models.PageType) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, anchor := range doc.QueryAll("[" + AttrPlacementSlot + "]") {
		raw, _ := anchor.Attr(AttrPlacementSlot)
		placement := models.Placement(strings.ToUpper(strings.TrimSpace(raw)))
		if !placement.Valid() || placement == models.PlacementHeader {
			logger.Debug("skipping placement region", zap.String("placement", raw))
			continue
		}
		inj := injector.New(anchor, injector.Options{
			Doc:       doc,
			Window:    win,
			Fetcher:   s.Fetcher,
			Activator: mgr,
			Logger:    logger,
		})
		g.Go(func() error {
			inj.Run(gctx, injector.Key{Placement: placement, PageType: pageType, TenantID: tenantID})
			return gctx.Err()
		})
	}
	return g.Wait()
}
