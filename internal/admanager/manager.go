// Package admanager coordinates consent, library readiness and the slot
// registry to activate ads of each technology on a page.
//
// Every handler is fail-silent: failures end in a hidden container, or a
// labelled placeholder in debug mode, and are reported through logs,
// metrics and analytics events.
package admanager

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/consent"
	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
	"github.com/patrickwarner/tenantads/internal/readiness"
	"github.com/patrickwarner/tenantads/internal/registry"
	"github.com/patrickwarner/tenantads/internal/snippet"
)

// Attributes written by the manager.
const (
	AttrAdScript    = "data-ad-script"
	AttrScriptIndex = "data-script-index"
	AttrAdPush      = "data-ad-push"
	AttrManager     = "data-ad-manager"
	AttrFallback    = "data-ad-fallback"
	AttrReserved    = "data-ad-reserved"
)

// ConsentSource is the consent view the manager needs.
type ConsentSource interface {
	CanShowAd(cfg *models.AdConsentConfig) bool
	AddConsentListener(l consent.Listener) func()
}

// PageContext describes the page the manager works on. It is copied into
// analytics events.
type PageContext struct {
	TenantID string
	PageType models.PageType
	URL      string
	Visitor  analytics.Visitor
	// ConsentRequired is set when the visitor's region requires consent.
	ConsentRequired bool
}

// Options configures a Manager. Doc and Window are required.
type Options struct {
	Config   config.AdConfig
	Doc      *dom.Document
	Window   *dom.Window
	Registry *registry.Registry
	Consent  ConsentSource
	Gate     *readiness.Gate
	Events   analytics.EventSink
	Logger   *zap.Logger
	Metrics  observability.MetricsRegistry
	Page     PageContext
}

// Manager activates ads on one page.
type Manager struct {
	cfg     config.AdConfig
	timings config.Timings
	doc     *dom.Document
	win     *dom.Window
	reg     *registry.Registry
	consent ConsentSource
	gate    *readiness.Gate
	events  analytics.EventSink
	log     *zap.Logger
	metrics observability.MetricsRegistry
	page    PageContext

	initMu      sync.Mutex
	initialized bool

	mu          sync.Mutex
	pushed      map[string]bool
	slots       map[string]string
	headScripts map[string][]*dom.Element
	meta        map[string]models.AdRecord

	monitorCtx    context.Context
	cancelMonitor context.CancelFunc
	monitors      sync.WaitGroup
	unsubscribe   func()
}

// New builds a manager. Missing collaborators get in-process defaults.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoOpRegistry()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Events == nil {
		opts.Events = analytics.NoopSink{}
	}
	if opts.Gate == nil {
		opts.Gate = readiness.New(opts.Window, opts.Logger, opts.Metrics, opts.Config.Timings.ReadyPollInterval)
	}
	if opts.Config.Timings == (config.Timings{}) {
		opts.Config.Timings = config.DefaultTimings()
	}

	m := &Manager{
		cfg:         opts.Config,
		timings:     opts.Config.Timings,
		doc:         opts.Doc,
		win:         opts.Window,
		reg:         opts.Registry,
		consent:     opts.Consent,
		gate:        opts.Gate,
		events:      opts.Events,
		log:         opts.Logger.Named("admanager"),
		metrics:     opts.Metrics,
		page:        opts.Page,
		pushed:      make(map[string]bool),
		slots:       make(map[string]string),
		headScripts: make(map[string][]*dom.Element),
		meta:        make(map[string]models.AdRecord),
	}
	m.monitorCtx, m.cancelMonitor = context.WithCancel(context.Background())
	if m.consent != nil {
		m.unsubscribe = m.consent.AddConsentListener(m.onConsentChange)
	}
	return m
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager, built on first use from the
// environment configuration, an empty page and the default consent store.
func Default() *Manager {
	defaultOnce.Do(func() {
		cfg := config.LoadAdConfig()
		defaultManager = New(Options{
			Config:  cfg,
			Doc:     dom.NewDocument(),
			Window:  dom.NewWindow(),
			Consent: consent.Default(),
			Logger:  observability.AdRuntimeLogger(zap.L(), cfg.Debug, cfg.LogLevel),
		})
	})
	return defaultManager
}

// Registry exposes the slot registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Initialize waits for the third-party libraries and runs their page
// setup. Only the first call does any work.
func (m *Manager) Initialize(ctx context.Context) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized {
		return
	}
	m.initialized = true

	m.gate.WaitForLibraries(ctx, m.timings.LibraryWaitTimeout, m.timings.LibraryPollInterval)

	if m.cfg.GAEnabled && m.win.Has(dom.GlobalAnalyticsTag) {
		title := ""
		if t := m.doc.Query("head title"); t != nil {
			title = t.Text()
		}
		m.appendHeadScript("analytics-config", fmt.Sprintf(
			"gtag('config', '%s', {page_title: %s, page_location: %s});",
			jsEscape(m.cfg.GAMeasurementID), jsQuote(title), jsQuote(m.page.URL)))
	}

	if m.cfg.GAMEnabled && m.win.HasAll(dom.GlobalAdServer, dom.GlobalAdServerPubAds) {
		m.appendHeadScript("ad-server-setup", `googletag.cmd.push(function() {
  googletag.pubads().enableSingleRequest();
  googletag.pubads().collapseEmptyDivs();
  googletag.pubads().enableLazyLoad({fetchMarginPercent: 500, renderMarginPercent: 200, mobileScaling: 2.0});
  googletag.enableServices();
});`)
	}
	m.log.Debug("ad manager initialized",
		zap.Bool("analytics", m.win.Has(dom.GlobalAnalyticsTag)),
		zap.Bool("ad_library", m.win.Has(dom.GlobalAdLibrary)),
		zap.Bool("ad_server", m.win.Has(dom.GlobalServicesOn)),
	)
}

func (m *Manager) appendHeadScript(name, content string) {
	s := m.doc.CreateElement("script")
	s.SetAttr(AttrManager, name)
	s.SetText(content)
	m.doc.Head().Append(s)
	m.win.Run(s)
}

var jsEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "<", `\x3c`)

func jsEscape(s string) string { return jsEscaper.Replace(s) }
func jsQuote(s string) string  { return "'" + jsEscape(s) + "'" }

// Activate runs the registry check, the consent gate and the technology
// dispatch for one ad record. It reports whether the ad was activated.
func (m *Manager) Activate(ctx context.Context, ad models.AdRecord, container *dom.Element) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("ad activation panicked", zap.String("ad_id", ad.ID), zap.Any("panic", r))
			m.fallback(ctx, container, ad.ID, "internal error")
			ok = false
		}
	}()

	if m.reg.Has(ad.ID) {
		m.metrics.IncrementActivation(string(snippet.Detect(ad.CodeSnippet)), "skipped")
		return true
	}
	m.mu.Lock()
	m.meta[ad.ID] = ad
	m.mu.Unlock()

	if m.page.ConsentRequired && m.cfg.RequireMarketingConsent && m.consent != nil &&
		!m.consent.CanShowAd(&models.AdConsentConfig{RequiresConsent: true}) {
		m.metrics.IncrementActivation(string(snippet.Detect(ad.CodeSnippet)), "no_consent")
		m.fallback(ctx, container, ad.ID, "consent required")
		return false
	}

	adType := snippet.Detect(ad.CodeSnippet)
	if adType != models.AdTypeCustom {
		m.Initialize(ctx)
	}
	switch adType {
	case models.AdTypeAdLibrary:
		return m.HandleAdLibraryAd(ctx, ad.ID, container, ad.CodeSnippet)
	case models.AdTypeAdServer:
		return m.HandleAdServerAd(ctx, ad.ID, container, ad.CodeSnippet)
	case models.AdTypeAdServerDisplay:
		return m.HandleAdServerDisplayAd(ctx, ad.ID, container, ad.CodeSnippet)
	default:
		return m.HandleCustomAd(ctx, ad.ID, container, ad.CodeSnippet)
	}
}

// fallback renders the failure state of a container: a labelled
// placeholder in debug mode, a hidden container otherwise.
func (m *Manager) fallback(ctx context.Context, container *dom.Element, adID, reason string) {
	m.metrics.IncrementFallback(reason)
	m.reg.SetLoaded(adID, false)
	m.emit(ctx, analytics.EventAdFallback, adID, reason)
	m.log.Debug("rendering ad fallback", zap.String("ad_id", adID), zap.String("reason", reason))

	if container == nil {
		return
	}
	if m.cfg.Debug {
		markup := fmt.Sprintf(
			`<div class="ad-fallback" %s="%s" style="min-height:90px;border:1px dashed #9ca3af;padding:8px;color:#6b7280;font-size:12px">Ad %s unavailable: %s</div>`,
			AttrFallback, html.EscapeString(adID), html.EscapeString(adID), html.EscapeString(reason))
		if err := container.SetInnerHTML(markup); err != nil {
			container.Hide()
		}
		return
	}
	container.Clear()
	container.Hide()
}

func (m *Manager) emit(ctx context.Context, eventType, adID, reason string) {
	m.mu.Lock()
	ad := m.meta[adID]
	m.mu.Unlock()
	adType := models.AdTypeCustom
	if e, ok := m.reg.Get(adID); ok && e.AdType != "" {
		adType = e.AdType
	} else if ad.CodeSnippet != "" {
		adType = snippet.Detect(ad.CodeSnippet)
	}

	ev := analytics.AdEvent{
		EventType:  eventType,
		TenantID:   m.page.TenantID,
		AdID:       adID,
		AdType:     adType,
		Placement:  ad.Placement,
		PageType:   m.page.PageType,
		Reason:     reason,
		DeviceType: m.page.Visitor.DeviceType,
		Country:    m.page.Visitor.Country,
	}
	if err := m.events.RecordAdEvent(context.WithoutCancel(ctx), ev); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
		m.log.Warn("failed to record ad event", zap.String("event", eventType), zap.String("ad_id", adID), zap.Error(err))
	}
}

func (m *Manager) onConsentChange(st models.ConsentState) {
	if !m.page.ConsentRequired || st.Marketing {
		return
	}
	m.log.Info("marketing consent withdrawn, removing ads", zap.Int("ads", m.reg.Len()))
	m.Cleanup()
}

// Close stops verification monitors and detaches the consent listener.
func (m *Manager) Close() {
	m.cancelMonitor()
	m.monitors.Wait()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// WaitMonitors blocks until every verification monitor has finished.
func (m *Manager) WaitMonitors() {
	m.monitors.Wait()
}
