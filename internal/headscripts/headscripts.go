// Package headscripts manages the global page-head scripts configured as
// HEADER ads. Inserted nodes are tracked and removed on the next run.
package headscripts

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/fetcher"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
	"github.com/patrickwarner/tenantads/internal/snippet"
)

// AttrHeaderAd tags head nodes inserted for a header ad.
const AttrHeaderAd = "data-header-ad"

// DeniedPrefixes are the route prefixes where header ads never run.
var DeniedPrefixes = []string{"/dashboard", "/admin", "/auth", "/login", "/signup", "/api"}

// Allowed reports whether header ads may run on route.
func Allowed(route string) bool {
	for _, p := range DeniedPrefixes {
		if route == p || strings.HasPrefix(route, p+"/") {
			return false
		}
	}
	return true
}

// Injector inserts HEADER ad snippets into the document head.
type Injector struct {
	doc     *dom.Document
	win     *dom.Window
	fetcher fetcher.Fetcher
	rules   []snippet.Rule
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	mu       sync.Mutex
	inserted []*dom.Element
}

// New returns a header injector. Nil rules use snippet.DefaultRules.
func New(doc *dom.Document, win *dom.Window, f fetcher.Fetcher, rules []snippet.Rule, logger *zap.Logger, metrics observability.MetricsRegistry) *Injector {
	if rules == nil {
		rules = snippet.DefaultRules()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Injector{
		doc:     doc,
		win:     win,
		fetcher: f,
		rules:   rules,
		logger:  logger.Named("headscripts"),
		metrics: metrics,
	}
}

// Run removes the nodes of the previous run, then inserts the tenant's
// enabled HEADER ads unless route is denied. Header ads are always looked
// up for the home page type. It returns the number of inserted nodes.
func (h *Injector) Run(ctx context.Context, route, tenantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cleanup()
	if !Allowed(route) {
		h.logger.Debug("header ads skipped for route", zap.String("route", route))
		return 0
	}

	scope, err := h.fetcher.FetchAdsForScope(ctx, tenantID, models.PageHome, []models.Placement{models.PlacementHeader})
	if err != nil {
		h.logger.Warn("failed to fetch header ads", zap.String("tenant", tenantID), zap.Error(err))
		return 0
	}

	head := h.doc.Head()
	for _, ad := range models.SortByPriority(models.EnabledOnly(scope[models.PlacementHeader])) {
		nodes, err := h.doc.ParseFragment(ad.CodeSnippet)
		if err != nil {
			h.logger.Warn("failed to parse header ad", zap.String("ad_id", ad.ID), zap.Error(err))
			continue
		}
		for _, n := range nodes {
			var el *dom.Element
			if n.Tag() == "script" {
				el = h.recreate(ad.ID, n)
			} else {
				el = n.Clone()
				if el.IsElement() {
					el.SetAttr(AttrHeaderAd, ad.ID)
				}
			}
			head.Append(el)
			h.inserted = append(h.inserted, el)
			if n.Tag() == "script" && h.win != nil {
				h.win.Run(el)
			}
		}
	}

	h.metrics.IncrementHeaderScripts(len(h.inserted))
	h.logger.Debug("header ads inserted",
		zap.String("tenant", tenantID),
		zap.String("route", route),
		zap.Int("nodes", len(h.inserted)),
	)
	return len(h.inserted)
}

func (h *Injector) recreate(adID string, original *dom.Element) *dom.Element {
	content := original.Text()
	var rule *snippet.Rule
	if strings.TrimSpace(content) != "" {
		content, rule = snippet.DeferFor(h.rules, content)
	}
	s := snippet.Recreate(h.doc, original, content)
	s.SetAttr(AttrHeaderAd, adID)
	if rule != nil {
		s.SetAttr(dom.WaitForAttr, strings.Join(rule.WaitFor, ","))
		h.logger.Debug("deferring header script", zap.String("ad_id", adID), zap.String("rule", rule.Name))
	}
	return s
}

// Cleanup removes every node inserted by the last run.
func (h *Injector) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanup()
}

func (h *Injector) cleanup() {
	for _, el := range h.inserted {
		el.Remove()
	}
	h.inserted = nil
}

// Inserted returns the nodes placed by the last run in insertion order.
func (h *Injector) Inserted() []*dom.Element {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*dom.Element(nil), h.inserted...)
}
