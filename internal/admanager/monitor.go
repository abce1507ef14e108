package admanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/dom"
)

// selectors that indicate a rendered creative
var contentMarkers = []string{
	"iframe",
	"img",
	`ins.adsbygoogle[data-ad-status="filled"]`,
	`[id^="google_ads_iframe"]`,
}

const minContentHeight = 10

// HasContent reports whether a container shows an ad creative. The reserved
// size of a slot div the manager created is not content.
func HasContent(container *dom.Element) bool {
	for _, sel := range contentMarkers {
		if len(container.QueryAll(sel)) > 0 {
			return true
		}
	}
	return container.RenderedHeightIgnoring(AttrReserved) >= minContentHeight
}

// startMonitor polls the container until content appears or the
// verification window closes. The monitor stops without a verdict when
// ctx or the manager is cancelled, or the container leaves the page.
func (m *Manager) startMonitor(ctx context.Context, adID string, container *dom.Element) {
	interval, window := m.timings.VerifyInterval, m.timings.VerifyWindow
	if interval <= 0 || window <= 0 {
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.monitorCtx, cancel)

	m.monitors.Add(1)
	go func() {
		defer m.monitors.Done()
		defer stop()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("ad monitor panicked", zap.String("ad_id", adID), zap.Any("panic", r))
			}
		}()
		m.monitor(mctx, adID, container, interval, window)
	}()
}

func (m *Manager) monitor(ctx context.Context, adID string, container *dom.Element, interval, window time.Duration) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !container.Attached() || !m.reg.Has(adID) {
			return
		}
		if HasContent(container) {
			m.reg.SetLoaded(adID, true)
			m.log.Debug("ad content verified", zap.String("ad_id", adID))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			if container.Attached() && m.reg.Has(adID) && !HasContent(container) {
				m.fallback(context.WithoutCancel(ctx), container, adID, "no ad content rendered")
			}
			return
		case <-ticker.C:
		}
	}
}
