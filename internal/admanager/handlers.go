package admanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/registry"
	"github.com/patrickwarner/tenantads/internal/snippet"
)

var errSlotNotReady = errors.New("slot not registered yet")

// HandleAdLibraryAd injects ad library markup and queues one push per ad
// unit in it.
func (m *Manager) HandleAdLibraryAd(ctx context.Context, adID string, container *dom.Element, adCode string) bool {
	if !m.claim(adID, models.AdTypeAdLibrary, container) {
		return true
	}
	if !m.win.Has(dom.GlobalAdLibrary) {
		return m.unavailable(ctx, container, adID, models.AdTypeAdLibrary, "ad library not loaded")
	}
	if st := m.gate.WaitForAdLibraryReady(ctx, m.timings.AdLibraryReadyTimeout); !st.Ready {
		return m.fail(ctx, container, adID, models.AdTypeAdLibrary, "ad library not ready")
	}

	if err := container.SetInnerHTML(adCode); err != nil {
		return m.fail(ctx, container, adID, models.AdTypeAdLibrary, "invalid markup")
	}
	// The markup's own push calls are replaced by the tracked pushes below.
	for _, s := range container.QueryAll("script") {
		if _, hasSrc := s.Attr("src"); !hasSrc {
			s.Remove()
		}
	}

	units := container.QueryAll("ins.adsbygoogle")
	if len(units) == 0 {
		return m.fail(ctx, container, adID, models.AdTypeAdLibrary, "no ad units in markup")
	}
	attempt := time.Now().UnixNano()
	for i := range units {
		key := fmt.Sprintf("%s-%d-%d", adID, attempt, i)
		m.mu.Lock()
		dup := m.pushed[key]
		m.pushed[key] = true
		m.mu.Unlock()
		if dup {
			continue
		}
		if err := m.win.Push(key); err != nil {
			return m.fail(ctx, container, adID, models.AdTypeAdLibrary, "push failed")
		}
		s := m.doc.CreateElement("script")
		s.SetAttr(AttrAdPush, key)
		s.SetText(snippet.Isolate("(adsbygoogle = window.adsbygoogle || []).push({});", adID))
		container.Append(s)
	}

	m.succeed(ctx, adID, container, models.AdTypeAdLibrary)
	return true
}

// HandleAdServerAd injects ad server markup and runs the slot definitions
// it carries. Slots already known locally or to the ad server are skipped.
func (m *Manager) HandleAdServerAd(ctx context.Context, adID string, container *dom.Element, adCode string) bool {
	if !m.claim(adID, models.AdTypeAdServer, container) {
		return true
	}
	if !m.win.Has(dom.GlobalAdServer) {
		return m.unavailable(ctx, container, adID, models.AdTypeAdServer, "ad server not loaded")
	}
	if st := m.gate.WaitForAdServerReady(ctx, m.timings.AdServerReadyTimeout); !st.Ready {
		return m.fail(ctx, container, adID, models.AdTypeAdServer, "ad server not ready")
	}
	if err := container.SetInnerHTML(adCode); err != nil {
		return m.fail(ctx, container, adID, models.AdTypeAdServer, "invalid markup")
	}

	defined := 0
	for i, s := range container.QueryAll("script") {
		content := s.Text()
		ids := dom.SlotIDs(content)
		if len(ids) == 0 {
			s.Remove()
			continue
		}
		if m.slotKnown(ids) {
			m.log.Debug("skipping already defined ad server slot", zap.String("ad_id", adID), zap.Strings("slots", ids))
			s.Remove()
			continue
		}
		ns := snippet.Recreate(m.doc, s, snippet.Isolate(content, adID))
		ns.SetAttr(AttrAdScript, adID)
		ns.SetAttr(AttrScriptIndex, fmt.Sprint(i))
		if err := s.InsertAfter(ns); err != nil {
			return m.fail(ctx, container, adID, models.AdTypeAdServer, "script replacement failed")
		}
		s.Remove()
		m.win.Run(ns)

		m.mu.Lock()
		for _, id := range ids {
			m.slots[id] = adID
		}
		m.mu.Unlock()
		defined++
	}
	if defined == 0 && len(container.QueryAll(`div[id^="div-gpt-ad"]`)) == 0 {
		return m.fail(ctx, container, adID, models.AdTypeAdServer, "no ad server slots in markup")
	}

	m.succeed(ctx, adID, container, models.AdTypeAdServer)
	return true
}

func (m *Manager) slotKnown(ids []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.slots[id]; ok || m.win.HasSlot(id) {
			return true
		}
	}
	return false
}

// HandleAdServerDisplayAd injects markup for a slot defined elsewhere and
// displays it once the ad server knows the slot.
func (m *Manager) HandleAdServerDisplayAd(ctx context.Context, adID string, container *dom.Element, adCode string) bool {
	if !m.claim(adID, models.AdTypeAdServerDisplay, container) {
		return true
	}
	if !m.win.Has(dom.GlobalAdServer) {
		return m.unavailable(ctx, container, adID, models.AdTypeAdServerDisplay, "ad server not loaded")
	}
	if err := container.SetInnerHTML(adCode); err != nil {
		return m.fail(ctx, container, adID, models.AdTypeAdServerDisplay, "invalid markup")
	}

	slotID := ""
	for _, s := range container.QueryAll("script") {
		if ids := dom.DisplayIDs(s.Text()); len(ids) > 0 && slotID == "" {
			slotID = ids[0]
		}
		s.Remove()
	}
	if slotID == "" {
		if div := firstOf(container.QueryAll(`div[id^="div-gpt-ad"]`)); div != nil {
			slotID, _ = div.Attr("id")
		}
	}
	if slotID == "" {
		return m.fail(ctx, container, adID, models.AdTypeAdServerDisplay, "no slot element in markup")
	}

	if err := m.displayWhenDefined(ctx, slotID); err != nil {
		m.log.Debug("ad server slot never became available",
			zap.String("ad_id", adID), zap.String("slot", slotID), zap.Error(err))
		return m.fail(ctx, container, adID, models.AdTypeAdServerDisplay, "slot not defined")
	}
	container.Append(m.displayScript(slotID))
	m.succeed(ctx, adID, container, models.AdTypeAdServerDisplay)
	return true
}

// displayWhenDefined waits, a bounded number of fixed-delay attempts, for
// the slot to be defined and then displays it.
func (m *Manager) displayWhenDefined(ctx context.Context, slotID string) error {
	attempts := m.timings.DisplayRetries
	if attempts < 1 {
		attempts = 1
	}
	return retry.Do(
		func() error {
			if !m.win.HasSlot(slotID) {
				return errSlotNotReady
			}
			if err := m.win.Display(slotID); err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(m.timings.DisplayRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (m *Manager) displayScript(slotID string) *dom.Element {
	s := m.doc.CreateElement("script")
	s.SetAttr(AttrAdScript, slotID)
	s.SetText(fmt.Sprintf("googletag.cmd.push(function() { googletag.display('%s'); });", jsEscape(slotID)))
	return s
}

// HandleProductionAdServerAd renders a placeholder for a slot defined by
// the page head and issues only the display call.
func (m *Manager) HandleProductionAdServerAd(ctx context.Context, adID string, container *dom.Element, elementID string) bool {
	if !m.claim(adID, models.AdTypeAdServerDisplay, container) {
		return true
	}
	if !m.win.Has(dom.GlobalAdServer) {
		return m.unavailable(ctx, container, adID, models.AdTypeAdServerDisplay, "ad server not loaded")
	}

	div := m.doc.CreateElement("div")
	div.SetAttr("id", elementID)
	div.SetAttr("style", "min-width:300px;min-height:250px")
	div.SetAttr(AttrReserved, "")
	container.Clear()
	container.Append(div)

	if err := m.win.Display(elementID); err != nil {
		m.log.Debug("display failed", zap.String("ad_id", adID), zap.String("slot", elementID), zap.Error(err))
		return m.fail(ctx, container, adID, models.AdTypeAdServerDisplay, "display failed")
	}
	container.Append(m.displayScript(elementID))
	m.succeed(ctx, adID, container, models.AdTypeAdServerDisplay)
	return true
}

// HandleCustomAd injects arbitrary markup. Its scripts move to the head as
// isolated copies tagged with the ad id and script index.
func (m *Manager) HandleCustomAd(ctx context.Context, adID string, container *dom.Element, adCode string) bool {
	if !m.claim(adID, models.AdTypeCustom, container) {
		return true
	}
	if err := container.SetInnerHTML(adCode); err != nil {
		return m.fail(ctx, container, adID, models.AdTypeCustom, "invalid markup")
	}

	var moved []*dom.Element
	for i, s := range container.QueryAll("script") {
		content := s.Text()
		if strings.TrimSpace(content) != "" {
			content = snippet.Isolate(content, adID)
		}
		ns := snippet.Recreate(m.doc, s, content)
		ns.SetAttr(AttrAdScript, adID)
		ns.SetAttr(AttrScriptIndex, fmt.Sprint(i))
		s.Remove()
		m.doc.Head().Append(ns)
		m.win.Run(ns)
		moved = append(moved, ns)
	}
	if len(moved) > 0 {
		m.mu.Lock()
		m.headScripts[adID] = append(m.headScripts[adID], moved...)
		m.mu.Unlock()
	}

	m.succeed(ctx, adID, container, models.AdTypeCustom)
	return true
}

// claim reserves adID for this activation. It reports false when the id is
// already registered, including by an activation still in progress.
func (m *Manager) claim(adID string, adType models.AdType, container *dom.Element) bool {
	return m.reg.TryRecord(adID, registry.Entry{AdType: adType, Element: container})
}

// unavailable renders the fallback for a technology whose global is
// missing and releases the claim, so a later activation may succeed.
func (m *Manager) unavailable(ctx context.Context, container *dom.Element, adID string, adType models.AdType, reason string) bool {
	m.metrics.IncrementActivation(string(adType), "unavailable")
	m.fallback(ctx, container, adID, reason)
	m.reg.Remove(adID)
	return false
}

func (m *Manager) succeed(ctx context.Context, adID string, container *dom.Element, adType models.AdType) {
	m.reg.Record(adID, registry.Entry{AdType: adType, Element: container, Loaded: true})
	m.metrics.IncrementActivation(string(adType), "success")
	m.emit(ctx, analytics.EventAdLoaded, adID, "")
	m.startMonitor(ctx, adID, container)
}

// fail records a failed activation and renders the fallback.
func (m *Manager) fail(ctx context.Context, container *dom.Element, adID string, adType models.AdType, reason string) bool {
	m.reg.Record(adID, registry.Entry{AdType: adType, Element: container})
	m.metrics.IncrementActivation(string(adType), "error")
	m.emit(ctx, analytics.EventAdFailed, adID, reason)
	m.log.Warn("ad activation failed", zap.String("ad_id", adID), zap.String("ad_type", string(adType)), zap.String("reason", reason))
	m.fallback(ctx, container, adID, reason)
	return false
}

func firstOf(els []*dom.Element) *dom.Element {
	if len(els) == 0 {
		return nil
	}
	return els[0]
}
