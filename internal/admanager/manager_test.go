package admanager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/consent"
	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
)

const (
	adLibraryCode = `<ins class="adsbygoogle" style="display:block" data-ad-client="ca-pub-1" data-ad-slot="42"></ins>
<script>(adsbygoogle = window.adsbygoogle || []).push({});</script>`
	adServerCode = `<div id="div-gpt-ad-1"></div>
<script>googletag.cmd.push(function() { googletag.defineSlot('/1/home', [300, 250], 'div-gpt-ad-1').addService(googletag.pubads()); });</script>`
	displayCode = `<div id="div-gpt-ad-9"></div>
<script>googletag.cmd.push(function() { googletag.display('div-gpt-ad-9'); });</script>`
)

func fastTimings() config.Timings {
	return config.Timings{
		LibraryWaitTimeout:    20 * time.Millisecond,
		LibraryPollInterval:   5 * time.Millisecond,
		AdLibraryReadyTimeout: 20 * time.Millisecond,
		AdServerReadyTimeout:  20 * time.Millisecond,
		ReadyPollInterval:     5 * time.Millisecond,
		AnalyticsDeferPoll:    5 * time.Millisecond,
		AdLibraryDeferPoll:    10 * time.Millisecond,
		AdServerDeferPoll:     10 * time.Millisecond,
		DisplayRetries:        5,
		DisplayRetryDelay:     5 * time.Millisecond,
	}
}

type fixture struct {
	doc     *dom.Document
	win     *dom.Window
	mgr     *Manager
	metrics *observability.MockMetricsRegistry
	events  *analytics.MemorySink
	box     *dom.Element
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	doc, err := dom.ParseString(`<html><head><title>Home</title></head><body><div id="box"></div></body></html>`)
	require.NoError(t, err)
	f := &fixture{
		doc:     doc,
		win:     dom.NewWindow(),
		metrics: &observability.MockMetricsRegistry{},
		events:  &analytics.MemorySink{},
	}
	opts := Options{
		Config:  config.AdConfig{GAEnabled: true, GAMEnabled: true, AdSenseEnabled: true, GAMeasurementID: "G-TEST", Timings: fastTimings()},
		Doc:     doc,
		Window:  f.win,
		Events:  f.events,
		Logger:  zaptest.NewLogger(t),
		Metrics: f.metrics,
		Page:    PageContext{TenantID: "acme", PageType: models.PageHome, URL: "https://acme.example.com/"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.mgr = New(opts)
	t.Cleanup(f.mgr.Close)
	f.box = doc.Query("#box")
	return f
}

func (f *fixture) loadAdLibrary() {
	f.win.Define(dom.GlobalAdLibrary, dom.GlobalAdLibraryPush)
}

func (f *fixture) loadAdServer() {
	f.win.Define(dom.GlobalAdServer, dom.GlobalAdServerCmd, dom.GlobalAdServerPubAds, dom.GlobalAdServerDefine, dom.GlobalAdServerShow)
}

func TestAdLibraryAdIsInjectedAtMostOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdLibrary()
	ctx := context.Background()

	require.True(t, f.mgr.HandleAdLibraryAd(ctx, "ad-1", f.box, adLibraryCode))
	children := len(f.box.Children())
	html := f.box.InnerHTML()

	assert.True(t, f.mgr.HandleAdLibraryAd(ctx, "ad-1", f.box, adLibraryCode))
	assert.Len(t, f.box.Children(), children)
	assert.Equal(t, html, f.box.InnerHTML())
	assert.Len(t, f.win.Pushes(), 1)
	assert.True(t, strings.HasPrefix(f.win.Pushes()[0], "ad-1-"))
	assert.Len(t, f.box.QueryAll("script["+AttrAdPush+"]"), 1)
	assert.Equal(t, 1, f.metrics.Count("activation:adsense:success"))
	assert.Len(t, f.events.OfType(analytics.EventAdLoaded), 1)
}

func TestConcurrentActivationsOfOneAdPushOnce(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Timings.AdLibraryReadyTimeout = time.Second
	})
	f.win.Define(dom.GlobalAdLibrary)
	go func() {
		time.Sleep(8 * time.Millisecond)
		f.win.Define(dom.GlobalAdLibraryPush)
	}()

	boxes := make([]*dom.Element, 4)
	for i := range boxes {
		boxes[i] = f.doc.CreateElement("div")
		f.doc.Body().Append(boxes[i])
	}
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, box := range boxes {
		wg.Add(1)
		go func(box *dom.Element) {
			defer wg.Done()
			<-start
			assert.True(t, f.mgr.HandleAdLibraryAd(context.Background(), "ad-1", box, adLibraryCode))
		}(box)
	}
	close(start)
	wg.Wait()

	assert.Len(t, f.win.Pushes(), 1)
	filled := 0
	for _, box := range boxes {
		filled += len(box.QueryAll("ins.adsbygoogle"))
	}
	assert.Equal(t, 1, filled)
	assert.Equal(t, 1, f.mgr.Registry().Len())
	assert.Equal(t, 1, f.metrics.Count("activation:adsense:success"))
}

func TestMissingLibraryKeepsAdRetryable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.False(t, f.mgr.HandleAdLibraryAd(ctx, "ad-1", f.box, adLibraryCode))
	assert.False(t, f.mgr.Registry().Has("ad-1"))

	f.loadAdLibrary()
	assert.True(t, f.mgr.HandleAdLibraryAd(ctx, "ad-1", f.box, adLibraryCode))
	assert.Len(t, f.win.Pushes(), 1)
	e, ok := f.mgr.Registry().Get("ad-1")
	require.True(t, ok)
	assert.True(t, e.Loaded)
}

func TestAdLibraryMissingRendersFallback(t *testing.T) {
	f := newFixture(t, nil)

	assert.False(t, f.mgr.HandleAdLibraryAd(context.Background(), "ad-1", f.box, adLibraryCode))
	assert.False(t, f.mgr.Registry().Has("ad-1"))
	assert.Empty(t, f.box.Children())
	hidden, _ := f.box.Attr("aria-hidden")
	assert.Equal(t, "true", hidden)
	assert.Equal(t, 1, f.metrics.Count("fallback:ad library not loaded"))
	assert.Len(t, f.events.OfType(analytics.EventAdFallback), 1)
}

func TestAdServerSkipsSlotsAlreadyDefined(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdServer()
	ctx := context.Background()

	require.True(t, f.mgr.HandleAdServerAd(ctx, "ad-1", f.box, adServerCode))
	assert.Equal(t, []string{"div-gpt-ad-1"}, f.win.Slots())
	scripts := f.box.QueryAll("script[" + AttrAdScript + `="ad-1"]`)
	require.Len(t, scripts, 1)
	assert.Contains(t, scripts[0].Text(), "try {")

	other := f.doc.CreateElement("div")
	f.doc.Body().Append(other)
	assert.True(t, f.mgr.HandleAdServerAd(ctx, "ad-2", other, adServerCode))
	assert.Equal(t, []string{"div-gpt-ad-1"}, f.win.Slots())
	assert.Empty(t, other.QueryAll("script"))
}

func TestAdServerSkipsSlotDefinedByLibrary(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdServer()
	require.NoError(t, f.win.DefineSlot("div-gpt-ad-1"))

	assert.True(t, f.mgr.HandleAdServerAd(context.Background(), "ad-1", f.box, adServerCode))
	assert.Empty(t, f.box.QueryAll("script"))
	assert.Len(t, f.win.Slots(), 1)
}

func TestAdServerMissingGlobal(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.mgr.HandleAdServerAd(context.Background(), "ad-1", f.box, adServerCode))
	assert.Equal(t, 1, f.metrics.Count("activation:gam:unavailable"))
}

func TestAdServerDisplayWaitsForSlot(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdServer()

	go func() {
		time.Sleep(8 * time.Millisecond)
		_ = f.win.DefineSlot("div-gpt-ad-9")
	}()
	require.True(t, f.mgr.HandleAdServerDisplayAd(context.Background(), "ad-9", f.box, displayCode))
	assert.Equal(t, []string{"div-gpt-ad-9"}, f.win.Displayed())
	assert.Len(t, f.box.QueryAll("#div-gpt-ad-9"), 1)
}

func TestAdServerDisplayGivesUp(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdServer()

	assert.False(t, f.mgr.HandleAdServerDisplayAd(context.Background(), "ad-9", f.box, displayCode))
	assert.Empty(t, f.win.Displayed())
	assert.Equal(t, 1, f.metrics.Count("fallback:slot not defined"))

	st := f.mgr.GetStats()
	assert.Equal(t, 1, st.Failed)
}

func TestProductionAdServerAd(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdServer()
	require.NoError(t, f.win.DefineSlot("div-gpt-ad-head"))

	require.True(t, f.mgr.HandleProductionAdServerAd(context.Background(), "ad-p", f.box, "div-gpt-ad-head"))
	slot := f.box.QueryAll("#div-gpt-ad-head")
	require.Len(t, slot, 1)
	style, _ := slot[0].Attr("style")
	assert.Contains(t, style, "min-height:250px")
	assert.Equal(t, []string{"div-gpt-ad-head"}, f.win.Displayed())
	assert.Len(t, f.win.Slots(), 1)
}

func TestProductionAdServerAdWithoutCreativeFallsBack(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Debug = true
		o.Config.Timings.VerifyInterval = 5 * time.Millisecond
		o.Config.Timings.VerifyWindow = 30 * time.Millisecond
	})
	f.loadAdServer()
	require.NoError(t, f.win.DefineSlot("div-gpt-ad-empty"))

	require.True(t, f.mgr.HandleProductionAdServerAd(context.Background(), "ad-p", f.box, "div-gpt-ad-empty"))
	f.mgr.WaitMonitors()

	placeholder := f.box.QueryAll("[" + AttrFallback + "]")
	require.Len(t, placeholder, 1)
	assert.Contains(t, placeholder[0].Text(), "no ad content rendered")
	assert.Equal(t, 1, f.metrics.Count("fallback:no ad content rendered"))
}

func TestCustomAdScriptsAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	second := f.doc.CreateElement("div")
	f.doc.Body().Append(second)
	ctx := context.Background()

	require.True(t, f.mgr.HandleCustomAd(ctx, "ad-a", f.box, `<p>a</p><script>var x = 1;</script>`))
	require.True(t, f.mgr.HandleCustomAd(ctx, "ad-b", second, `<p>b</p><script>var x = 1;</script>`))

	head := f.doc.Head().QueryAll("script[" + AttrAdScript + "]")
	require.Len(t, head, 2)
	for _, s := range head {
		idx, _ := s.Attr(AttrScriptIndex)
		assert.Equal(t, "0", idx)
		assert.True(t, strings.HasPrefix(s.Text(), "(function() {"))
		assert.Contains(t, s.Text(), "var x = 1;")
	}
	assert.Empty(t, f.box.QueryAll("script"))
}

func TestCleanupRemovesTaggedNodes(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdLibrary()
	ctx := context.Background()
	second := f.doc.CreateElement("div")
	f.doc.Body().Append(second)

	require.True(t, f.mgr.HandleCustomAd(ctx, "ad-a", f.box, `<script>track()</script><p>a</p>`))
	require.True(t, f.mgr.HandleAdLibraryAd(ctx, "ad-b", second, adLibraryCode))

	f.mgr.Cleanup("ad-a")
	assert.Empty(t, f.doc.QueryAll(`[`+AttrAdScript+`="ad-a"]`))
	assert.Empty(t, f.box.Children())
	assert.False(t, f.mgr.Registry().Has("ad-a"))
	assert.True(t, f.mgr.Registry().Has("ad-b"))

	f.mgr.Cleanup()
	assert.Zero(t, f.mgr.Registry().Len())
	assert.Empty(t, second.Children())

	require.True(t, f.mgr.HandleAdLibraryAd(ctx, "ad-b", second, adLibraryCode))
	assert.Len(t, f.win.Pushes(), 2)
}

func TestMonitorFallbackBranches(t *testing.T) {
	for _, debug := range []bool{true, false} {
		f := newFixture(t, func(o *Options) {
			o.Config.Debug = debug
			o.Config.Timings.VerifyInterval = 5 * time.Millisecond
			o.Config.Timings.VerifyWindow = 30 * time.Millisecond
		})
		require.True(t, f.mgr.HandleCustomAd(context.Background(), "ad-m", f.box, `<span>text only</span>`))
		f.mgr.WaitMonitors()

		if debug {
			placeholder := f.box.QueryAll("[" + AttrFallback + "]")
			require.Len(t, placeholder, 1)
			assert.Contains(t, placeholder[0].Text(), "ad-m")
			assert.Contains(t, placeholder[0].Text(), "no ad content rendered")
		} else {
			assert.Empty(t, f.box.Children())
			style, _ := f.box.Attr("style")
			assert.Contains(t, style, "display:none")
		}
		st := f.mgr.GetStats()
		assert.Equal(t, 1, st.Failed, "debug=%v", debug)
		assert.Equal(t, 1, f.metrics.Count("fallback:no ad content rendered"))
	}
}

func TestMonitorAcceptsRenderedContent(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Timings.VerifyInterval = 5 * time.Millisecond
		o.Config.Timings.VerifyWindow = 30 * time.Millisecond
	})
	require.True(t, f.mgr.HandleCustomAd(context.Background(), "ad-img", f.box, `<a href="/x"><img src="/banner.png"></a>`))
	f.mgr.WaitMonitors()

	st := f.mgr.GetStats()
	assert.Equal(t, Stats{Total: 1, Loaded: 1, ByType: map[models.AdType]int{models.AdTypeCustom: 1}}, st)
	assert.Len(t, f.box.QueryAll("img"), 1)
}

func TestMonitorStopsOnClose(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Timings.VerifyInterval = 5 * time.Millisecond
		o.Config.Timings.VerifyWindow = time.Minute
	})
	require.True(t, f.mgr.HandleCustomAd(context.Background(), "ad-1", f.box, `<span>x</span>`))

	done := make(chan struct{})
	go func() {
		f.mgr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Zero(t, f.metrics.Count("fallback:no ad content rendered"))
}

func TestHasContent(t *testing.T) {
	doc := dom.NewDocument()
	cases := []struct {
		markup string
		want   bool
	}{
		{`<iframe src="x"></iframe>`, true},
		{`<ins class="adsbygoogle" data-ad-status="filled"></ins>`, true},
		{`<ins class="adsbygoogle" data-ad-status="unfilled"></ins>`, false},
		{`<div id="google_ads_iframe_/1/home_0__container__"></div>`, true},
		{`<div style="height: 90px"></div>`, true},
		{`<div style="height: 4px"></div>`, false},
		{`<p>words</p>`, false},
		{`<div data-ad-reserved style="min-height:250px"></div>`, false},
		{`<div data-ad-reserved style="min-height:250px"><div style="height:250px"></div></div>`, true},
	}
	for _, tc := range cases {
		box := doc.CreateElement("div")
		require.NoError(t, box.SetInnerHTML(tc.markup))
		assert.Equal(t, tc.want, HasContent(box), tc.markup)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.win.Define(dom.GlobalAnalyticsTag, dom.GlobalDataLayer)
	f.loadAdLibrary()
	f.loadAdServer()
	ctx := context.Background()

	f.mgr.Initialize(ctx)
	f.mgr.Initialize(ctx)

	setup := f.doc.Head().QueryAll("script[" + AttrManager + "]")
	require.Len(t, setup, 2)
	assert.Contains(t, setup[0].Text(), "gtag('config', 'G-TEST'")
	assert.Contains(t, setup[0].Text(), "page_title: 'Home'")
	assert.Contains(t, setup[1].Text(), "collapseEmptyDivs")
	assert.True(t, f.win.Has(dom.GlobalServicesOn))
}

func TestInitializeWithoutLibraries(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.Initialize(context.Background())
	assert.Empty(t, f.doc.Head().QueryAll("script["+AttrManager+"]"))
	assert.Equal(t, 1, f.metrics.Count("readiness_timeout:all"))
}

func TestActivateDispatchesByTechnology(t *testing.T) {
	f := newFixture(t, nil)
	f.loadAdLibrary()
	f.loadAdServer()
	ctx := context.Background()

	ads := []models.AdRecord{
		{ID: "lib", Placement: models.PlacementSidebar, CodeSnippet: adLibraryCode},
		{ID: "srv", Placement: models.PlacementSidebar, CodeSnippet: adServerCode},
		{ID: "own", Placement: models.PlacementFooter, CodeSnippet: `<a href="/sponsor">Sponsor</a>`},
	}
	for _, ad := range ads {
		box := f.doc.CreateElement("div")
		f.doc.Body().Append(box)
		assert.True(t, f.mgr.Activate(ctx, ad, box), ad.ID)
	}

	st := f.mgr.GetStats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, map[models.AdType]int{
		models.AdTypeAdLibrary: 1,
		models.AdTypeAdServer:  1,
		models.AdTypeCustom:    1,
	}, st.ByType)

	loaded := f.events.OfType(analytics.EventAdLoaded)
	require.Len(t, loaded, 3)
	assert.Equal(t, "acme", loaded[0].TenantID)
	assert.Equal(t, models.PlacementSidebar, loaded[0].Placement)
}

func TestActivateConsentGate(t *testing.T) {
	store := consent.NewStore(consent.NewMemoryStorage())
	f := newFixture(t, func(o *Options) {
		o.Consent = store
		o.Config.RequireMarketingConsent = true
		o.Page.ConsentRequired = true
	})
	ctx := context.Background()
	ad := models.AdRecord{ID: "own", Placement: models.PlacementSidebar, CodeSnippet: `<b>ad</b>`}

	assert.False(t, f.mgr.Activate(ctx, ad, f.box))
	assert.Equal(t, 1, f.metrics.Count("fallback:consent required"))
	assert.False(t, f.mgr.Registry().Has("own"))

	yes := true
	store.SetConsent(ctx, models.ConsentUpdate{Marketing: &yes})
	box := f.doc.CreateElement("div")
	f.doc.Body().Append(box)
	require.True(t, f.mgr.Activate(ctx, ad, box))
	assert.True(t, f.mgr.Registry().Has("own"))

	no := false
	store.SetConsent(ctx, models.ConsentUpdate{Marketing: &no})
	assert.Zero(t, f.mgr.Registry().Len())
	assert.Empty(t, box.Children())
}
