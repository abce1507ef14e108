package injector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/fetcher"
	"github.com/patrickwarner/tenantads/internal/models"
)

type recordingFetcher struct {
	mu    sync.Mutex
	calls []Key
	scope models.ScopeResult
	err   error
}

func (f *recordingFetcher) FetchAdsForScope(_ context.Context, tenantID string, pt models.PageType, ps []models.Placement) (models.ScopeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Key{Placement: ps[0], PageType: pt, TenantID: tenantID})
	if f.err != nil {
		return nil, f.err
	}
	return f.scope, nil
}

func (f *recordingFetcher) Calls() []Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Key(nil), f.calls...)
}

func setup(t *testing.T, f fetcher.Fetcher) (*dom.Document, *dom.Window, *Injector) {
	t.Helper()
	doc, err := dom.ParseString(`<html><head></head><body><aside id="slot"></aside></body></html>`)
	require.NoError(t, err)
	w := dom.NewWindow()
	inj := New(doc.Query("#slot"), Options{
		Doc:      doc,
		Window:   w,
		Fetcher:  f,
		Logger:   zaptest.NewLogger(t),
		Debounce: 20 * time.Millisecond,
	})
	return doc, w, inj
}

var sidebar = Key{Placement: models.PlacementSidebar, PageType: models.PageHome, TenantID: "acme"}

func TestPriorityOrder(t *testing.T) {
	f := &recordingFetcher{scope: models.ScopeResult{models.PlacementSidebar: {
		{ID: "low", Placement: models.PlacementSidebar, IsEnabled: true, Priority: 5, CodeSnippet: "<p>low</p>"},
		{ID: "off", Placement: models.PlacementSidebar, IsEnabled: false, Priority: 50},
		{ID: "high", Placement: models.PlacementSidebar, IsEnabled: true, Priority: 10, CodeSnippet: "<p>high</p>",
			Appearance: models.AppearanceCentered},
		{ID: "low2", Placement: models.PlacementSidebar, IsEnabled: true, Priority: 5},
	}}}
	doc, _, inj := setup(t, f)

	assert.Equal(t, StateReady, inj.Run(context.Background(), sidebar))

	containers := doc.QueryAll("[data-ad-id]")
	require.Len(t, containers, 3)
	var ids []string
	for _, c := range containers {
		id, _ := c.Attr(AttrAdID)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"high", "low", "low2"}, ids)
	assert.Equal(t, ids, inj.AdIDs())

	high := containers[0]
	assert.True(t, high.HasClass("text-center"))
	assert.True(t, high.HasClass(ContainerClass))
	placement, _ := high.Attr(AttrPlacement)
	assert.Equal(t, "SIDEBAR", placement)
	appearance, _ := high.Attr(AttrAppearance)
	assert.Equal(t, "CENTERED", appearance)
	assert.Equal(t, "high", high.Text())
}

func TestDebounceCollapsesBursts(t *testing.T) {
	f := &recordingFetcher{scope: models.ScopeResult{}}
	_, _, inj := setup(t, f)

	ctx := context.Background()
	for _, tenant := range []string{"a", "b", "c", "d", "acme"} {
		k := sidebar
		k.TenantID = tenant
		inj.Update(ctx, k)
	}
	inj.WaitIdle()

	calls := f.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "acme", calls[0].TenantID)
	assert.Equal(t, StateEmpty, inj.State())

	inj.Update(ctx, sidebar)
	inj.WaitIdle()
	assert.Len(t, f.Calls(), 1)
}

func TestScriptIsolation(t *testing.T) {
	f := &recordingFetcher{scope: models.ScopeResult{models.PlacementSidebar: {
		{ID: "one", IsEnabled: true, CodeSnippet: "<script>var x = 1;</script>"},
		{ID: "two", IsEnabled: true, CodeSnippet: "<script>var x = 1;</script>"},
	}}}
	doc, w, inj := setup(t, f)
	inj.Run(context.Background(), sidebar)

	scripts := doc.QueryAll("script")
	require.Len(t, scripts, 2)
	for _, s := range scripts {
		text := s.Text()
		assert.True(t, strings.HasPrefix(text, "(function() {"))
		assert.Contains(t, text, "var x = 1;")
		assert.Contains(t, text, "catch (e)")
	}
	first, _ := scripts[0].Attr("data-ad-script")
	second, _ := scripts[1].Attr("data-ad-script")
	assert.Equal(t, "one", first)
	assert.Equal(t, "two", second)
	assert.Len(t, w.Executed(), 2)
}

func TestRecreatedSrcScriptKeepsAttributes(t *testing.T) {
	f := &recordingFetcher{scope: models.ScopeResult{models.PlacementSidebar: {
		{ID: "lib", IsEnabled: true, CodeSnippet: `<script async src="` + dom.AdLibraryLoaderURL + `?client=ca-pub-1" crossorigin="anonymous"></script>`},
	}}}
	doc, w, inj := setup(t, f)
	inj.Run(context.Background(), sidebar)

	s := doc.Query("script")
	require.NotNil(t, s)
	_, async := s.Attr("async")
	assert.True(t, async)
	co, _ := s.Attr("crossorigin")
	assert.Equal(t, "anonymous", co)
	assert.Equal(t, "", s.Text())
	assert.True(t, w.Has(dom.GlobalAdLibrary))
}

func TestCleanupIsExhaustive(t *testing.T) {
	f := &recordingFetcher{scope: models.ScopeResult{models.PlacementSidebar: {
		{ID: "one", IsEnabled: true, CodeSnippet: "<div>a</div><script>a()</script>"},
		{ID: "two", IsEnabled: true, CodeSnippet: "<script>b()</script>"},
	}}}
	doc, _, inj := setup(t, f)
	inj.Run(context.Background(), sidebar)
	require.Len(t, doc.QueryAll("[data-ad-id]"), 2)

	inj.Run(context.Background(), sidebar)
	assert.Len(t, doc.QueryAll("[data-ad-id]"), 2)

	inj.Close()
	assert.Empty(t, doc.QueryAll("[data-ad-id]"))
	assert.Empty(t, doc.QueryAll("[data-ad-script]"))
	assert.Empty(t, doc.QueryAll("script"))
	assert.Equal(t, StateIdle, inj.State())

	inj.Update(context.Background(), sidebar)
	inj.WaitIdle()
	assert.Len(t, f.Calls(), 2)
}

func TestFetchErrorRendersNothing(t *testing.T) {
	f := &recordingFetcher{err: errors.New("boom")}
	doc, _, inj := setup(t, f)

	assert.Equal(t, StateError, inj.Run(context.Background(), sidebar))
	assert.Empty(t, doc.QueryAll("[data-ad-id]"))
	assert.Empty(t, doc.Query("#slot").Children())
}

type fakeActivator struct {
	activated []string
	cleaned   []string
}

func (a *fakeActivator) Activate(_ context.Context, ad models.AdRecord, c *dom.Element) bool {
	a.activated = append(a.activated, ad.ID)
	c.SetText("managed")
	return true
}

func (a *fakeActivator) Cleanup(ids ...string) { a.cleaned = append(a.cleaned, ids...) }

func TestActivatorAndCleaner(t *testing.T) {
	f := &recordingFetcher{scope: models.ScopeResult{models.PlacementSidebar: {
		{ID: "a", IsEnabled: true, Priority: 1},
		{ID: "b", IsEnabled: true, Priority: 2},
	}}}
	doc, _, inj := setup(t, f)
	act := &fakeActivator{}
	inj.opts.Activator = act

	inj.Run(context.Background(), sidebar)
	assert.Equal(t, []string{"b", "a"}, act.activated)
	assert.Equal(t, "managed", doc.Query(`[data-ad-id="a"]`).Text())

	inj.Close()
	assert.ElementsMatch(t, []string{"a", "b"}, act.cleaned)
}

func TestInlinePlacement(t *testing.T) {
	doc, err := dom.ParseString(`<html><body><article id="post">
<p>one two three</p><p>four five six</p><p>seven eight</p></article></body></html>`)
	require.NoError(t, err)
	offset := 5
	f := &recordingFetcher{scope: models.ScopeResult{models.PlacementInline: {
		{ID: "mid", Placement: models.PlacementInline, IsEnabled: true, PositionOffset: &offset, CodeSnippet: "<b>ad</b>"},
	}}}
	inj := New(doc.Query("#post"), Options{Doc: doc, Fetcher: f, Logger: zaptest.NewLogger(t)})

	k := Key{Placement: models.PlacementInline, PageType: models.PageBlog, TenantID: "acme"}
	require.Equal(t, StateReady, inj.Run(context.Background(), k))

	var order []string
	for _, c := range doc.Query("#post").Children() {
		if !c.IsElement() {
			continue
		}
		if id, ok := c.Attr(AttrAdID); ok {
			order = append(order, id)
		} else {
			order = append(order, c.Text())
		}
	}
	assert.Equal(t, []string{"one two three", "four five six", "mid", "seven eight"}, order)
}

func TestInlineAdsSharingAParagraphKeepPriorityOrder(t *testing.T) {
	doc, err := dom.ParseString(`<html><body><article id="post">
<p>one two</p><p>three four</p></article></body></html>`)
	require.NoError(t, err)
	offset := 2
	f := &recordingFetcher{scope: models.ScopeResult{models.PlacementInline: {
		{ID: "low", Placement: models.PlacementInline, IsEnabled: true, Priority: 5, PositionOffset: &offset, CodeSnippet: "<b>low</b>"},
		{ID: "high", Placement: models.PlacementInline, IsEnabled: true, Priority: 10, PositionOffset: &offset, CodeSnippet: "<b>high</b>"},
		{ID: "tail", Placement: models.PlacementInline, IsEnabled: true, Priority: 5, PositionOffset: &offset, CodeSnippet: "<b>tail</b>"},
	}}}
	inj := New(doc.Query("#post"), Options{Doc: doc, Fetcher: f, Logger: zaptest.NewLogger(t)})

	k := Key{Placement: models.PlacementInline, PageType: models.PageBlog, TenantID: "acme"}
	require.Equal(t, StateReady, inj.Run(context.Background(), k))

	var order []string
	for _, c := range doc.Query("#post").Children() {
		if !c.IsElement() {
			continue
		}
		if id, ok := c.Attr(AttrAdID); ok {
			order = append(order, id)
		} else {
			order = append(order, c.Text())
		}
	}
	assert.Equal(t, []string{"one two", "high", "low", "tail", "three four"}, order)
}

func TestInlineOffsets(t *testing.T) {
	ps := []string{"a b c", "d e", "f g h i"}
	assert.Equal(t, 0, InlineOffsets(ps, 0))
	assert.Equal(t, 0, InlineOffsets(ps, 3))
	assert.Equal(t, 1, InlineOffsets(ps, 4))
	assert.Equal(t, 2, InlineOffsets(ps, 9))
	assert.Equal(t, -1, InlineOffsets(ps, 10))
	assert.Equal(t, -1, InlineOffsets(nil, 1))
}
