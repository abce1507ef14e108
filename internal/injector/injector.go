// Package injector places the ads of one placement into a page region.
//
// An Injector owns the containers it creates. Each run removes the previous
// containers before fetching, so repeated runs never accumulate nodes, and
// ad failures never escape to the caller.
package injector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/fetcher"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/snippet"
)

// State of an injector subscription.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateEmpty   State = "empty"
	StateError   State = "error"
	StateReady   State = "ready"
)

// Container attributes.
const (
	AttrAdID       = "data-ad-id"
	AttrPlacement  = "data-ad-placement"
	AttrAppearance = "data-ad-appearance"
	ContainerClass = "ad-container"
)

// Key is the input triple that drives a run.
type Key struct {
	Placement models.Placement
	PageType  models.PageType
	TenantID  string
}

// Activator takes over activation of an ad inside its container.
type Activator interface {
	Activate(ctx context.Context, ad models.AdRecord, container *dom.Element) bool
}

// Cleaner is implemented by activators that track per-ad resources.
type Cleaner interface {
	Cleanup(adIDs ...string)
}

// Options configures an Injector.
type Options struct {
	Doc     *dom.Document
	Window  *dom.Window
	Fetcher fetcher.Fetcher
	// Activator is optional. Without one, snippets are injected directly
	// and their scripts recreated in place.
	Activator Activator
	Logger    *zap.Logger
	Debounce  time.Duration
}

// Injector manages the ads of one placement inside root.
type Injector struct {
	root *dom.Element
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	state      State
	key        Key
	applied    bool
	timer      *time.Timer
	gen        uint64
	containers []*dom.Element
	adIDs      []string
	closed     bool

	runMu   sync.Mutex
	pending sync.WaitGroup
}

// New returns an idle injector placing containers inside root.
func New(root *dom.Element, opts Options) *Injector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	return &Injector{
		root:  root,
		opts:  opts,
		log:   opts.Logger.Named("injector"),
		state: StateIdle,
	}
}

// State returns the current state.
func (i *Injector) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Injector) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// AdIDs returns the ids of the ads placed by the last run, in DOM order.
func (i *Injector) AdIDs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.adIDs...)
}

// Update schedules a run for key after the debounce window. A later Update
// within the window replaces the pending one. Updating to the key of the
// last applied run is a no-op.
func (i *Injector) Update(ctx context.Context, key Key) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	if i.timer == nil && i.applied && key == i.key {
		return
	}
	if i.timer != nil && i.timer.Stop() {
		i.pending.Done()
	}
	i.gen++
	gen := i.gen
	i.pending.Add(1)
	i.timer = time.AfterFunc(i.opts.Debounce, func() {
		defer i.pending.Done()
		i.mu.Lock()
		if gen != i.gen || i.closed {
			i.mu.Unlock()
			return
		}
		i.timer = nil
		i.mu.Unlock()
		i.Run(ctx, key)
	})
}

// WaitIdle blocks until no debounced run is pending or running.
func (i *Injector) WaitIdle() {
	i.pending.Wait()
}

// Run performs a full cycle for key synchronously: cleanup, fetch, inject.
// It returns the resulting state.
func (i *Injector) Run(ctx context.Context, key Key) (state State) {
	i.runMu.Lock()
	defer i.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			i.log.Error("ad injection panicked", zap.Any("panic", r), zap.String("placement", string(key.Placement)))
			i.setState(StateError)
			state = StateError
		}
	}()

	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return StateIdle
	}

	i.cleanup()
	i.mu.Lock()
	i.key = key
	i.applied = true
	i.state = StateLoading
	i.mu.Unlock()

	if err := ctx.Err(); err != nil {
		i.setState(StateIdle)
		return StateIdle
	}

	scope, err := i.opts.Fetcher.FetchAdsForScope(ctx, key.TenantID, key.PageType, []models.Placement{key.Placement})
	if err != nil {
		i.log.Warn("failed to fetch ads",
			zap.String("tenant", key.TenantID),
			zap.String("page_type", string(key.PageType)),
			zap.String("placement", string(key.Placement)),
			zap.Error(err),
		)
		i.setState(StateError)
		return StateError
	}

	ads := models.SortByPriority(models.EnabledOnly(scope[key.Placement]))
	if len(ads) == 0 {
		i.setState(StateEmpty)
		return StateEmpty
	}

	var inline *inlineCursor
	if key.Placement == models.PlacementInline {
		inline = newInlineCursor(i.root.QueryAll("p"))
	}

	ids := make([]string, 0, len(ads))
	for _, ad := range ads {
		c := i.newContainer(ad)
		i.place(c, ad, inline)
		ids = append(ids, ad.ID)

		i.mu.Lock()
		i.containers = append(i.containers, c)
		i.adIDs = append(i.adIDs, ad.ID)
		i.mu.Unlock()

		i.activate(ctx, ad, c)
	}

	i.setState(StateReady)
	i.log.Debug("ads injected",
		zap.String("tenant", key.TenantID),
		zap.String("placement", string(key.Placement)),
		zap.Strings("ad_ids", ids),
	)
	return StateReady
}

func (i *Injector) newContainer(ad models.AdRecord) *dom.Element {
	c := i.opts.Doc.CreateElement("div")
	c.SetAttr(AttrAdID, ad.ID)
	c.SetAttr(AttrPlacement, string(ad.Placement))
	c.SetAttr(AttrAppearance, string(ad.Appearance))
	c.AddClass(ContainerClass + " " + ad.Appearance.Class())
	return c
}

// place appends c to root. INLINE ads with an offset go after the
// paragraph crossing that word count, behind any ad already placed there.
func (i *Injector) place(c *dom.Element, ad models.AdRecord, inline *inlineCursor) {
	if ad.PositionOffset != nil && inline != nil && inline.place(c, *ad.PositionOffset) {
		return
	}
	i.root.Append(c)
}

// inlineCursor remembers the last node inserted after each paragraph so
// ads sharing a paragraph keep their priority order.
type inlineCursor struct {
	paragraphs []*dom.Element
	texts      []string
	last       map[int]*dom.Element
}

func newInlineCursor(paragraphs []*dom.Element) *inlineCursor {
	texts := make([]string, len(paragraphs))
	for n, p := range paragraphs {
		texts[n] = p.Text()
	}
	return &inlineCursor{paragraphs: paragraphs, texts: texts, last: make(map[int]*dom.Element)}
}

func (ic *inlineCursor) place(c *dom.Element, offset int) bool {
	idx := InlineOffsets(ic.texts, offset)
	if idx < 0 {
		return false
	}
	after, ok := ic.last[idx]
	if !ok {
		after = ic.paragraphs[idx]
	}
	if err := after.InsertAfter(c); err != nil {
		return false
	}
	ic.last[idx] = c
	return true
}

func (i *Injector) activate(ctx context.Context, ad models.AdRecord, c *dom.Element) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("ad activation panicked", zap.String("ad_id", ad.ID), zap.Any("panic", r))
		}
	}()
	if i.opts.Activator != nil {
		i.opts.Activator.Activate(ctx, ad, c)
		return
	}
	if err := Inject(i.opts.Doc, i.opts.Window, c, ad.ID, ad.CodeSnippet); err != nil {
		i.log.Warn("failed to inject ad markup", zap.String("ad_id", ad.ID), zap.Error(err))
		c.Clear()
	}
}

// Inject sets container's markup and replaces every script inside it with
// a recreated, isolated copy that the window runs. It returns the inserted
// script elements.
func Inject(doc *dom.Document, w *dom.Window, container *dom.Element, adID, markup string) error {
	if err := container.SetInnerHTML(markup); err != nil {
		return fmt.Errorf("set markup: %w", err)
	}
	for n, old := range container.QueryAll("script") {
		content := old.Text()
		if content != "" {
			content = snippet.Isolate(content, adID)
		}
		s := snippet.Recreate(doc, old, content)
		s.SetAttr("data-ad-script", adID)
		s.SetAttr("data-script-index", fmt.Sprint(n))
		if err := old.InsertAfter(s); err != nil {
			return fmt.Errorf("replace script: %w", err)
		}
		old.Remove()
		if w != nil {
			w.Run(s)
		}
	}
	return nil
}

// cleanup removes every container from the previous run.
func (i *Injector) cleanup() {
	i.mu.Lock()
	containers, ids := i.containers, i.adIDs
	i.containers, i.adIDs = nil, nil
	i.mu.Unlock()

	if len(ids) > 0 {
		if c, ok := i.opts.Activator.(Cleaner); ok {
			c.Cleanup(ids...)
		}
	}
	for _, c := range containers {
		c.Clear()
		c.Remove()
	}
}

// Close cancels any pending run and removes everything the injector
// placed.
func (i *Injector) Close() {
	i.mu.Lock()
	i.closed = true
	if i.timer != nil && i.timer.Stop() {
		i.pending.Done()
	}
	i.timer = nil
	i.mu.Unlock()

	i.runMu.Lock()
	defer i.runMu.Unlock()
	i.cleanup()
	i.setState(StateIdle)
}
