package dom

import (
	"errors"
	"regexp"
	"strings"
	"sync"
)

// Well-known third-party globals.
const (
	GlobalAnalyticsTag   = "gtag"
	GlobalDataLayer      = "dataLayer"
	GlobalAdLibrary      = "adsbygoogle"
	GlobalAdLibraryPush  = "adsbygoogle.push"
	GlobalAdServer       = "googletag"
	GlobalAdServerCmd    = "googletag.cmd"
	GlobalAdServerPubAds = "googletag.pubads"
	GlobalAdServerDefine = "googletag.defineSlot"
	GlobalAdServerShow   = "googletag.display"
	GlobalServicesOn     = "googletag.servicesEnabled"
)

// WaitForAttr lists, comma separated, the globals a script waits for before
// its body runs.
const WaitForAttr = "data-wait-for"

// ErrSlotNotDefined is returned by Display for an unknown slot element id.
var ErrSlotNotDefined = errors.New("ad server slot is not defined")

// Loader maps a script src prefix to the globals the library exposes once
// loaded.
type Loader struct {
	Prefix  string
	Globals []string
}

// Loader script URLs.
const (
	AnalyticsLoaderURL = "https://www.googletagmanager.com/gtag/js"
	AdLibraryLoaderURL = "https://pagead2.googlesyndication.com/pagead/js/adsbygoogle.js"
	AdServerLoaderURL  = "https://securepubads.g.doubleclick.net/tag/js/gpt.js"
)

// DefaultLoaders are the analytics, ad library and ad server loaders.
func DefaultLoaders() []Loader {
	return []Loader{
		{Prefix: AnalyticsLoaderURL, Globals: []string{GlobalAnalyticsTag, GlobalDataLayer}},
		{Prefix: AdLibraryLoaderURL, Globals: []string{GlobalAdLibrary, GlobalAdLibraryPush}},
		{Prefix: AdServerLoaderURL, Globals: []string{
			GlobalAdServer, GlobalAdServerCmd, GlobalAdServerPubAds,
			GlobalAdServerDefine, GlobalAdServerShow,
		}},
	}
}

// inline bootstrap statements that define globals without a loader
var inlineDefinitions = []struct {
	re      *regexp.Regexp
	globals []string
}{
	{regexp.MustCompile(`function\s+gtag\s*\(`), []string{GlobalAnalyticsTag}},
	{regexp.MustCompile(`dataLayer\s*=\s*(window\.)?dataLayer\s*\|\|`), []string{GlobalDataLayer}},
	{regexp.MustCompile(`adsbygoogle\s*=\s*(window\.)?adsbygoogle\s*\|\|`), []string{GlobalAdLibrary, GlobalAdLibraryPush}},
	{regexp.MustCompile(`googletag\s*=\s*(window\.)?googletag\s*\|\|`), []string{GlobalAdServer, GlobalAdServerCmd}},
}

var (
	defineSlotCall     = regexp.MustCompile(`googletag\.defineSlot\(\s*['"][^'"]*['"]\s*,[^;]*?,\s*['"]([^'"]+)['"]\s*\)`)
	enableServicesCall = regexp.MustCompile(`googletag\.enableServices\(\s*\)`)
	displayCall        = regexp.MustCompile(`googletag\.display\(\s*['"]([^'"]+)['"]`)
)

// SlotIDs returns the element ids passed to googletag.defineSlot in script.
func SlotIDs(script string) []string {
	return submatches(defineSlotCall, script)
}

// DisplayIDs returns the element ids passed to googletag.display in script.
func DisplayIDs(script string) []string {
	return submatches(displayCall, script)
}

func submatches(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

// Script records a script the window ran.
type Script struct {
	Src      string
	Text     string
	Deferred bool
}

type pendingScript struct {
	waitFor []string
	script  Script
}

// Window is the global namespace shared by every script on a page. It is
// safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	loaders  []Loader
	globals  map[string]bool
	slots    []string
	pushes   []string
	shown    []string
	executed []Script
	pending  []pendingScript
}

// NewWindow returns an empty window recognising the given loaders, or
// DefaultLoaders when none are passed.
func NewWindow(loaders ...Loader) *Window {
	if len(loaders) == 0 {
		loaders = DefaultLoaders()
	}
	return &Window{loaders: loaders, globals: make(map[string]bool)}
}

// Define marks globals as present and runs deferred scripts that were
// waiting for them.
func (w *Window) Define(names ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.define(names...)
}

func (w *Window) define(names ...string) {
	for _, n := range names {
		w.globals[n] = true
	}
	w.flushPending()
}

// Undefine removes globals, e.g. to simulate a blocked library.
func (w *Window) Undefine(names ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range names {
		delete(w.globals, n)
	}
}

// Has reports whether a global is present.
func (w *Window) Has(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.globals[name]
}

// HasAll reports whether every named global is present.
func (w *Window) HasAll(names ...string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasAll(names)
}

func (w *Window) hasAll(names []string) bool {
	for _, n := range names {
		if !w.globals[n] {
			return false
		}
	}
	return true
}

// DefineSlot registers an ad server slot for the element id. Defining a
// slot twice is an error, as in the ad server library.
func (w *Window) DefineSlot(elementID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.defineSlot(elementID)
}

func (w *Window) defineSlot(elementID string) error {
	if !w.globals[GlobalAdServer] {
		return errors.New("googletag is not defined")
	}
	for _, s := range w.slots {
		if s == elementID {
			return errors.New("slot already exists: " + elementID)
		}
	}
	w.slots = append(w.slots, elementID)
	return nil
}

// HasSlot reports whether the ad server knows a slot for the element id.
// Slots are invisible while the ad server global is absent.
func (w *Window) HasSlot(elementID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.globals[GlobalAdServer] {
		return false
	}
	for _, s := range w.slots {
		if s == elementID {
			return true
		}
	}
	return false
}

// Slots returns the defined slot element ids in definition order.
func (w *Window) Slots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.slots...)
}

// Display asks the ad server to render a defined slot.
func (w *Window) Display(elementID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.globals[GlobalAdServerShow] {
		return errors.New("googletag.display is not defined")
	}
	for _, s := range w.slots {
		if s == elementID {
			w.shown = append(w.shown, elementID)
			return nil
		}
	}
	return ErrSlotNotDefined
}

// Displayed returns the slot ids passed to Display, in call order.
func (w *Window) Displayed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.shown...)
}

// Push queues a request on the ad library.
func (w *Window) Push(key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.globals[GlobalAdLibrary] {
		return errors.New("adsbygoogle is not defined")
	}
	w.pushes = append(w.pushes, key)
	return nil
}

// Pushes returns the ad library requests in push order.
func (w *Window) Pushes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.pushes...)
}

// Run executes a script element. Scripts carrying WaitForAttr are held
// until every listed global is present.
func (w *Window) Run(el *Element) {
	src, _ := el.Attr("src")
	waitRaw, _ := el.Attr(WaitForAttr)
	s := Script{Src: src, Text: el.Text()}

	w.mu.Lock()
	defer w.mu.Unlock()
	var waitFor []string
	for _, g := range strings.Split(waitRaw, ",") {
		if g = strings.TrimSpace(g); g != "" {
			waitFor = append(waitFor, g)
		}
	}
	if len(waitFor) > 0 && !w.hasAll(waitFor) {
		s.Deferred = true
		w.pending = append(w.pending, pendingScript{waitFor: waitFor, script: s})
		return
	}
	w.exec(s)
}

// RunSource executes inline script text.
func (w *Window) RunSource(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exec(Script{Text: text})
}

// exec must be called with w.mu held.
func (w *Window) exec(s Script) {
	w.executed = append(w.executed, s)
	if s.Src != "" {
		for _, l := range w.loaders {
			if strings.HasPrefix(s.Src, l.Prefix) {
				w.define(l.Globals...)
			}
		}
		return
	}
	for _, d := range inlineDefinitions {
		if d.re.MatchString(s.Text) {
			w.define(d.globals...)
		}
	}
	for _, m := range defineSlotCall.FindAllStringSubmatch(s.Text, -1) {
		// errors surface in the page console, not the host
		_ = w.defineSlot(m[1])
	}
	if enableServicesCall.MatchString(s.Text) && w.globals[GlobalAdServerPubAds] {
		w.define(GlobalServicesOn)
	}
}

// flushPending must be called with w.mu held.
func (w *Window) flushPending() {
	for {
		ran := false
		for i, p := range w.pending {
			if w.hasAll(p.waitFor) {
				w.pending = append(w.pending[:i], w.pending[i+1:]...)
				w.exec(p.script)
				ran = true
				break
			}
		}
		if !ran {
			return
		}
	}
}

// Executed returns the scripts run so far, in execution order.
func (w *Window) Executed() []Script {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Script(nil), w.executed...)
}

// Pending returns the number of scripts still waiting for globals.
func (w *Window) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
