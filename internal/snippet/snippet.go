// Package snippet holds the rules for turning ad markup into executable
// script nodes: isolation wrappers, technology detection and the deferred
// execution wrappers used for page-head bootstrap code.
package snippet

import (
	"fmt"
	"strings"
	"time"

	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/models"
)

var jsString = strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", " ", "\r", " ", "<", `\x3c`)

// Isolate wraps inline script content in a self-invoking function whose
// errors are logged to the page console instead of propagating.
func Isolate(content, label string) string {
	return fmt.Sprintf(`(function() {
  try {
%s
  } catch (e) {
    console.warn('Ad script error (%s):', e);
  }
})();`, content, jsString.Replace(label))
}

// Recreate builds a new script element from original. Attributes are copied
// before the content is assigned so src scripts load with async, defer and
// data attributes in place. Empty content leaves the script without a body.
func Recreate(doc *dom.Document, original *dom.Element, content string) *dom.Element {
	s := doc.CreateElement("script")
	for _, a := range original.Attrs() {
		s.SetAttr(a.Key, a.Val)
	}
	if content != "" {
		s.SetText(content)
	}
	return s
}

// Rule pairs a content predicate with a deferred execution wrapper.
type Rule struct {
	Name string
	// Func names the polling function in the wrapper.
	Func string
	// Match reports whether script content targets the rule's technology.
	Match func(content string) bool
	// Condition is the JavaScript readiness test the wrapper polls.
	Condition string
	// WaitFor lists the window globals Condition checks.
	WaitFor []string
	Poll    time.Duration
}

// Wrap returns content guarded by a polling loop that runs it once the
// rule's condition holds. The loop has no upper bound.
func (r Rule) Wrap(content string) string {
	return fmt.Sprintf(`(function %[1]s() {
  if (%[2]s) {
%[3]s
  } else {
    setTimeout(%[1]s, %[4]d);
  }
})();`, r.Func, r.Condition, content, r.Poll.Milliseconds())
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// NewRules returns the ordered detection rules with the given poll
// intervals. The first matching rule wins.
func NewRules(analyticsPoll, adLibraryPoll, adServerPoll time.Duration) []Rule {
	return []Rule{
		{
			Name: "analytics",
			Func: "waitForGtag",
			Match: func(c string) bool {
				return containsAll(c, "gtag(", "dataLayer")
			},
			Condition: "typeof window.gtag === 'function'",
			WaitFor:   []string{dom.GlobalAnalyticsTag},
			Poll:      analyticsPoll,
		},
		{
			Name: "ad-library",
			Func: "waitForAdsense",
			Match: func(c string) bool {
				return containsAll(c, "adsbygoogle", ".push(")
			},
			Condition: "window.adsbygoogle",
			WaitFor:   []string{dom.GlobalAdLibrary},
			Poll:      adLibraryPoll,
		},
		{
			Name: "ad-server",
			Func: "waitForGoogletag",
			Match: func(c string) bool {
				return strings.Contains(c, "googletag.defineSlot") || strings.Contains(c, "googletag.display")
			},
			Condition: "window.googletag && typeof googletag.pubads === 'function'",
			WaitFor:   []string{dom.GlobalAdServer, dom.GlobalAdServerPubAds},
			Poll:      adServerPoll,
		},
	}
}

// DefaultRules uses 50ms for analytics and 100ms for the ad library and
// ad server.
func DefaultRules() []Rule {
	return NewRules(50*time.Millisecond, 100*time.Millisecond, 100*time.Millisecond)
}

// DeferFor returns content wrapped by the first matching rule together
// with that rule, or the content verbatim and nil.
func DeferFor(rules []Rule, content string) (string, *Rule) {
	for i := range rules {
		if rules[i].Match(content) {
			return rules[i].Wrap(content), &rules[i]
		}
	}
	return content, nil
}

// Detect classifies an ad snippet by the technology it targets.
func Detect(code string) models.AdType {
	switch {
	case strings.Contains(code, "adsbygoogle"):
		return models.AdTypeAdLibrary
	case strings.Contains(code, "googletag.defineSlot"):
		return models.AdTypeAdServer
	case strings.Contains(code, "googletag.display"):
		return models.AdTypeAdServerDisplay
	}
	return models.AdTypeCustom
}
