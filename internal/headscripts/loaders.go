package headscripts

import (
	"net/url"

	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/dom"
)

// AttrLoader tags library loader scripts.
const AttrLoader = "data-ad-loader"

// Permissions says which library groups the visitor allows.
type Permissions struct {
	Analytics bool
	Marketing bool
}

// Bootstrap appends the loaders of the enabled integrations to the head
// and runs them. Analytics needs analytics permission; the ad library and
// ad server need marketing permission. It returns the inserted scripts.
func Bootstrap(doc *dom.Document, win *dom.Window, cfg config.AdConfig, perm Permissions) []*dom.Element {
	var out []*dom.Element
	add := func(name, src, inline string) {
		s := doc.CreateElement("script")
		s.SetAttr(AttrLoader, name)
		if src != "" {
			s.SetAttr("async", "")
			s.SetAttr("src", src)
		}
		if inline != "" {
			s.SetText(inline)
		}
		doc.Head().Append(s)
		win.Run(s)
		out = append(out, s)
	}

	if cfg.GAEnabled && cfg.GAMeasurementID != "" && perm.Analytics {
		add("analytics", dom.AnalyticsLoaderURL+"?id="+url.QueryEscape(cfg.GAMeasurementID), "")
		add("analytics-init", "", "window.dataLayer = window.dataLayer || [];\n"+
			"function gtag(){dataLayer.push(arguments);}\n"+
			"gtag('js', new Date());")
	}
	if cfg.AdSenseEnabled && cfg.AdSenseClientID != "" && perm.Marketing {
		add("ad-library", dom.AdLibraryLoaderURL+"?client="+url.QueryEscape(cfg.AdSenseClientID), "")
	}
	if cfg.GAMEnabled && perm.Marketing {
		add("ad-server-init", "", "window.googletag = window.googletag || {cmd: []};")
		add("ad-server", dom.AdServerLoaderURL, "")
	}
	return out
}
