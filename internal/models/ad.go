package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MainTenant is the reserved tenant used when no sub-domain is present.
const MainTenant = "main"

// Placement is a named location on a page where ads may render.
type Placement string

const (
	PlacementHeader      Placement = "HEADER"
	PlacementFooter      Placement = "FOOTER"
	PlacementSidebar     Placement = "SIDEBAR"
	PlacementHomeHero    Placement = "HOME_HERO"
	PlacementInline      Placement = "INLINE"
	PlacementBeforePost  Placement = "BEFORE_POST"
	PlacementAfterPost   Placement = "AFTER_POST"
	PlacementBetweenList Placement = "BETWEEN_POSTS"
)

// Placements lists every placement the public site renders.
var Placements = []Placement{
	PlacementHeader,
	PlacementFooter,
	PlacementSidebar,
	PlacementHomeHero,
	PlacementInline,
	PlacementBeforePost,
	PlacementAfterPost,
	PlacementBetweenList,
}

// Valid reports whether p belongs to the closed placement set.
func (p Placement) Valid() bool {
	for _, known := range Placements {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePlacements parses a comma separated placement list. Unknown values
// are rejected so a typo never silently drops a placement.
func ParsePlacements(raw string) ([]Placement, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []Placement
	seen := make(map[Placement]bool)
	for _, part := range strings.Split(raw, ",") {
		p := Placement(strings.ToUpper(strings.TrimSpace(part)))
		if p == "" {
			continue
		}
		if !p.Valid() {
			return nil, fmt.Errorf("unknown placement %q", part)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Appearance is the layout applied to an ad container.
type Appearance string

const (
	AppearanceFullWidth    Appearance = "FULL_WIDTH"
	AppearanceLeftAligned  Appearance = "LEFT_ALIGNED"
	AppearanceRightAligned Appearance = "RIGHT_ALIGNED"
	AppearanceCentered     Appearance = "CENTERED"
	AppearancePopup        Appearance = "POPUP"
	AppearanceSticky       Appearance = "STICKY"
)

// appearanceClasses maps each appearance to the container CSS classes.
// POPUP is styled by the snippet itself.
var appearanceClasses = map[Appearance]string{
	AppearanceFullWidth:    "w-full",
	AppearanceLeftAligned:  "text-left",
	AppearanceRightAligned: "text-right",
	AppearanceCentered:     "text-center mx-auto",
	AppearanceSticky:       "sticky top-0",
	AppearancePopup:        "",
}

// Class returns the CSS classes for the appearance, or "" when none apply.
func (a Appearance) Class() string {
	return appearanceClasses[a]
}

// PageType identifies the kind of page being rendered.
type PageType string

const (
	PageHome     PageType = "home"
	PageBlog     PageType = "blog"
	PageCategory PageType = "category"
	PageSearch   PageType = "search"
	PageAbout    PageType = "about"
)

// AdRecord is a single ad placement instance configured for a tenant.
type AdRecord struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	Placement  Placement  `json:"placement"`
	Appearance Appearance `json:"appearance"`
	// CodeSnippet is raw markup and is never interpreted beyond script
	// detection.
	CodeSnippet string `json:"codeSnippet"`
	IsEnabled   bool   `json:"isEnabled"`
	Priority    int    `json:"priority"`
	// PositionOffset is the word offset for INLINE ads.
	PositionOffset *int `json:"positionOffset,omitempty"`
	// PageTypes restricts the record to the listed page types. Empty means
	// every page type.
	PageTypes []PageType `json:"pageTypes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// AppliesTo reports whether the record is scoped to the page type.
func (a AdRecord) AppliesTo(pt PageType) bool {
	if len(a.PageTypes) == 0 {
		return true
	}
	for _, t := range a.PageTypes {
		if t == pt {
			return true
		}
	}
	return false
}

// SortByPriority orders records by descending priority, keeping the
// original order for ties. The slice is sorted in place and returned.
func SortByPriority(ads []AdRecord) []AdRecord {
	sort.SliceStable(ads, func(i, j int) bool {
		return ads[i].Priority > ads[j].Priority
	})
	return ads
}

// EnabledOnly returns the enabled subset of ads preserving order.
func EnabledOnly(ads []AdRecord) []AdRecord {
	out := make([]AdRecord, 0, len(ads))
	for _, a := range ads {
		if a.IsEnabled {
			out = append(out, a)
		}
	}
	return out
}

// AdType is the advertising technology an injected slot belongs to.
type AdType string

const (
	AdTypeAdLibrary       AdType = "adsense"
	AdTypeAdServer        AdType = "gam"
	AdTypeAdServerDisplay AdType = "gam-display"
	AdTypeCustom          AdType = "custom"
)

// ScopeResult maps placements to their enabled ad records.
type ScopeResult map[Placement][]AdRecord
