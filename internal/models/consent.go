package models

import "time"

// ConsentKind is a user-granted permission category.
type ConsentKind string

const (
	ConsentAnalytics  ConsentKind = "analytics"
	ConsentMarketing  ConsentKind = "marketing"
	ConsentFunctional ConsentKind = "functional"
	ConsentNecessary  ConsentKind = "necessary"
)

// ConsentState is the fully populated consent record persisted for a
// visitor. A partially populated state is never stored.
type ConsentState struct {
	Analytics  bool      `json:"analytics"`
	Marketing  bool      `json:"marketing"`
	Functional bool      `json:"functional"`
	Necessary  bool      `json:"necessary"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
}

// Granted reports whether the category is granted in s.
func (s ConsentState) Granted(kind ConsentKind) bool {
	switch kind {
	case ConsentAnalytics:
		return s.Analytics
	case ConsentMarketing:
		return s.Marketing
	case ConsentFunctional:
		return s.Functional
	case ConsentNecessary:
		return true
	}
	return false
}

// ConsentUpdate carries the fields a caller wants to set. Nil fields take
// their defaults when the state is written.
type ConsentUpdate struct {
	Analytics  *bool `json:"analytics,omitempty"`
	Marketing  *bool `json:"marketing,omitempty"`
	Functional *bool `json:"functional,omitempty"`
}

// AdConsentConfig describes whether an ad needs consent to render.
type AdConsentConfig struct {
	RequiresConsent bool          `json:"requiresConsent"`
	ConsentTypes    []ConsentKind `json:"consentTypes,omitempty"`
}
