package consent

import (
	"os"
	"strings"
	"time"
)

// Time zones treated as GDPR territory.
var euTimezones = map[string]bool{
	"Europe/Amsterdam": true, "Europe/Athens": true, "Europe/Berlin": true,
	"Europe/Bratislava": true, "Europe/Brussels": true, "Europe/Bucharest": true,
	"Europe/Budapest": true, "Europe/Copenhagen": true, "Europe/Dublin": true,
	"Europe/Helsinki": true, "Europe/Lisbon": true, "Europe/Ljubljana": true,
	"Europe/London": true, "Europe/Luxembourg": true, "Europe/Madrid": true,
	"Europe/Malta": true, "Europe/Nicosia": true, "Europe/Oslo": true,
	"Europe/Paris": true, "Europe/Prague": true, "Europe/Riga": true,
	"Europe/Rome": true, "Europe/Sofia": true, "Europe/Stockholm": true,
	"Europe/Tallinn": true, "Europe/Vienna": true, "Europe/Vilnius": true,
	"Europe/Warsaw": true, "Europe/Zagreb": true, "Europe/Zurich": true,
	"Atlantic/Reykjavik": true, "Atlantic/Canary": true, "Atlantic/Madeira": true,
	"Atlantic/Azores": true, "Europe/Vaduz": true,
}

// Time zones covering California.
var ccpaTimezones = map[string]bool{
	"America/Los_Angeles": true,
	"US/Pacific":          true,
	"PST8PDT":             true,
}

// EU/EEA members plus the UK and Switzerland.
var gdprCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IE": true, "IT": true, "LV": true, "LT": true, "LU": true,
	"MT": true, "NL": true, "PL": true, "PT": true, "RO": true, "SK": true,
	"SI": true, "ES": true, "SE": true, "IS": true, "LI": true, "NO": true,
	"GB": true, "CH": true,
}

// IsConsentRequiredIn reports whether an IANA time zone falls in a region
// that requires consent. It is a heuristic, not geolocation.
func IsConsentRequiredIn(tz string) bool {
	tz = strings.TrimSpace(tz)
	return euTimezones[tz] || ccpaTimezones[tz]
}

// LocalTimezone returns the process time zone name from TZ, falling back
// to the local location name.
func LocalTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	return time.Now().Location().String()
}

// IsConsentRequired applies IsConsentRequiredIn to the process time zone.
func IsConsentRequired() bool {
	return IsConsentRequiredIn(LocalTimezone())
}

// RequiredForCountry reports whether a visitor located by ISO country code
// and subdivision code needs to consent.
func RequiredForCountry(country, region string) bool {
	country = strings.ToUpper(country)
	if gdprCountries[country] {
		return true
	}
	return country == "US" && strings.EqualFold(region, "CA")
}
