// Package geoip resolves visitor locations for the consent region check.
package geoip

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Location is the resolved country and subdivision of an address.
type Location struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
}

type cidrEntry struct {
	Net string `json:"net"`
	Location
}

type cidrLocation struct {
	net *net.IPNet
	loc Location
}

// GeoIP locates addresses using a MaxMind City/Country database, or a JSON
// list of CIDR ranges when the file is not a MaxMind database.
type GeoIP struct {
	db     *geoip2.Reader
	ranges []cidrLocation
}

// Init opens the database at path. A JSON file of
// {"net","country","region"} entries is accepted in its place.
func Init(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}
	ranges, jerr := loadRanges(path)
	if jerr != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &GeoIP{ranges: ranges}, nil
}

func loadRanges(path string) ([]cidrLocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []cidrEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	out := make([]cidrLocation, 0, len(entries))
	for _, e := range entries {
		_, n, err := net.ParseCIDR(e.Net)
		if err != nil {
			continue
		}
		out = append(out, cidrLocation{net: n, loc: e.Location})
	}
	return out, nil
}

// Locate resolves a textual IP address. Unknown or unparseable addresses,
// and a nil receiver, yield an empty Location.
func (g *GeoIP) Locate(addr string) Location {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if g == nil || ip == nil {
		return Location{}
	}
	if g.db != nil {
		return g.lookupDB(ip)
	}
	for _, r := range g.ranges {
		if r.net.Contains(ip) {
			return r.loc
		}
	}
	return Location{}
}

// lookupDB prefers the City record, which carries subdivisions, and falls
// back to the Country record for country-only databases.
func (g *GeoIP) lookupDB(ip net.IP) Location {
	if rec, err := g.db.City(ip); err == nil {
		loc := Location{Country: rec.Country.IsoCode}
		if len(rec.Subdivisions) > 0 {
			loc.Region = rec.Subdivisions[0].IsoCode
		}
		return loc
	}
	if rec, err := g.db.Country(ip); err == nil {
		return Location{Country: rec.Country.IsoCode}
	}
	return Location{}
}

// ClientIP returns the originating address of r, preferring the first
// X-Forwarded-For hop and then X-Real-IP.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Close releases the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
