package analytics

import (
	"github.com/avct/uasurfer"

	"github.com/patrickwarner/tenantads/internal/geoip"
)

// Visitor is the request context attached to ad events.
type Visitor struct {
	DeviceType string
	IsBot      bool
	Country    string
	Region     string
}

// DeviceType maps a User-Agent to desktop, mobile, tablet or other.
func DeviceType(ua *uasurfer.UserAgent) string {
	switch ua.DeviceType {
	case uasurfer.DeviceComputer:
		return "desktop"
	case uasurfer.DevicePhone:
		return "mobile"
	case uasurfer.DeviceTablet:
		return "tablet"
	default:
		return "other"
	}
}

// ResolveVisitor parses the User-Agent and locates the client address.
// g may be nil.
func ResolveVisitor(g *geoip.GeoIP, uaString, ip string) Visitor {
	ua := uasurfer.Parse(uaString)
	loc := g.Locate(ip)
	return Visitor{
		DeviceType: DeviceType(ua),
		IsBot:      ua.IsBot(),
		Country:    loc.Country,
		Region:     loc.Region,
	}
}
