package geoip

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFallback(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geo.json")
	data := `[
		{"net": "10.0.0.0/8", "country": "DE", "region": ""},
		{"net": "192.168.0.0/16", "country": "US", "region": "CA"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestJSONFallback(t *testing.T) {
	g, err := Init(writeFallback(t))
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	assert.Equal(t, Location{Country: "DE"}, g.Locate("10.1.2.3"))
	assert.Equal(t, Location{Country: "US", Region: "CA"}, g.Locate("192.168.1.1"))
	assert.Equal(t, Location{}, g.Locate("8.8.8.8"))
	assert.Equal(t, Location{}, g.Locate("not-an-ip"))
}

func TestInitMissingFile(t *testing.T) {
	_, err := Init(filepath.Join(t.TempDir(), "missing.mmdb"))
	assert.Error(t, err)
}

func TestNilGeoIP(t *testing.T) {
	var g *GeoIP
	assert.Equal(t, Location{}, g.Locate("10.0.0.1"))
	assert.NoError(t, g.Close())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "1.2.3.4:5678"
	assert.Equal(t, "1.2.3.4", ClientIP(r))

	r.Header.Set("X-Real-IP", "5.6.7.8")
	assert.Equal(t, "5.6.7.8", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	assert.Equal(t, "9.9.9.9", ClientIP(r))
}
