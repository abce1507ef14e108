package consent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConsentRequiredIn(t *testing.T) {
	tests := map[string]bool{
		"Europe/Berlin":       true,
		"Europe/Dublin":       true,
		"America/Los_Angeles": true,
		"Asia/Tokyo":          false,
		"America/New_York":    false,
		"":                    false,
	}
	for tz, want := range tests {
		assert.Equal(t, want, IsConsentRequiredIn(tz), tz)
	}
}

func TestIsConsentRequiredUsesTZ(t *testing.T) {
	t.Setenv("TZ", "Europe/Berlin")
	assert.True(t, IsConsentRequired())

	t.Setenv("TZ", "Asia/Tokyo")
	assert.False(t, IsConsentRequired())

	s := NewStore(NewMemoryStorage(), WithTimezone("Europe/Paris"))
	assert.True(t, s.IsConsentRequired())
}

func TestRequiredForCountry(t *testing.T) {
	assert.True(t, RequiredForCountry("de", ""))
	assert.True(t, RequiredForCountry("US", "ca"))
	assert.False(t, RequiredForCountry("US", "NY"))
	assert.False(t, RequiredForCountry("JP", ""))
}
