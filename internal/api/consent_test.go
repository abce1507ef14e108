package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/tenantads/internal/consent"
)

func visitorCookieOf(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == visitorCookie {
			return c
		}
	}
	t.Fatal("visitor cookie not set")
	return nil
}

func TestConsentFlow(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		name := "memory"
		if withRedis {
			name = "redis"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, withRedis)

			rec := env.do(http.MethodGet, "/api/consent?tz=Europe/Berlin", "")
			require.Equal(t, http.StatusOK, rec.Code)
			cookie := visitorCookieOf(t, rec.Result())
			assert.True(t, cookie.HttpOnly)

			var got consentResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Nil(t, got.Consent)
			assert.True(t, got.Required)

			withCookie := func(r *http.Request) { r.AddCookie(cookie) }
			rec = env.do(http.MethodPut, "/api/consent", `{"marketing":true}`, withCookie)
			require.Equal(t, http.StatusOK, rec.Code)
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			require.NotNil(t, got.Consent)
			assert.True(t, got.Consent.Marketing)
			assert.False(t, got.Consent.Analytics)
			assert.True(t, got.Consent.Necessary)
			assert.Equal(t, "1.0", got.Consent.Version)

			rec = env.do(http.MethodGet, "/api/consent", "", withCookie)
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			require.NotNil(t, got.Consent)
			assert.True(t, got.Consent.Marketing)
			assert.False(t, got.Required)

			rec = env.do(http.MethodDelete, "/api/consent", "", withCookie)
			assert.Equal(t, http.StatusNoContent, rec.Code)

			rec = env.do(http.MethodGet, "/api/consent", "", withCookie)
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Nil(t, got.Consent)
		})
	}
}

func TestConsentWritesAreRateLimited(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(http.MethodGet, "/api/consent", "")
	cookie := visitorCookieOf(t, rec.Result())
	withCookie := func(r *http.Request) { r.AddCookie(cookie) }

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(http.MethodPut, "/api/consent", `{"analytics":true}`, withCookie).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 1, env.metrics.Count("consent:rate_limited"))

	// other visitors have their own bucket
	assert.Equal(t, http.StatusOK, env.do(http.MethodPut, "/api/consent", `{"analytics":true}`).Code)
}

func TestConsentRejectsBadBody(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(http.MethodPut, "/api/consent", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsentRequired(t *testing.T) {
	env := newTestEnv(t, false)
	cases := []struct {
		tz   string
		want bool
	}{
		{"Europe/Paris", true},
		{"America/Los_Angeles", true},
		{"America/New_York", false},
		{"", false},
	}
	for _, tc := range cases {
		rec := env.do(http.MethodGet, "/api/consent/required?tz="+tc.tz, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]bool
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.want, body["required"], tc.tz)
	}
}

func TestVisitorLimitersDefaults(t *testing.T) {
	l := newVisitorLimiters(0, 0)
	assert.True(t, l.Allow("v"))
	assert.False(t, l.Allow("v"))
	assert.True(t, l.Allow("w"))
}

func TestCookielessReadsDoNotRetainConsentStorage(t *testing.T) {
	env := newTestEnv(t, false)
	for i := 0; i < 500; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/consent", "").Code)
	}
	assert.Zero(t, env.srv.memConsent.Len())

	rec := env.do(http.MethodPut, "/api/consent", `{"marketing":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.srv.memConsent.Len())

	cookie := visitorCookieOf(t, rec.Result())
	rec = env.do(http.MethodDelete, "/api/consent", "", func(r *http.Request) { r.AddCookie(cookie) })
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, env.srv.memConsent.Len())
}

func TestMemoryConsentsAreBounded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newMemoryConsents(3, time.Minute)
	c.now = func() time.Time { return now }

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, c.For(v).Save(ctx, "k", []byte(v)))
		now = now.Add(time.Second)
	}
	_, err := c.For("a").Load(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, c.For("d").Save(ctx, "k", []byte("d")))
	assert.Equal(t, 3, c.Len())
	_, err = c.For("b").Load(ctx, "k")
	assert.ErrorIs(t, err, consent.ErrNoConsent)

	now = now.Add(time.Hour)
	require.NoError(t, c.For("e").Save(ctx, "k", []byte("e")))
	assert.Equal(t, 1, c.Len())
}

func TestCookielessWritesAreLimitedPerAddress(t *testing.T) {
	env := newTestEnv(t, false)
	limited := 0
	for i := 0; i < 100; i++ {
		rec := env.do(http.MethodPut, "/api/consent", `{"analytics":true}`, func(r *http.Request) {
			r.RemoteAddr = "198.51.100.7:4000"
		})
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)

	rec := env.do(http.MethodPut, "/api/consent", `{"analytics":true}`, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.9:4000"
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}
