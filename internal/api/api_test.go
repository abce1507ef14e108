package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/tenantads/internal/analytics"
	"github.com/patrickwarner/tenantads/internal/config"
	"github.com/patrickwarner/tenantads/internal/db"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
)

type testEnv struct {
	srv     *Server
	router  http.Handler
	store   *models.InMemoryAdDataStore
	mr      *miniredis.Miniredis
	metrics *observability.MockMetricsRegistry
	events  *analytics.MemorySink
}

func testConfig() config.Config {
	ads := config.AdConfig{
		GAMeasurementID: "G-TEST",
		AdSenseClientID: "ca-pub-1",
		GAMNetworkCode:  "123",
		GAEnabled:       true,
		AdSenseEnabled:  true,
		GAMEnabled:      true,
		LogLevel:        "WARN",
		Timings:         config.DefaultTimings(),
	}
	return config.Config{
		ServiceName:       "tenantads-test",
		AdCacheTTL:        time.Minute,
		ConsentVersion:    "1.0",
		ConsentWriteRate:  1,
		ConsentWriteBurst: 2,
		Ads:               ads,
	}
}

func newTestEnv(t *testing.T, withRedis bool, ads ...models.AdRecord) *testEnv {
	t.Helper()
	store := models.NewInMemoryAdDataStore()
	require.NoError(t, store.ReloadAll(ads))

	env := &testEnv{
		store:   store,
		metrics: &observability.MockMetricsRegistry{},
		events:  &analytics.MemorySink{},
	}
	var rs *db.RedisStore
	if withRedis {
		env.mr = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		rs = &db.RedisStore{Client: client, Ctx: context.Background()}
	}
	env.srv = NewServer(zaptest.NewLogger(t), rs, nil, store, env.events, nil, env.metrics, testConfig())
	env.router = env.srv.Router()
	return env
}

func (e *testEnv) do(method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func ad(id, tenantID string, p models.Placement, code string, priority int) models.AdRecord {
	return models.AdRecord{
		ID:          id,
		TenantID:    tenantID,
		Placement:   p,
		Appearance:  models.AppearanceFullWidth,
		CodeSnippet: code,
		IsEnabled:   true,
		Priority:    priority,
	}
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, 1, env.metrics.Count("requests:health:200"))
}

func TestHealthHandlerChecksRedis(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"redis":"ok"}}`, rec.Body.String())

	env.mr.Close()
	rec = env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Equal(t, 1, env.metrics.Count("requests:health:503"))
}

func TestReloadWithoutPostgres(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetAdsScopesByTenant(t *testing.T) {
	env := newTestEnv(t, false,
		ad("a1", "main", models.PlacementSidebar, "<div>main</div>", 1),
		ad("a2", "acme", models.PlacementSidebar, "<div>acme low</div>", 1),
		ad("a3", "acme", models.PlacementSidebar, "<div>acme high</div>", 9),
	)

	rec := env.do(http.MethodGet, "/api/ads?placements=SIDEBAR,FOOTER", "", func(r *http.Request) {
		r.Host = "acme.blog.example.com"
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var scope models.ScopeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scope))
	require.Len(t, scope[models.PlacementSidebar], 2)
	assert.Empty(t, scope[models.PlacementFooter])
	for _, a := range scope[models.PlacementSidebar] {
		assert.Equal(t, "acme", a.TenantID)
	}
}

func TestGetAdsRejectsUnknownPlacement(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(http.MethodGet, "/api/ads?placements=NOPE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAdsUsesRedisCache(t *testing.T) {
	env := newTestEnv(t, true, ad("a1", "main", models.PlacementFooter, "<p>x</p>", 1))

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodGet, "/api/ads?placements=FOOTER", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, env.metrics.Count("cache:miss"))
	assert.Equal(t, 1, env.metrics.Count("cache:hit"))
}

func TestAdminCRUD(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(http.MethodPost, "/api/admin/ads",
		`{"tenantId":"Acme","placement":"SIDEBAR","codeSnippet":"<div>hi</div>","isEnabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.AdRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme", created.TenantID)
	assert.Equal(t, models.AppearanceFullWidth, created.Appearance)

	rec = env.do(http.MethodGet, "/api/admin/ads?tenant=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.AdRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)

	rec = env.do(http.MethodPut, "/api/admin/ads/"+created.ID,
		`{"placement":"FOOTER","codeSnippet":"<div>bye</div>","isEnabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := env.store.GetAd(created.ID)
	require.NotNil(t, updated)
	assert.Equal(t, models.PlacementFooter, updated.Placement)
	assert.Equal(t, "acme", updated.TenantID)
	assert.False(t, updated.IsEnabled)

	rec = env.do(http.MethodDelete, "/api/admin/ads/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, env.store.GetAd(created.ID))

	rec = env.do(http.MethodDelete, "/api/admin/ads/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminValidation(t *testing.T) {
	env := newTestEnv(t, false)
	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"bad placement", `{"placement":"TOP","codeSnippet":"x"}`},
		{"empty code", `{"placement":"SIDEBAR","codeSnippet":"  "}`},
		{"bad appearance", `{"placement":"SIDEBAR","codeSnippet":"x","appearance":"WOBBLY"}`},
		{"negative offset", `{"placement":"INLINE","codeSnippet":"x","positionOffset":-1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/admin/ads", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	rec := env.do(http.MethodPut, "/api/admin/ads/missing", `{"placement":"SIDEBAR","codeSnippet":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminWriteInvalidatesCache(t *testing.T) {
	env := newTestEnv(t, true, ad("a1", "main", models.PlacementFooter, "<p>old</p>", 1))

	rec := env.do(http.MethodGet, "/api/ads?placements=FOOTER", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPut, "/api/admin/ads/a1", `{"placement":"FOOTER","codeSnippet":"<p>new</p>","isEnabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/ads?placements=FOOTER", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "new")
	assert.Equal(t, 2, env.metrics.Count("cache:miss"))
}

func TestStatsUnavailable(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(http.MethodGet, "/api/admin/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeReports struct {
	tenantID string
	since    time.Time
}

func (f *fakeReports) CountsByTenant(_ context.Context, tenantID string, since time.Time) ([]analytics.AdEventCount, error) {
	f.tenantID, f.since = tenantID, since
	return []analytics.AdEventCount{}, nil
}

func TestStatsWindow(t *testing.T) {
	env := newTestEnv(t, false)
	reports := &fakeReports{}
	env.srv.Reports = reports

	rec := env.do(http.MethodGet, "/api/admin/stats?tenant=acme&since=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", reports.tenantID)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), reports.since, 5*time.Second)

	rec = env.do(http.MethodGet, "/api/admin/stats?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
