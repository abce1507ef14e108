package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/tenantads/internal/consent"
	"github.com/patrickwarner/tenantads/internal/geoip"
	"github.com/patrickwarner/tenantads/internal/middleware"
	"github.com/patrickwarner/tenantads/internal/models"
)

const (
	visitorCookie = "visitor_id"
	visitorMaxAge = 365 * 24 * 60 * 60
	consentTTL    = 365 * 24 * time.Hour
)

type consentResponse struct {
	Consent  *models.ConsentState `json:"consent"`
	Required bool                 `json:"required"`
}

// visitorID returns the visitor cookie, issuing a new one when absent.
func visitorID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(visitorCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     visitorCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   visitorMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Server) consentStorage(visitor string) consent.Storage {
	if s.Store != nil && s.Store.Client != nil {
		return s.Store.ConsentStorage(visitor, consentTTL)
	}
	return s.memConsent.For(visitor)
}

// consentStore returns the loaded consent store of a visitor.
func (s *Server) consentStore(ctx context.Context, visitor, tz string) *consent.Store {
	st := consent.NewStore(s.consentStorage(visitor),
		consent.WithVersion(s.Config.ConsentVersion),
		consent.WithTimezone(tz),
		consent.WithLogger(middleware.LoggerFromContext(ctx, s.Logger)),
		consent.WithMetrics(s.Metrics),
	)
	st.Load(ctx)
	return st
}

// consentRequired combines the time zone heuristic with the GeoIP country
// rule.
func (s *Server) consentRequired(r *http.Request, tz string) bool {
	if tz != "" && consent.IsConsentRequiredIn(tz) {
		return true
	}
	loc := s.GeoIP.Locate(geoip.ClientIP(r))
	return consent.RequiredForCountry(loc.Country, loc.Region)
}

func (s *Server) GetConsentHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tz := r.URL.Query().Get("tz")
	st := s.consentStore(r.Context(), visitorID(w, r), tz)
	s.observe("consent", "GET", http.StatusOK, start)
	writeJSON(w, http.StatusOK, consentResponse{
		Consent:  st.GetConsent(),
		Required: s.consentRequired(r, tz),
	})
}

func (s *Server) PutConsentHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	visitor := visitorID(w, r)
	if !s.ipLimiters.Allow(geoip.ClientIP(r)) || !s.limiters.Allow(visitor) {
		s.Metrics.IncrementConsentUpdates("rate_limited")
		s.observe("consent", "PUT", http.StatusTooManyRequests, start)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	var u models.ConsentUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&u); err != nil {
		s.observe("consent", "PUT", http.StatusBadRequest, start)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	tz := r.URL.Query().Get("tz")
	st := s.consentStore(r.Context(), visitor, tz)
	state := st.SetConsent(r.Context(), u)
	middleware.LoggerFromRequest(r, s.Logger).Debug("consent updated",
		zap.Bool("analytics", state.Analytics),
		zap.Bool("marketing", state.Marketing),
	)
	s.observe("consent", "PUT", http.StatusOK, start)
	writeJSON(w, http.StatusOK, consentResponse{
		Consent:  &state,
		Required: s.consentRequired(r, tz),
	})
}

func (s *Server) DeleteConsentHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := s.consentStore(r.Context(), visitorID(w, r), "")
	st.ClearConsent(r.Context())
	s.observe("consent", "DELETE", http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}

// ConsentRequiredHandler answers GET /api/consent/required?tz=Europe/Berlin.
func (s *Server) ConsentRequiredHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"required": s.consentRequired(r, r.URL.Query().Get("tz")),
	})
}

type visitorBucket struct {
	lim *rate.Limiter
	ts  time.Time
}

// visitorLimiters rate limits consent writes per visitor.
type visitorLimiters struct {
	mu    sync.Mutex
	m     map[string]*visitorBucket
	rate  rate.Limit
	burst int
}

func newVisitorLimiters(perSecond float64, burst int) *visitorLimiters {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &visitorLimiters{
		m:     make(map[string]*visitorBucket),
		rate:  rate.Limit(perSecond),
		burst: burst,
	}
}

// Allow reports whether the visitor may write now. Buckets idle for more
// than ten minutes are dropped.
func (v *visitorLimiters) Allow(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	b, ok := v.m[id]
	if !ok {
		if len(v.m) > 10000 {
			for k, old := range v.m {
				if now.Sub(old.ts) > 10*time.Minute {
					delete(v.m, k)
				}
			}
		}
		b = &visitorBucket{lim: rate.NewLimiter(v.rate, v.burst)}
		v.m[id] = b
	}
	b.ts = now
	return b.lim.Allow()
}

const (
	maxMemoryConsents = 10000
	memoryConsentIdle = 30 * time.Minute
	// per-address write budget, relative to the per-visitor one
	ipLimitMultiplier = 20
)

type memoryConsent struct {
	st   *consent.MemoryStorage
	seen time.Time
}

// memoryConsents keeps visitor consent in process when Redis is not
// configured. Entries are created on the first write only and the map is
// bounded: idle entries are swept, then the least recently seen evicted.
type memoryConsents struct {
	mu    sync.Mutex
	m     map[string]*memoryConsent
	limit int
	idle  time.Duration
	now   func() time.Time
}

func newMemoryConsents(limit int, idle time.Duration) *memoryConsents {
	return &memoryConsents{m: make(map[string]*memoryConsent), limit: limit, idle: idle, now: time.Now}
}

// For returns the consent storage of one visitor.
func (c *memoryConsents) For(visitor string) consent.Storage {
	return visitorConsent{c: c, visitor: visitor}
}

// Len returns the number of visitors with stored consent.
func (c *memoryConsents) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *memoryConsents) get(visitor string, create bool) *consent.MemoryStorage {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.m[visitor]; ok {
		e.seen = now
		return e.st
	}
	if !create {
		return nil
	}
	if len(c.m) >= c.limit {
		c.evict(now)
	}
	e := &memoryConsent{st: consent.NewMemoryStorage(), seen: now}
	c.m[visitor] = e
	return e.st
}

// evict must be called with c.mu held.
func (c *memoryConsents) evict(now time.Time) {
	oldestKey, oldest := "", now
	for k, e := range c.m {
		if now.Sub(e.seen) > c.idle {
			delete(c.m, k)
			continue
		}
		if !e.seen.After(oldest) {
			oldestKey, oldest = k, e.seen
		}
	}
	if len(c.m) >= c.limit && oldestKey != "" {
		delete(c.m, oldestKey)
	}
}

func (c *memoryConsents) drop(visitor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, visitor)
}

type visitorConsent struct {
	c       *memoryConsents
	visitor string
}

func (v visitorConsent) Load(ctx context.Context, key string) ([]byte, error) {
	st := v.c.get(v.visitor, false)
	if st == nil {
		return nil, consent.ErrNoConsent
	}
	return st.Load(ctx, key)
}

func (v visitorConsent) Save(ctx context.Context, key string, data []byte) error {
	return v.c.get(v.visitor, true).Save(ctx, key, data)
}

func (v visitorConsent) Delete(_ context.Context, _ string) error {
	v.c.drop(v.visitor)
	return nil
}
