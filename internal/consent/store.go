// Package consent holds visitor consent flags and the region heuristics
// that decide whether consent must be asked for.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
)

const (
	// StorageKey is the key the consent blob is stored under.
	StorageKey = "cookie-consent"
	// CurrentVersion is the consent policy version. Stored state with a
	// different version is ignored.
	CurrentVersion = "1.0"
)

// Listener is notified with the new state after every SetConsent.
type Listener func(models.ConsentState)

// Store is the consent state of one visitor. It never returns storage
// errors to callers; they are logged.
type Store struct {
	storage  Storage
	key      string
	version  string
	timezone string
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
	now      func() time.Time

	mu    sync.RWMutex
	state *models.ConsentState

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// Option configures a Store.
type Option func(*Store)

func WithKey(key string) Option             { return func(s *Store) { s.key = key } }
func WithVersion(v string) Option           { return func(s *Store) { s.version = v } }
func WithTimezone(tz string) Option         { return func(s *Store) { s.timezone = tz } }
func WithLogger(l *zap.Logger) Option       { return func(s *Store) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithMetrics(m observability.MetricsRegistry) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns a store backed by storage. Call Load to read persisted
// state.
func NewStore(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage:   storage,
		key:       StorageKey,
		version:   CurrentVersion,
		timezone:  LocalTimezone(),
		logger:    zap.NewNop(),
		metrics:   observability.NewNoOpRegistry(),
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("consent")
	return s
}

var (
	defaultOnce  sync.Once
	defaultStore *Store
)

// Default returns the process-wide store, constructing it on first use
// with in-memory storage.
func Default() *Store {
	defaultOnce.Do(func() {
		defaultStore = NewStore(NewMemoryStorage(), WithLogger(zap.L()))
	})
	return defaultStore
}

// Load reads persisted consent. Missing, unreadable or outdated state
// leaves the store without consent.
func (s *Store) Load(ctx context.Context) {
	raw, err := s.storage.Load(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNoConsent) {
			s.logger.Warn("failed to load consent", zap.String("key", s.key), zap.Error(err))
		}
		s.setState(nil)
		return
	}
	var st models.ConsentState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Warn("discarding malformed consent", zap.String("key", s.key), zap.Error(err))
		s.setState(nil)
		return
	}
	if st.Version != s.version {
		s.logger.Debug("consent version changed, asking again",
			zap.String("stored", st.Version), zap.String("current", s.version))
		s.setState(nil)
		return
	}
	st.Necessary = true
	s.setState(&st)
}

func (s *Store) setState(st *models.ConsentState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// GetConsent returns a copy of the current state, or nil when the visitor
// has not consented.
func (s *Store) GetConsent() *models.ConsentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil
	}
	cp := *s.state
	return &cp
}

// SetConsent replaces the state. Unset fields default to functional
// granted and analytics/marketing denied. Listeners are notified after the
// state is persisted.
func (s *Store) SetConsent(ctx context.Context, u models.ConsentUpdate) models.ConsentState {
	st := models.ConsentState{
		Analytics:  boolOr(u.Analytics, false),
		Marketing:  boolOr(u.Marketing, false),
		Functional: boolOr(u.Functional, true),
		Necessary:  true,
		Timestamp:  s.now().UTC(),
		Version:    s.version,
	}
	s.setState(&st)

	if raw, err := json.Marshal(st); err != nil {
		s.logger.Warn("failed to encode consent", zap.Error(err))
		s.metrics.IncrementConsentUpdates("error")
	} else if err := s.storage.Save(ctx, s.key, raw); err != nil {
		s.logger.Warn("failed to persist consent", zap.String("key", s.key), zap.Error(err))
		s.metrics.IncrementConsentUpdates("error")
	} else {
		s.metrics.IncrementConsentUpdates("saved")
	}

	s.notify(st)
	return st
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (s *Store) notify(st models.ConsentState) {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("consent listener panicked", zap.Any("panic", r))
				}
			}()
			l(st)
		}()
	}
}

// ClearConsent forgets the state and removes it from storage.
func (s *Store) ClearConsent(ctx context.Context) {
	s.setState(nil)
	if err := s.storage.Delete(ctx, s.key); err != nil {
		s.logger.Warn("failed to delete consent", zap.String("key", s.key), zap.Error(err))
	}
}

// HasConsent reports whether kind is granted. It is false when no state
// has been recorded.
func (s *Store) HasConsent(kind models.ConsentKind) bool {
	st := s.GetConsent()
	if st == nil {
		return false
	}
	return st.Granted(kind)
}

// CanShowAd reports whether an ad with the given consent requirements may
// render. A nil config or one not requiring consent always passes; the
// required types default to marketing.
func (s *Store) CanShowAd(cfg *models.AdConsentConfig) bool {
	if cfg == nil || !cfg.RequiresConsent {
		return true
	}
	kinds := cfg.ConsentTypes
	if len(kinds) == 0 {
		kinds = []models.ConsentKind{models.ConsentMarketing}
	}
	for _, k := range kinds {
		if !s.HasConsent(k) {
			return false
		}
	}
	return true
}

// IsConsentRequired applies the time zone heuristic to the store's zone.
func (s *Store) IsConsentRequired() bool {
	return IsConsentRequiredIn(s.timezone)
}

// AddConsentListener registers l and returns a function removing it.
func (s *Store) AddConsentListener(l Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}
