package models

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned when an entity is not found in the data store
var ErrNotFound = errors.New("entity not found")

// AdDataStore provides thread-safe access to tenant ad records without
// global variables. Reads go through an immutable snapshot that writers
// replace atomically.
type AdDataStore interface {
	// Read operations (hot path)
	GetAd(id string) *AdRecord
	GetAdsByTenant(tenantID string) []AdRecord
	ScopeFor(tenantID string, pageType PageType, placements []Placement) ScopeResult

	// Iteration methods
	GetAllAds() []AdRecord
	GetAllTenantIDs() []string

	// Atomic bulk operations
	ReloadAll(ads []AdRecord) error

	// CRUD operations for real-time updates
	InsertAd(ad AdRecord) error
	UpdateAd(ad AdRecord) error
	DeleteAd(id string) error
}

// dataSnapshot represents an immutable snapshot of all ad data
type dataSnapshot struct {
	ads []AdRecord
	// ad ID -> position in ads
	adIndex map[string]int
	// tenant -> placement -> ads in load order
	byTenant map[string]map[Placement][]AdRecord
}

// InMemoryAdDataStore implements AdDataStore with atomic snapshot updates
type InMemoryAdDataStore struct {
	// Atomic pointer to current data snapshot
	data atomic.Pointer[dataSnapshot]
	// writeMu serialises writers so read-modify-store cycles don't interleave
	writeMu sync.Mutex
}

// NewInMemoryAdDataStore creates a new AdDataStore instance
func NewInMemoryAdDataStore() *InMemoryAdDataStore {
	store := &InMemoryAdDataStore{}
	store.data.Store(buildSnapshot(nil))
	return store
}

func buildSnapshot(ads []AdRecord) *dataSnapshot {
	snap := &dataSnapshot{
		ads:      ads,
		adIndex:  make(map[string]int, len(ads)),
		byTenant: make(map[string]map[Placement][]AdRecord),
	}
	for i, ad := range ads {
		snap.adIndex[ad.ID] = i
		byPlacement, ok := snap.byTenant[ad.TenantID]
		if !ok {
			byPlacement = make(map[Placement][]AdRecord)
			snap.byTenant[ad.TenantID] = byPlacement
		}
		byPlacement[ad.Placement] = append(byPlacement[ad.Placement], ad)
	}
	return snap
}

// GetAd retrieves an ad record by ID
func (s *InMemoryAdDataStore) GetAd(id string) *AdRecord {
	data := s.data.Load()
	if i, ok := data.adIndex[id]; ok {
		ad := data.ads[i]
		return &ad
	}
	return nil
}

// GetAdsByTenant returns every ad record owned by the tenant
func (s *InMemoryAdDataStore) GetAdsByTenant(tenantID string) []AdRecord {
	data := s.data.Load()
	var out []AdRecord
	for _, ad := range data.ads {
		if ad.TenantID == tenantID {
			out = append(out, ad)
		}
	}
	return out
}

// ScopeFor returns the enabled records of the tenant grouped by placement.
// Every requested placement is present in the result, possibly with an
// empty slice. Records keep their load order; callers sort by priority.
func (s *InMemoryAdDataStore) ScopeFor(tenantID string, pageType PageType, placements []Placement) ScopeResult {
	data := s.data.Load()
	result := make(ScopeResult, len(placements))
	byPlacement := data.byTenant[tenantID]
	for _, p := range placements {
		ads := []AdRecord{}
		for _, ad := range byPlacement[p] {
			if ad.IsEnabled && ad.AppliesTo(pageType) {
				ads = append(ads, ad)
			}
		}
		result[p] = ads
	}
	return result
}

// GetAllAds returns a copy of every ad record
func (s *InMemoryAdDataStore) GetAllAds() []AdRecord {
	data := s.data.Load()
	result := make([]AdRecord, len(data.ads))
	copy(result, data.ads)
	return result
}

// GetAllTenantIDs returns all tenant IDs that own at least one ad
func (s *InMemoryAdDataStore) GetAllTenantIDs() []string {
	data := s.data.Load()
	ids := make([]string, 0, len(data.byTenant))
	for tenantID := range data.byTenant {
		ids = append(ids, tenantID)
	}
	return ids
}

// ReloadAll atomically replaces all data with new values
func (s *InMemoryAdDataStore) ReloadAll(ads []AdRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cp := make([]AdRecord, len(ads))
	copy(cp, ads)
	s.data.Store(buildSnapshot(cp))
	return nil
}

// InsertAd adds a record. The ID must be unique.
func (s *InMemoryAdDataStore) InsertAd(ad AdRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ad.ID == "" {
		return errors.New("ad id required")
	}
	current := s.data.Load()
	if _, exists := current.adIndex[ad.ID]; exists {
		return errors.New("ad already exists")
	}
	if ad.TenantID == "" {
		ad.TenantID = MainTenant
	}
	now := time.Now().UTC()
	if ad.CreatedAt.IsZero() {
		ad.CreatedAt = now
	}
	ad.UpdatedAt = now

	ads := make([]AdRecord, len(current.ads), len(current.ads)+1)
	copy(ads, current.ads)
	ads = append(ads, ad)
	s.data.Store(buildSnapshot(ads))
	return nil
}

// UpdateAd replaces an existing record in place
func (s *InMemoryAdDataStore) UpdateAd(ad AdRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.data.Load()
	i, ok := current.adIndex[ad.ID]
	if !ok {
		return ErrNotFound
	}
	ads := make([]AdRecord, len(current.ads))
	copy(ads, current.ads)
	ad.CreatedAt = ads[i].CreatedAt
	ad.UpdatedAt = time.Now().UTC()
	if ad.TenantID == "" {
		ad.TenantID = ads[i].TenantID
	}
	ads[i] = ad
	s.data.Store(buildSnapshot(ads))
	return nil
}

// DeleteAd removes a record by ID
func (s *InMemoryAdDataStore) DeleteAd(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.data.Load()
	i, ok := current.adIndex[id]
	if !ok {
		return ErrNotFound
	}
	ads := make([]AdRecord, 0, len(current.ads)-1)
	ads = append(ads, current.ads[:i]...)
	ads = append(ads, current.ads[i+1:]...)
	s.data.Store(buildSnapshot(ads))
	return nil
}
