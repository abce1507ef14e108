package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeFor(t *testing.T) {
	store := NewTestAdDataStore(
		AdRecord{ID: "1", TenantID: "acme", Placement: PlacementSidebar, IsEnabled: true},
		AdRecord{ID: "2", TenantID: "acme", Placement: PlacementSidebar},
		AdRecord{ID: "3", TenantID: "acme", Placement: PlacementSidebar, IsEnabled: true, PageTypes: []PageType{PageBlog}},
		AdRecord{ID: "4", TenantID: "main", Placement: PlacementSidebar, IsEnabled: true},
	)

	scope := store.ScopeFor("acme", PageHome, []Placement{PlacementSidebar, PlacementFooter})
	require.Len(t, scope[PlacementSidebar], 1)
	assert.Equal(t, "1", scope[PlacementSidebar][0].ID)
	assert.NotNil(t, scope[PlacementFooter])
	assert.Empty(t, scope[PlacementFooter])

	scope = store.ScopeFor("acme", PageBlog, []Placement{PlacementSidebar})
	assert.Len(t, scope[PlacementSidebar], 2)

	assert.Empty(t, store.ScopeFor("nobody", PageHome, []Placement{PlacementSidebar})[PlacementSidebar])
}

func TestCRUD(t *testing.T) {
	store := NewInMemoryAdDataStore()

	assert.Error(t, store.InsertAd(AdRecord{}))
	require.NoError(t, store.InsertAd(AdRecord{ID: "a", Placement: PlacementFooter}))
	assert.Error(t, store.InsertAd(AdRecord{ID: "a"}))

	got := store.GetAd("a")
	require.NotNil(t, got)
	assert.Equal(t, MainTenant, got.TenantID)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.UpdateAd(AdRecord{ID: "a", Placement: PlacementHeader, Priority: 3}))
	got = store.GetAd("a")
	assert.Equal(t, PlacementHeader, got.Placement)
	assert.Equal(t, MainTenant, got.TenantID)
	assert.ErrorIs(t, store.UpdateAd(AdRecord{ID: "zz"}), ErrNotFound)

	assert.Equal(t, []string{MainTenant}, store.GetAllTenantIDs())
	require.NoError(t, store.DeleteAd("a"))
	assert.Nil(t, store.GetAd("a"))
	assert.ErrorIs(t, store.DeleteAd("a"), ErrNotFound)
	assert.Empty(t, store.GetAllAds())
}

func TestReloadAllReplacesSnapshot(t *testing.T) {
	store := NewInMemoryAdDataStore()
	ads := []AdRecord{{ID: "a", TenantID: "acme"}}
	require.NoError(t, store.ReloadAll(ads))
	ads[0].TenantID = "mutated"

	assert.Equal(t, "acme", store.GetAd("a").TenantID)
	assert.Len(t, store.GetAdsByTenant("acme"), 1)

	require.NoError(t, store.ReloadAll(nil))
	assert.Nil(t, store.GetAd("a"))
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	store := NewInMemoryAdDataStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = store.InsertAd(AdRecord{ID: string(rune('a' + i)), Placement: PlacementFooter, IsEnabled: true})
		}(i)
		go func() {
			defer wg.Done()
			_ = store.ScopeFor(MainTenant, PageHome, []Placement{PlacementFooter})
		}()
	}
	wg.Wait()
	assert.Len(t, store.ScopeFor(MainTenant, PageHome, []Placement{PlacementFooter})[PlacementFooter], 4)
}
