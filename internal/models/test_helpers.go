package models

// NewTestAdDataStore creates an in-memory ad data store preloaded with ads
func NewTestAdDataStore(ads ...AdRecord) AdDataStore {
	store := NewInMemoryAdDataStore()
	_ = store.ReloadAll(ads)
	return store
}
