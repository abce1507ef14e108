package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/tenantads/internal/models"
)

type fakeSource struct {
	ads map[string]models.AdRecord
}

func (f *fakeSource) LoadAds(context.Context) ([]models.AdRecord, error) {
	var out []models.AdRecord
	for _, id := range []string{"a1", "a2", "a3"} {
		if ad, ok := f.ads[id]; ok {
			out = append(out, ad)
		}
	}
	return out, nil
}

func (f *fakeSource) GetAd(_ context.Context, id string) (models.AdRecord, error) {
	ad, ok := f.ads[id]
	if !ok {
		return ad, models.ErrNotFound
	}
	return ad, nil
}

func TestReloadAndApply(t *testing.T) {
	src := &fakeSource{ads: map[string]models.AdRecord{
		"a1": {ID: "a1", TenantID: "acme", Placement: models.PlacementHeader, IsEnabled: true},
		"a2": {ID: "a2", TenantID: "acme", Placement: models.PlacementSidebar, IsEnabled: true},
	}}
	store := models.NewInMemoryAdDataStore()
	ctx := context.Background()

	n, err := Reload(ctx, src, store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	src.ads["a3"] = models.AdRecord{ID: "a3", TenantID: "beta", Placement: models.PlacementFooter}
	require.NoError(t, Apply(ctx, src, store, AdUpdate{Op: OpInsert, AdID: "a3"}))
	assert.NotNil(t, store.GetAd("a3"))

	upd := src.ads["a1"]
	upd.Priority = 7
	src.ads["a1"] = upd
	require.NoError(t, Apply(ctx, src, store, AdUpdate{Op: OpUpdate, AdID: "a1"}))
	assert.Equal(t, 7, store.GetAd("a1").Priority)

	delete(src.ads, "a2")
	require.NoError(t, Apply(ctx, src, store, AdUpdate{Op: OpUpdate, AdID: "a2"}))
	assert.Nil(t, store.GetAd("a2"))
	require.NoError(t, Apply(ctx, src, store, AdUpdate{Op: OpDelete, AdID: "a2"}))

	assert.Error(t, Apply(ctx, src, store, AdUpdate{Op: "bogus"}))
}
