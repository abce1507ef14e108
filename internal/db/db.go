package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/patrickwarner/tenantads/internal/models"
)

// AdSource is the durable side of the ad configuration.
type AdSource interface {
	LoadAds(ctx context.Context) ([]models.AdRecord, error)
	GetAd(ctx context.Context, id string) (models.AdRecord, error)
}

// Reload replaces the in-memory store with every record from src and
// returns the number of records loaded.
func Reload(ctx context.Context, src AdSource, store models.AdDataStore) (int, error) {
	ads, err := src.LoadAds(ctx)
	if err != nil {
		return 0, fmt.Errorf("load ads: %w", err)
	}
	if err := store.ReloadAll(ads); err != nil {
		return 0, fmt.Errorf("reload store: %w", err)
	}
	return len(ads), nil
}

// Apply brings the in-memory store in line with a published update.
func Apply(ctx context.Context, src AdSource, store models.AdDataStore, u AdUpdate) error {
	switch u.Op {
	case OpReload:
		_, err := Reload(ctx, src, store)
		return err
	case OpDelete:
		if err := store.DeleteAd(u.AdID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return nil
	case OpInsert, OpUpdate:
		ad, err := src.GetAd(ctx, u.AdID)
		if errors.Is(err, models.ErrNotFound) {
			if err := store.DeleteAd(u.AdID); err != nil && !errors.Is(err, models.ErrNotFound) {
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}
		if store.GetAd(ad.ID) != nil {
			return store.UpdateAd(ad)
		}
		return store.InsertAd(ad)
	}
	return fmt.Errorf("unknown ad update op %q", u.Op)
}
