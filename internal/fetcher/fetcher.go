// Package fetcher retrieves the enabled ad records of a tenant scope.
package fetcher

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/patrickwarner/tenantads/internal/models"
)

// ErrFetch wraps every backend failure. Callers never receive a partial
// scope alongside it.
var ErrFetch = errors.New("ad fetch failed")

// Fetcher returns the enabled records for each requested placement. Every
// requested placement is a key of the result, with an empty slice when no
// records exist.
type Fetcher interface {
	FetchAdsForScope(ctx context.Context, tenantID string, pageType models.PageType, placements []models.Placement) (models.ScopeResult, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, tenantID string, pageType models.PageType, placements []models.Placement) (models.ScopeResult, error)

func (f Func) FetchAdsForScope(ctx context.Context, tenantID string, pageType models.PageType, placements []models.Placement) (models.ScopeResult, error) {
	return f(ctx, tenantID, pageType, placements)
}

// StoreFetcher reads the in-process ad data store.
type StoreFetcher struct {
	Store models.AdDataStore
}

func (f StoreFetcher) FetchAdsForScope(_ context.Context, tenantID string, pageType models.PageType, placements []models.Placement) (models.ScopeResult, error) {
	if f.Store == nil {
		return nil, errors.Join(ErrFetch, errors.New("no ad store configured"))
	}
	return f.Store.ScopeFor(normalizeTenant(tenantID), pageType, placements), nil
}

func normalizeTenant(id string) string {
	id = strings.TrimSpace(strings.ToLower(id))
	if id == "" {
		return models.MainTenant
	}
	return id
}

// normalize keeps the requested placements only, drops disabled records
// and fills in missing placements.
func normalize(in models.ScopeResult, placements []models.Placement) models.ScopeResult {
	out := make(models.ScopeResult, len(placements))
	for _, p := range placements {
		out[p] = models.EnabledOnly(in[p])
	}
	return out
}

// scopeKey identifies a scope independent of placement order.
func scopeKey(tenantID string, pageType models.PageType, placements []models.Placement) string {
	ps := make([]string, len(placements))
	for i, p := range placements {
		ps[i] = string(p)
	}
	sort.Strings(ps)
	return normalizeTenant(tenantID) + ":" + string(pageType) + ":" + strings.Join(ps, ",")
}
