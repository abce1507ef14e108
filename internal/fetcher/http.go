package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
)

// TenantHeader carries the tenant id to the backend.
const TenantHeader = "X-Tenant-ID"

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

// HTTPFetcher calls the backend ads endpoint.
type HTTPFetcher struct {
	BaseURL  string
	Client   *http.Client
	Attempts uint
	Delay    time.Duration
	Logger   *zap.Logger
	Metrics  observability.MetricsRegistry
}

// NewHTTPFetcher returns a fetcher for the backend at baseURL.
func NewHTTPFetcher(baseURL string, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPFetcher {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &HTTPFetcher{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Client:   &http.Client{Timeout: 5 * time.Second},
		Attempts: 3,
		Delay:    200 * time.Millisecond,
		Logger:   logger.Named("fetcher"),
		Metrics:  metrics,
	}
}

func (f *HTTPFetcher) FetchAdsForScope(ctx context.Context, tenantID string, pageType models.PageType, placements []models.Placement) (models.ScopeResult, error) {
	tenantID = normalizeTenant(tenantID)
	ps := make([]string, len(placements))
	for i, p := range placements {
		ps[i] = string(p)
	}
	q := url.Values{}
	q.Set("pageType", string(pageType))
	q.Set("placements", strings.Join(ps, ","))
	endpoint := f.BaseURL + "/api/ads?" + q.Encode()

	var scope models.ScopeResult
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set(TenantHeader, tenantID)
			req.Header.Set("Accept", "application/json")

			resp, err := f.Client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.Logger.Debug("failed to close response body", zap.Error(closeErr))
				}
			}()

			if resp.StatusCode != http.StatusOK {
				_, _ = io.Copy(io.Discard, resp.Body)
				return &statusError{code: resp.StatusCode}
			}

			var raw models.ScopeResult
			if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			scope = normalize(raw, placements)
			return nil
		},
		retry.Attempts(f.Attempts),
		retry.Delay(f.Delay),
		retry.MaxDelay(2*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			f.Logger.Debug("retrying ad fetch", zap.Uint("attempt", n), zap.Error(err))
		}),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.code >= 500 || se.code == http.StatusTooManyRequests
			}
			return true
		}),
	)
	if err != nil {
		f.Metrics.IncrementFetchErrors("http")
		f.Logger.Warn("ad fetch failed",
			zap.String("tenant", tenantID),
			zap.String("page_type", string(pageType)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return scope, nil
}
