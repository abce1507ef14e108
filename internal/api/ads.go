package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/middleware"
	"github.com/patrickwarner/tenantads/internal/models"
	"github.com/patrickwarner/tenantads/internal/observability"
	"github.com/patrickwarner/tenantads/internal/tenant"
)

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetAdsHandler serves the enabled ads of one tenant scope:
// GET /api/ads?pageType=home&placements=HEADER,SIDEBAR
func (s *Server) GetAdsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "ads"
	const method = "GET"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	q := r.URL.Query()
	pageType := models.PageType(q.Get("pageType"))
	if pageType == "" {
		pageType = models.PageHome
	}
	placements, err := models.ParsePlacements(q.Get("placements"))
	if err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(placements) == 0 {
		placements = models.Placements
	}

	tenantID := tenant.FromContext(r.Context())
	scope, err := s.Fetcher.FetchAdsForScope(r.Context(), tenantID, pageType, placements)
	if err != nil {
		logger.Error("fetch ads", zap.String("tenant", tenantID), zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		http.Error(w, "failed to load ads", http.StatusInternalServerError)
		return
	}

	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("served ad scope",
			zap.String("tenant", tenantID),
			zap.String("page_type", string(pageType)),
			zap.Int("placements", len(placements)),
		)
	}
	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, scope)
}
