package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/db"
	"github.com/patrickwarner/tenantads/internal/middleware"
	"github.com/patrickwarner/tenantads/internal/models"
)

func validateAd(ad models.AdRecord) error {
	if !ad.Placement.Valid() {
		return errors.New("invalid placement")
	}
	if strings.TrimSpace(ad.CodeSnippet) == "" {
		return errors.New("codeSnippet required")
	}
	if ad.PositionOffset != nil && *ad.PositionOffset < 0 {
		return errors.New("positionOffset must not be negative")
	}
	if ad.Appearance != "" && ad.Appearance.Class() == "" && ad.Appearance != models.AppearancePopup {
		return errors.New("invalid appearance")
	}
	return nil
}

// ListAds returns the records of ?tenant=, or every record.
func (s *Server) ListAds(w http.ResponseWriter, r *http.Request) {
	if s.AdDataStore == nil {
		http.Error(w, "data store unavailable", http.StatusInternalServerError)
		return
	}
	ads := s.AdDataStore.GetAllAds()
	if t := strings.ToLower(r.URL.Query().Get("tenant")); t != "" {
		ads = s.AdDataStore.GetAdsByTenant(t)
	}
	if ads == nil {
		ads = []models.AdRecord{}
	}
	writeJSON(w, http.StatusOK, ads)
}

func (s *Server) CreateAd(w http.ResponseWriter, r *http.Request) {
	if s.AdDataStore == nil {
		http.Error(w, "data store unavailable", http.StatusInternalServerError)
		return
	}
	logger := middleware.LoggerFromRequest(r, s.Logger)
	var ad models.AdRecord
	if err := json.NewDecoder(r.Body).Decode(&ad); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if ad.Appearance == "" {
		ad.Appearance = models.AppearanceFullWidth
	}
	if err := validateAd(ad); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ad.TenantID = strings.ToLower(ad.TenantID)

	// First persist to PostgreSQL to get the ID
	if s.PG != nil {
		if err := s.PG.InsertAd(r.Context(), &ad); err != nil {
			logger.Error("insert ad to postgres", zap.Error(err))
			http.Error(w, "failed to persist ad", http.StatusInternalServerError)
			return
		}
	} else if ad.ID == "" {
		ad.ID = uuid.NewString()
	}

	if err := s.AdDataStore.InsertAd(ad); err != nil {
		logger.Error("insert ad to data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	stored := s.AdDataStore.GetAd(ad.ID)

	s.invalidate(r.Context(), stored.TenantID)
	s.notifyUpdate(r.Context(), db.OpInsert, stored.ID, stored.TenantID)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) UpdateAd(w http.ResponseWriter, r *http.Request) {
	if s.AdDataStore == nil {
		http.Error(w, "data store unavailable", http.StatusInternalServerError)
		return
	}
	logger := middleware.LoggerFromRequest(r, s.Logger)
	id := mux.Vars(r)["id"]
	existing := s.AdDataStore.GetAd(id)
	if existing == nil {
		http.Error(w, "ad not found", http.StatusNotFound)
		return
	}
	var ad models.AdRecord
	if err := json.NewDecoder(r.Body).Decode(&ad); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ad.ID = id
	if ad.TenantID == "" {
		ad.TenantID = existing.TenantID
	}
	ad.TenantID = strings.ToLower(ad.TenantID)
	if ad.Appearance == "" {
		ad.Appearance = existing.Appearance
	}
	if err := validateAd(ad); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.AdDataStore.UpdateAd(ad); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "ad not found", http.StatusNotFound)
			return
		}
		logger.Error("update ad in data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Also update in PostgreSQL for persistence
	if s.PG != nil {
		if err := s.PG.UpdateAd(r.Context(), ad); err != nil {
			logger.Error("update ad in postgres", zap.Error(err))
			// Don't fail the request, data store is the source of truth
		}
	}

	s.invalidate(r.Context(), existing.TenantID)
	if ad.TenantID != existing.TenantID {
		s.invalidate(r.Context(), ad.TenantID)
	}
	s.notifyUpdate(r.Context(), db.OpUpdate, id, ad.TenantID)
	writeJSON(w, http.StatusOK, s.AdDataStore.GetAd(id))
}

func (s *Server) DeleteAd(w http.ResponseWriter, r *http.Request) {
	if s.AdDataStore == nil {
		http.Error(w, "data store unavailable", http.StatusInternalServerError)
		return
	}
	logger := middleware.LoggerFromRequest(r, s.Logger)
	id := mux.Vars(r)["id"]
	existing := s.AdDataStore.GetAd(id)
	if existing == nil {
		http.Error(w, "ad not found", http.StatusNotFound)
		return
	}

	if err := s.AdDataStore.DeleteAd(id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "ad not found", http.StatusNotFound)
			return
		}
		logger.Error("delete ad from data store", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Also delete from PostgreSQL for persistence
	if s.PG != nil {
		if err := s.PG.DeleteAd(r.Context(), id); err != nil && !errors.Is(err, models.ErrNotFound) {
			logger.Error("delete ad from postgres", zap.Error(err))
		}
	}

	s.invalidate(r.Context(), existing.TenantID)
	s.notifyUpdate(r.Context(), db.OpDelete, id, existing.TenantID)
	w.WriteHeader(http.StatusNoContent)
}

// StatsHandler returns ad event counts for ?tenant= over ?since= (a
// duration, default 24h).
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Reports == nil {
		http.Error(w, "analytics unavailable", http.StatusServiceUnavailable)
		return
	}
	tenantID := strings.ToLower(r.URL.Query().Get("tenant"))
	if tenantID == "" {
		tenantID = models.MainTenant
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		window = d
	}

	counts, err := s.Reports.CountsByTenant(r.Context(), tenantID, time.Now().Add(-window))
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("ad event counts", zap.Error(err))
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
