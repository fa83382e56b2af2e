package api

import (
	"net/http"

	"github.com/review-anchor/internal/models"
)

// handleGetPointsConfig handles GET /admin/points-config
func (s *Server) handleGetPointsConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.pointsConfig.Current(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// handleUpdatePointsConfig handles PUT /admin/points-config
func (s *Server) handleUpdatePointsConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageYes    *int `json:"image_yes"`
		ImageNo     *int `json:"image_no"`
		DescGT200   *int `json:"desc_gt200"`
		DescLTE200  *int `json:"desc_lte200"`
		StarsYes    *int `json:"stars_yes"`
		StarsNo     *int `json:"stars_no"`
		PriceLT100  *int `json:"price_lt100"`
		PriceGTE100 *int `json:"price_gte100"`
	}
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	// Every weight must be given; a partial body would silently zero the rest.
	fields := []struct {
		name string
		v    *int
	}{
		{"image_yes", req.ImageYes}, {"image_no", req.ImageNo},
		{"desc_gt200", req.DescGT200}, {"desc_lte200", req.DescLTE200},
		{"stars_yes", req.StarsYes}, {"stars_no", req.StarsNo},
		{"price_lt100", req.PriceLT100}, {"price_gte100", req.PriceGTE100},
	}
	for _, f := range fields {
		if f.v == nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, f.name+" is required", map[string]interface{}{"parameter": f.name})
			return
		}
	}

	cfg := models.PointsConfig{
		ImageYes:    *req.ImageYes,
		ImageNo:     *req.ImageNo,
		DescGT200:   *req.DescGT200,
		DescLTE200:  *req.DescLTE200,
		StarsYes:    *req.StarsYes,
		StarsNo:     *req.StarsNo,
		PriceLT100:  *req.PriceLT100,
		PriceGTE100: *req.PriceGTE100,
	}
	updated, err := s.pointsConfig.Update(r.Context(), cfg, principalFrom(r.Context()).User.ID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}
