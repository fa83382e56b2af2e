package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/review-anchor/internal/service"
)

// IdempotencyKeyHeader scopes a submission retry to the caller.
const IdempotencyKeyHeader = "Idempotency-Key"

// handleCreateReview handles POST /reviews - Submit an anchored review
func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))

	var in service.CreateReviewInput
	if err := parseJSONBody(w, r, &in); err != nil {
		// A retried key is answered from the store even when its body is unreadable.
		if key != "" {
			prior, rerr := s.reviews.Replay(r.Context(), p.User.ID, key)
			if rerr != nil {
				respondServiceError(w, r, rerr)
				return
			}
			if prior != nil {
				respondReview(w, prior)
				return
			}
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	in.UserID = p.User.ID
	in.IdempotencyKey = key

	resp, err := s.reviews.CreateReview(r.Context(), in)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondReview(w, resp)
}

func respondReview(w http.ResponseWriter, resp *service.ReviewResponse) {
	if resp.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Location", "/reviews/"+resp.ID)
	respondJSON(w, http.StatusCreated, resp)
}

// handleGetReview handles GET /reviews/{id}
func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	resp, err := s.reviews.GetReview(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetAnchorStatus handles GET /reviews/{id}/anchor - Live ledger status for display
func (s *Server) handleGetAnchorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.reviews.AnchorStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}
