package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/governor/internal/api/middleware"
	"github.com/kiranshivaraju/governor/internal/api/response"
	"github.com/kiranshivaraju/governor/pkg/confidence"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// BoostSource looks up the learned confidence boost for a decision input.
type BoostSource interface {
	BoostFor(ctx context.Context, tenantID uuid.UUID, patternType models.DecisionType, primary models.Payload) (int, error)
}

// NewClassifyHandler returns an http.HandlerFunc for POST /api/v1/confidence/classify.
// An explicit boost wins; otherwise, when decision_type is given, the boost
// learned for primary_data is applied.
func NewClassifyHandler(boosts BoostSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Score        *int                `json:"score"`
			Boost        *int                `json:"boost"`
			DecisionType models.DecisionType `json:"decision_type"`
			PrimaryData  models.Payload      `json:"primary_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Score == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "score is required", nil)
			return
		}

		boost := 0
		switch {
		case req.Boost != nil:
			boost = *req.Boost
		case req.DecisionType != "":
			if !req.DecisionType.Valid() {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "decision_type must be a known type", nil)
				return
			}
			tenantID, ok := mw.GetTenantID(r)
			if !ok {
				response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
				return
			}
			b, err := boosts.BoostFor(r.Context(), tenantID, req.DecisionType, req.PrimaryData)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
				return
			}
			boost = b
		}

		routing, err := confidence.Route(*req.Score, boost)
		if err != nil {
			response.Error(w, http.StatusUnprocessableEntity, "INVALID_SCORE", err.Error(), nil)
			return
		}
		response.JSON(w, routing)
	}
}
