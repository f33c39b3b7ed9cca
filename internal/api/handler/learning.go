package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	mw "github.com/kiranshivaraju/governor/internal/api/middleware"
	"github.com/kiranshivaraju/governor/internal/api/response"
	"github.com/kiranshivaraju/governor/internal/learning"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// FeedbackIngester folds reviewer feedback into learned patterns.
type FeedbackIngester interface {
	Ingest(ctx context.Context, fb models.HumanFeedback) (*models.LearningPattern, error)
}

// NewFeedbackHandler returns an http.HandlerFunc for POST /api/v1/feedback.
// The tenant always comes from the API key; a missing reviewer_id defaults
// to the key's actor.
func NewFeedbackHandler(svc FeedbackIngester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		var fb models.HumanFeedback
		if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		fb.TenantID = id.TenantID
		if fb.ReviewerID == "" {
			fb.ReviewerID = id.ActorID
		}

		p, err := svc.Ingest(r.Context(), fb)
		if err != nil {
			if errors.Is(err, learning.ErrInvalidFeedback) {
				response.Error(w, http.StatusUnprocessableEntity, "INVALID_FEEDBACK", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.Created(w, p)
	}
}

// NewBoostHandler returns an http.HandlerFunc for GET /api/v1/learning/boost.
// Every query parameter other than pattern_type becomes a string field of the
// decision input.
func NewBoostHandler(boosts BoostSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		q := r.URL.Query()
		patternType := models.DecisionType(q.Get("pattern_type"))
		if !patternType.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "pattern_type must be a known type", nil)
			return
		}

		primary := models.Payload{}
		for k, vs := range q {
			if k == "pattern_type" || len(vs) == 0 {
				continue
			}
			primary[k] = models.String(vs[0])
		}

		boost, err := boosts.BoostFor(r.Context(), tenantID, patternType, primary)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string]any{
			"pattern_type": patternType,
			"boost":        boost,
		})
	}
}
