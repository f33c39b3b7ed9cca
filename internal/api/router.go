package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/governor/internal/api/middleware"
	"github.com/kiranshivaraju/governor/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	ClassifyHandler http.HandlerFunc

	CreateFlowHandler http.HandlerFunc
	SubmitVoteHandler http.HandlerFunc
	FinalizeHandler   http.HandlerFunc
	GetFlowHandler    http.HandlerFunc
	HistoryHandler    http.HandlerFunc
	SummaryHandler    http.HandlerFunc
	PendingHandler    http.HandlerFunc

	FeedbackHandler http.HandlerFunc
	BoostHandler    http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/confidence/classify", orNotImplemented(deps.ClassifyHandler))

		r.Route("/api/v1/approvals", func(r chi.Router) {
			r.Get("/pending", orNotImplemented(deps.PendingHandler))

			r.Post("/{changeRequestID}", orNotImplemented(deps.CreateFlowHandler))
			r.Get("/{changeRequestID}", orNotImplemented(deps.GetFlowHandler))
			r.Post("/{changeRequestID}/votes", orNotImplemented(deps.SubmitVoteHandler))
			r.Post("/{changeRequestID}/finalize", orNotImplemented(deps.FinalizeHandler))
			r.Get("/{changeRequestID}/history", orNotImplemented(deps.HistoryHandler))
			r.Get("/{changeRequestID}/summary", orNotImplemented(deps.SummaryHandler))
		})

		r.Post("/api/v1/feedback", orNotImplemented(deps.FeedbackHandler))
		r.Get("/api/v1/learning/boost", orNotImplemented(deps.BoostHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
