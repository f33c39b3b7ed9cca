package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/governor/internal/api/middleware"
	"github.com/kiranshivaraju/governor/internal/api/response"
	"github.com/kiranshivaraju/governor/internal/approval"
	"github.com/kiranshivaraju/governor/internal/changemgmt"
	"github.com/kiranshivaraju/governor/internal/lock"
	"github.com/kiranshivaraju/governor/internal/policy"
	"github.com/kiranshivaraju/governor/internal/store"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// ApprovalService defines the approval operations the handlers depend on.
type ApprovalService interface {
	CreateApprovalFlow(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (*approval.Flow, error)
	SubmitApproval(ctx context.Context, req approval.SubmitApprovalRequest) (*models.ApprovalRecord, error)
	RetryFinalization(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (*approval.Flow, error)
	GetApprovalFlow(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (*approval.Flow, error)
	GetApprovalHistory(ctx context.Context, tenantID uuid.UUID, changeRequestID string) ([]models.ApprovalRecord, error)
	GetApprovalStatusSummary(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (approval.StatusSummary, error)
	GetPendingApprovalsForRole(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole) ([]approval.PendingApproval, error)
}

var _ ApprovalService = (*approval.Service)(nil)

func changeRequestID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "changeRequestID"))
}

// NewCreateFlowHandler returns an http.HandlerFunc for POST /api/v1/approvals/{changeRequestID}.
func NewCreateFlowHandler(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		flow, err := svc.CreateApprovalFlow(r.Context(), tenantID, changeRequestID(r))
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		response.Created(w, flow)
	}
}

// NewSubmitVoteHandler returns an http.HandlerFunc for
// POST /api/v1/approvals/{changeRequestID}/votes. The approver is the actor
// bound to the API key, and the key must hold the role it votes as.
func NewSubmitVoteHandler(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		var req struct {
			ApproverName    string                  `json:"approver_name"`
			ApproverRole    models.ApprovalRole     `json:"approver_role"`
			Decision        models.ApprovalDecision `json:"decision"`
			Comments        string                  `json:"comments"`
			Conditions      []string                `json:"conditions"`
			ReviewNotes     string                  `json:"review_notes"`
			MetricsReviewed models.Payload          `json:"metrics_reviewed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if !req.ApproverRole.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "approver_role must be a known role", nil)
			return
		}
		if !req.Decision.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "decision must be approved or rejected", nil)
			return
		}
		if id.ActorID == "" {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "API key is not bound to an actor", nil)
			return
		}
		if !id.HasRole(req.ApproverRole) {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "API key does not hold role "+string(req.ApproverRole), nil)
			return
		}

		rec, err := svc.SubmitApproval(r.Context(), approval.SubmitApprovalRequest{
			TenantID:        id.TenantID,
			ChangeRequestID: changeRequestID(r),
			ApproverID:      id.ActorID,
			ApproverName:    req.ApproverName,
			ApproverRole:    req.ApproverRole,
			Decision:        req.Decision,
			Comments:        req.Comments,
			Conditions:      req.Conditions,
			ReviewNotes:     req.ReviewNotes,
			MetricsReviewed: req.MetricsReviewed,
		})
		if err != nil {
			var ferr *approval.FinalizationError
			if errors.As(err, &ferr) && rec != nil {
				response.Partial(w, http.StatusBadGateway, "FINALIZATION_FAILED",
					"Vote recorded but change management was not updated", rec)
				return
			}
			writeApprovalError(w, err)
			return
		}
		response.Created(w, rec)
	}
}

// NewFinalizeHandler returns an http.HandlerFunc for
// POST /api/v1/approvals/{changeRequestID}/finalize.
func NewFinalizeHandler(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		flow, err := svc.RetryFinalization(r.Context(), tenantID, changeRequestID(r))
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		response.JSON(w, flow)
	}
}

// NewGetFlowHandler returns an http.HandlerFunc for GET /api/v1/approvals/{changeRequestID}.
// A change request without a flow yields null data.
func NewGetFlowHandler(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		flow, err := svc.GetApprovalFlow(r.Context(), tenantID, changeRequestID(r))
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		if flow == nil {
			response.JSON(w, nil)
			return
		}
		response.JSON(w, flow)
	}
}

// NewHistoryHandler returns an http.HandlerFunc for
// GET /api/v1/approvals/{changeRequestID}/history.
func NewHistoryHandler(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		records, err := svc.GetApprovalHistory(r.Context(), tenantID, changeRequestID(r))
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		response.List(w, records, len(records))
	}
}

// NewSummaryHandler returns an http.HandlerFunc for
// GET /api/v1/approvals/{changeRequestID}/summary.
func NewSummaryHandler(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		sum, err := svc.GetApprovalStatusSummary(r.Context(), tenantID, changeRequestID(r))
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		response.JSON(w, sum)
	}
}

// NewPendingHandler returns an http.HandlerFunc for GET /api/v1/approvals/pending.
func NewPendingHandler(svc ApprovalService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		role := models.ApprovalRole(r.URL.Query().Get("role"))
		if role == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "role is required", nil)
			return
		}
		if !role.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "role must be a known role", nil)
			return
		}

		items, err := svc.GetPendingApprovalsForRole(r.Context(), tenantID, role)
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		response.List(w, items, len(items))
	}
}

func writeApprovalError(w http.ResponseWriter, err error) {
	var ferr *approval.FinalizationError
	switch {
	case errors.Is(err, approval.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, changemgmt.ErrChangeRequestNotFound):
		response.Error(w, http.StatusNotFound, "CHANGE_REQUEST_NOT_FOUND", "Change request not found", nil)
	case errors.Is(err, approval.ErrNoActiveFlow):
		response.Error(w, http.StatusNotFound, "NO_ACTIVE_FLOW", "No approval flow for this change request", nil)
	case errors.Is(err, approval.ErrInvalidState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", "Change request is not under review", nil)
	case errors.Is(err, approval.ErrFlowAlreadyComplete):
		response.Error(w, http.StatusConflict, "FLOW_ALREADY_COMPLETE", "Approval flow is already complete", nil)
	case errors.Is(err, approval.ErrDuplicateRoleVote):
		response.Error(w, http.StatusConflict, "DUPLICATE_ROLE_VOTE", "Role has already voted or is not required", nil)
	case errors.Is(err, approval.ErrFlowExists):
		response.Error(w, http.StatusConflict, "FLOW_EXISTS", "An open approval flow already exists", nil)
	case errors.Is(err, approval.ErrNotFinalizable):
		response.Error(w, http.StatusConflict, "NOT_FINALIZABLE", "Approval flow has nothing to finalize", nil)
	case errors.Is(err, store.ErrConcurrentUpdate):
		response.Error(w, http.StatusConflict, "CONCURRENT_UPDATE", "Approval flow was modified concurrently, retry", nil)
	case errors.Is(err, policy.ErrNoRuleForImpactLevel):
		response.Error(w, http.StatusUnprocessableEntity, "NO_APPROVAL_RULE", "No approval rule for the impact level", nil)
	case errors.Is(err, lock.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		response.Error(w, http.StatusServiceUnavailable, "BUSY", "Change request is being updated, retry", nil)
	case errors.As(err, &ferr):
		response.Error(w, http.StatusBadGateway, "FINALIZATION_FAILED", "Change management was not updated", nil)
	case errors.Is(err, changemgmt.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "CHANGE_MGMT_TIMEOUT", "Change management timed out", nil)
	case errors.Is(err, changemgmt.ErrUnreachable), errors.Is(err, changemgmt.ErrUnexpectedStatus):
		response.Error(w, http.StatusBadGateway, "CHANGE_MGMT_UNAVAILABLE", "Change management is not available", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
