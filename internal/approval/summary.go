package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// ApprovalDetail is one vote as shown in a status summary.
type ApprovalDetail struct {
	ApproverID   string                  `json:"approver_id"`
	ApproverName string                  `json:"approver_name"`
	Role         models.ApprovalRole     `json:"role"`
	Decision     models.ApprovalDecision `json:"decision"`
	Comments     string                  `json:"comments"`
	Conditions   []string                `json:"conditions,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
}

// StatusSummary is a read model of a change request's approval progress.
// Exists is false when the change request has no flow; all other fields are
// then zero.
type StatusSummary struct {
	Exists            bool                  `json:"exists"`
	FlowID            uuid.UUID             `json:"flow_id,omitempty"`
	ChangeRequestID   string                `json:"change_request_id"`
	State             State                 `json:"state,omitempty"`
	ImpactLevel       models.ImpactLevel    `json:"impact_level,omitempty"`
	ApprovedCount     int                   `json:"approved_count"`
	RejectedCount     int                   `json:"rejected_count"`
	PendingRoles      []models.ApprovalRole `json:"pending_roles"`
	RequiredRoles     []models.ApprovalRole `json:"required_roles"`
	MinApprovals      int                   `json:"min_approvals"`
	RequireAllRoles   bool                  `json:"require_all_roles"`
	Approvals         []ApprovalDetail      `json:"approvals"`
	CreatedAt         *time.Time            `json:"created_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	NeedsFinalization bool                  `json:"needs_finalization"`
}

// Summarize projects a flow into a StatusSummary.
func Summarize(f *Flow) StatusSummary {
	created := f.CreatedAt
	sum := StatusSummary{
		Exists:            true,
		FlowID:            f.ID,
		ChangeRequestID:   f.ChangeRequestID,
		State:             f.State,
		ImpactLevel:       f.Rule.ImpactLevel,
		ApprovedCount:     f.ApprovedCount(),
		RejectedCount:     f.RejectedCount(),
		PendingRoles:      f.PendingRoles(),
		RequiredRoles:     append([]models.ApprovalRole{}, f.Rule.RequiredRoles...),
		MinApprovals:      f.Rule.MinApprovals,
		RequireAllRoles:   f.Rule.RequireAllRoles,
		Approvals:         make([]ApprovalDetail, 0, len(f.Records)),
		CreatedAt:         &created,
		CompletedAt:       f.CompletedAt,
		NeedsFinalization: f.NeedsFinalization(),
	}
	for _, r := range f.Records {
		sum.Approvals = append(sum.Approvals, ApprovalDetail{
			ApproverID:   r.ApproverID,
			ApproverName: r.ApproverName,
			Role:         r.ApproverRole,
			Decision:     r.Decision,
			Comments:     r.Comments,
			Conditions:   r.Conditions,
			CreatedAt:    r.CreatedAt,
		})
	}
	return sum
}

// GetApprovalStatusSummary summarizes the tenant's latest flow for a change
// request.
func (s *Service) GetApprovalStatusSummary(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (StatusSummary, error) {
	flow, err := s.latestFlow(ctx, tenantID, changeRequestID)
	if err != nil {
		return StatusSummary{}, err
	}
	if flow == nil {
		return StatusSummary{
			ChangeRequestID: changeRequestID,
			PendingRoles:    []models.ApprovalRole{},
			RequiredRoles:   []models.ApprovalRole{},
			Approvals:       []ApprovalDetail{},
		}, nil
	}
	return Summarize(flow), nil
}
