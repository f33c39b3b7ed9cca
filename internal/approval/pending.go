package approval

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/changemgmt"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// PendingApproval is an open flow awaiting a role's vote, joined with the
// change request it governs.
type PendingApproval struct {
	FlowID          uuid.UUID             `json:"flow_id"`
	TenantID        uuid.UUID             `json:"tenant_id"`
	ChangeRequestID string                `json:"change_request_id"`
	Title           string                `json:"title"`
	RequestedBy     string                `json:"requested_by"`
	ImpactLevel     models.ImpactLevel    `json:"impact_level"`
	SubmittedAt     time.Time             `json:"submitted_at"`
	PendingRoles    []models.ApprovalRole `json:"pending_roles"`
	ApprovedCount   int                   `json:"approved_count"`
	MinApprovals    int                   `json:"min_approvals"`
	FlowCreatedAt   time.Time             `json:"flow_created_at"`
}

// GetPendingApprovalsForRole lists a tenant's open flows still waiting on
// role. Flows whose change request no longer exists are skipped. A listing
// that skipped flows for any other reason is returned but not cached.
func (s *Service) GetPendingApprovalsForRole(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole) ([]PendingApproval, error) {
	generation := int64(-1)
	if s.pending != nil {
		items, gen, ok := s.pending.GetPending(ctx, tenantID, role)
		if ok {
			return items, nil
		}
		generation = gen
	}

	flows, err := s.repo.ListOpenFlowsForRole(ctx, tenantID, role)
	if err != nil {
		return nil, err
	}

	complete := true
	out := make([]PendingApproval, 0, len(flows))
	for _, f := range flows {
		cr, err := s.changes.GetChangeRequest(ctx, f.ChangeRequestID)
		if err != nil {
			if errors.Is(err, changemgmt.ErrChangeRequestNotFound) {
				s.logger.Debug("skipping pending flow with missing change request",
					"change_request_id", f.ChangeRequestID)
			} else {
				complete = false
				s.logger.Warn("resolving pending change request",
					"change_request_id", f.ChangeRequestID, "error", err)
			}
			continue
		}
		out = append(out, PendingApproval{
			FlowID:          f.ID,
			TenantID:        f.TenantID,
			ChangeRequestID: f.ChangeRequestID,
			Title:           cr.Title,
			RequestedBy:     cr.RequestedBy,
			ImpactLevel:     f.Rule.ImpactLevel,
			SubmittedAt:     cr.SubmittedAt,
			PendingRoles:    f.PendingRoles(),
			ApprovedCount:   f.ApprovedCount(),
			MinApprovals:    f.Rule.MinApprovals,
			FlowCreatedAt:   f.CreatedAt,
		})
	}

	if s.pending != nil && complete {
		s.pending.SetPending(ctx, tenantID, role, generation, out)
	}
	return out, nil
}
