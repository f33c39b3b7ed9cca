package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ApprovalRole is an organizational role eligible to approve changes.
// Roles form a set; there is no hierarchy between them.
type ApprovalRole string

const (
	RoleFinanceLead      ApprovalRole = "finance_lead"
	RoleOperationsLead   ApprovalRole = "operations_lead"
	RoleInventoryManager ApprovalRole = "inventory_manager"
	RoleAdministrator    ApprovalRole = "administrator"
	RoleOwner            ApprovalRole = "owner"
)

var validRoles = map[ApprovalRole]bool{
	RoleFinanceLead:      true,
	RoleOperationsLead:   true,
	RoleInventoryManager: true,
	RoleAdministrator:    true,
	RoleOwner:            true,
}

// Valid reports whether r is a known role.
func (r ApprovalRole) Valid() bool { return validRoles[r] }

// AllRoles returns every known role, sorted.
func AllRoles() []ApprovalRole {
	out := make([]ApprovalRole, 0, len(validRoles))
	for r := range validRoles {
		out = append(out, r)
	}
	return SortRoles(out)
}

// SortRoles sorts roles in place and returns them.
func SortRoles(roles []ApprovalRole) []ApprovalRole {
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// ImpactLevel classifies how severe a proposed change is.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

var validImpacts = map[ImpactLevel]bool{
	ImpactLow:      true,
	ImpactMedium:   true,
	ImpactHigh:     true,
	ImpactCritical: true,
}

func (l ImpactLevel) Valid() bool { return validImpacts[l] }

// ApprovalDecision is a single approver's verdict.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

func (d ApprovalDecision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ApprovalRule is the approval policy for one impact level.
type ApprovalRule struct {
	ImpactLevel     ImpactLevel    `json:"impact_level"      yaml:"impact_level"`
	RequiredRoles   []ApprovalRole `json:"required_roles"    yaml:"required_roles"`
	MinApprovals    int            `json:"min_approvals"     yaml:"min_approvals"`
	RequireAllRoles bool           `json:"require_all_roles" yaml:"require_all_roles"`
}

// Clone returns a deep copy.
func (r ApprovalRule) Clone() ApprovalRule {
	r.RequiredRoles = append([]ApprovalRole(nil), r.RequiredRoles...)
	return r
}

// Requires reports whether role is one of the rule's required roles.
func (r ApprovalRule) Requires(role ApprovalRole) bool {
	for _, rr := range r.RequiredRoles {
		if rr == role {
			return true
		}
	}
	return false
}

// ApprovalRecord is one approver's vote on a change request. It is created
// once per (flow, role) and never modified.
type ApprovalRecord struct {
	ID              uuid.UUID        `db:"id"                json:"id"`
	FlowID          uuid.UUID        `db:"flow_id"           json:"flow_id"`
	ChangeRequestID string           `db:"change_request_id" json:"change_request_id"`
	ApproverID      string           `db:"approver_id"       json:"approver_id"`
	ApproverName    string           `db:"approver_name"     json:"approver_name"`
	ApproverRole    ApprovalRole     `db:"approver_role"     json:"approver_role"`
	Decision        ApprovalDecision `db:"decision"          json:"decision"`
	Comments        string           `db:"comments"          json:"comments"`
	Conditions      []string         `db:"conditions"        json:"conditions,omitempty"`
	ReviewNotes     string           `db:"review_notes"      json:"review_notes,omitempty"`
	MetricsReviewed Payload          `db:"metrics_reviewed"  json:"metrics_reviewed,omitempty"`
	CreatedAt       time.Time        `db:"created_at"        json:"created_at"`
}

// ChangeRequestStatus values the governance layer cares about.
const (
	ChangeStatusDraft       = "draft"
	ChangeStatusUnderReview = "under_review"
	ChangeStatusApproved    = "approved"
	ChangeStatusRejected    = "rejected"
)

// ChangeRequest is the externally owned aggregate a flow governs.
type ChangeRequest struct {
	ID          string      `json:"id"`
	TenantID    uuid.UUID   `json:"tenant_id"`
	ImpactLevel ImpactLevel `json:"impact_level"`
	Status      string      `json:"status"`
	Title       string      `json:"title"`
	RequestedBy string      `json:"requested_by"`
	SubmittedAt time.Time   `json:"submitted_at"`
}
