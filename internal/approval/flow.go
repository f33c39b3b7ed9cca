package approval

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// State is the lifecycle state of a Flow.
type State string

const (
	StateOpen     State = "open"
	StateApproved State = "approved"
	StateRejected State = "rejected"
)

// Terminal reports whether no further votes are accepted in s.
func (s State) Terminal() bool { return s == StateApproved || s == StateRejected }

// Flow is the approval state machine for one change request. Mutate a Clone
// and persist it; a failed transition leaves the receiver untouched.
type Flow struct {
	ID              uuid.UUID               `json:"id"`
	TenantID        uuid.UUID               `json:"tenant_id"`
	ChangeRequestID string                  `json:"change_request_id"`
	Rule            models.ApprovalRule     `json:"rule"`
	State           State                   `json:"state"`
	Pending         []models.ApprovalRole   `json:"pending_roles"`
	Records         []models.ApprovalRecord `json:"approvals"`
	Version         int                     `json:"version"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	FinalizedAt     *time.Time              `json:"finalized_at,omitempty"`
}

// NewFlow opens a flow requiring every role of rule.
func NewFlow(tenantID uuid.UUID, changeRequestID string, rule models.ApprovalRule, now time.Time) *Flow {
	rule = rule.Clone()
	return &Flow{
		ID:              uuid.New(),
		TenantID:        tenantID,
		ChangeRequestID: changeRequestID,
		Rule:            rule,
		State:           StateOpen,
		Pending:         models.SortRoles(append([]models.ApprovalRole(nil), rule.RequiredRoles...)),
		Records:         []models.ApprovalRecord{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AddApproval records a vote and applies the transition rules:
// any rejection ends the flow as rejected; otherwise it is approved once all
// roles voted (require-all) or the approval count reaches the minimum.
func (f *Flow) AddApproval(rec models.ApprovalRecord) error {
	if f.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrFlowAlreadyComplete, f.ChangeRequestID, f.State)
	}
	if !f.isPending(rec.ApproverRole) {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateRoleVote, rec.ApproverRole, f.ChangeRequestID)
	}

	f.Records = append(f.Records, rec)
	f.removePending(rec.ApproverRole)
	f.UpdatedAt = rec.CreatedAt

	switch {
	case rec.Decision == models.DecisionRejected:
		f.complete(StateRejected, rec.CreatedAt)
	case f.Rule.RequireAllRoles && len(f.Pending) == 0:
		f.complete(StateApproved, rec.CreatedAt)
	case !f.Rule.RequireAllRoles && f.ApprovedCount() >= f.Rule.MinApprovals:
		f.complete(StateApproved, rec.CreatedAt)
	}
	return nil
}

// CanVote reports whether role may vote now.
func (f *Flow) CanVote(role models.ApprovalRole) error {
	if f.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrFlowAlreadyComplete, f.ChangeRequestID, f.State)
	}
	if !f.isPending(role) {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateRoleVote, role, f.ChangeRequestID)
	}
	return nil
}

func (f *Flow) complete(s State, at time.Time) {
	f.State = s
	t := at
	f.CompletedAt = &t
}

func (f *Flow) isPending(role models.ApprovalRole) bool {
	for _, r := range f.Pending {
		if r == role {
			return true
		}
	}
	return false
}

func (f *Flow) removePending(role models.ApprovalRole) {
	out := f.Pending[:0]
	for _, r := range f.Pending {
		if r != role {
			out = append(out, r)
		}
	}
	f.Pending = out
}

func (f *Flow) IsComplete() bool { return f.State.Terminal() }
func (f *Flow) IsApproved() bool { return f.State == StateApproved }

// NeedsFinalization reports whether the flow is terminal but the change
// management system has not yet acknowledged the outcome.
func (f *Flow) NeedsFinalization() bool { return f.State.Terminal() && f.FinalizedAt == nil }

func (f *Flow) ApprovedCount() int { return f.count(models.DecisionApproved) }
func (f *Flow) RejectedCount() int { return f.count(models.DecisionRejected) }

func (f *Flow) count(d models.ApprovalDecision) int {
	n := 0
	for _, r := range f.Records {
		if r.Decision == d {
			n++
		}
	}
	return n
}

// PendingRoles returns a sorted copy of the roles still expected to vote.
// It is empty, never nil, once every role has voted.
func (f *Flow) PendingRoles() []models.ApprovalRole {
	roles := make([]models.ApprovalRole, 0, len(f.Pending))
	return models.SortRoles(append(roles, f.Pending...))
}

// RejectingRecord returns the vote that rejected the flow, if any.
func (f *Flow) RejectingRecord() (models.ApprovalRecord, bool) {
	for _, r := range f.Records {
		if r.Decision == models.DecisionRejected {
			return r, true
		}
	}
	return models.ApprovalRecord{}, false
}

// Clone returns a deep copy.
func (f *Flow) Clone() *Flow {
	c := *f
	c.Rule = f.Rule.Clone()
	c.Pending = append([]models.ApprovalRole(nil), f.Pending...)
	c.Records = make([]models.ApprovalRecord, len(f.Records))
	for i, r := range f.Records {
		r.Conditions = append([]string(nil), r.Conditions...)
		r.MetricsReviewed = r.MetricsReviewed.Clone()
		c.Records[i] = r
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		c.CompletedAt = &t
	}
	if f.FinalizedAt != nil {
		t := *f.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}
