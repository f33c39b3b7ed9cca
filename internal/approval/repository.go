package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/events"
	"github.com/kiranshivaraju/governor/pkg/models"
)

// Repository persists flows. Read methods return (nil, nil) when nothing matches.
type Repository interface {
	// GetLatestFlow returns the most recently created flow in any state.
	GetLatestFlow(ctx context.Context, changeRequestID string) (*Flow, error)
	// ListOpenFlowsForRole returns a tenant's open flows where role is still
	// pending, oldest first.
	ListOpenFlowsForRole(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole) ([]*Flow, error)
	// MarkFinalized stamps a terminal flow as acknowledged by change management.
	MarkFinalized(ctx context.Context, flowID uuid.UUID, at time.Time) error
	// WithinTx runs fn in a single transaction; fn's error rolls it back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the unit of work shared by flow state and the audit log.
type Tx interface {
	events.Appender

	// LockLatestFlow loads the most recent flow in any state for update;
	// (nil, nil) when the change request has none.
	LockLatestFlow(ctx context.Context, changeRequestID string) (*Flow, error)
	// InsertFlow stores a new flow. It fails if an open flow already exists.
	InsertFlow(ctx context.Context, f *Flow) error
	// UpdateFlow saves f and its new record. f.Version must equal the stored
	// version; on success it is incremented.
	UpdateFlow(ctx context.Context, f *Flow, rec models.ApprovalRecord) error
}

// PendingCache caches pending-approval listings per tenant and role.
//
// Listings are stored under a per-tenant generation. GetPending reports the
// generation it looked under, and SetPending writes only under the
// generation it is given, so a listing computed before an Invalidate is
// never visible after it. A negative generation means caching is
// unavailable and SetPending does nothing.
type PendingCache interface {
	GetPending(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole) (items []PendingApproval, generation int64, ok bool)
	SetPending(ctx context.Context, tenantID uuid.UUID, role models.ApprovalRole, generation int64, items []PendingApproval)
	Invalidate(ctx context.Context, tenantID uuid.UUID)
}
