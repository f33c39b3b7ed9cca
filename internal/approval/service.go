// Package approval runs multi-role approval flows for change requests and
// records every vote in the audit log.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/changemgmt"
	"github.com/kiranshivaraju/governor/internal/events"
	"github.com/kiranshivaraju/governor/internal/lock"
	"github.com/kiranshivaraju/governor/internal/policy"
	"github.com/kiranshivaraju/governor/internal/tracing"
	"github.com/kiranshivaraju/governor/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SystemActor is the approver id used by automated rejections.
const SystemActor = "system"

const systemRejectionReason = "rejected by system"

// SubmitApprovalRequest is one approver's vote. TenantID is the voter's
// tenant; flows of other tenants are invisible to it.
type SubmitApprovalRequest struct {
	TenantID        uuid.UUID
	ChangeRequestID string
	ApproverID      string
	ApproverName    string
	ApproverRole    models.ApprovalRole
	Decision        models.ApprovalDecision
	Comments        string
	Conditions      []string
	ReviewNotes     string
	MetricsReviewed models.Payload
}

func (r SubmitApprovalRequest) validate() error {
	switch {
	case r.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.ChangeRequestID) == "":
		return fmt.Errorf("%w: change_request_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.ApproverID) == "":
		return fmt.Errorf("%w: approver_id is required", ErrInvalidRequest)
	case !r.ApproverRole.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, r.ApproverRole)
	case !r.Decision.Valid():
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, r.Decision)
	}
	return nil
}

// Service coordinates flows, persistence, the audit log and finalization.
type Service struct {
	repo    Repository
	rules   policy.Registry
	changes changemgmt.Client
	locker  lock.Locker
	pending PendingCache
	sink    events.Sink
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLocker(l lock.Locker) Option        { return func(s *Service) { s.locker = l } }
func WithPendingCache(c PendingCache) Option { return func(s *Service) { s.pending = c } }
func WithEventSink(sink events.Sink) Option  { return func(s *Service) { s.sink = sink } }
func WithLogger(l *slog.Logger) Option       { return func(s *Service) { s.logger = l } }
func WithTracer(t trace.Tracer) Option       { return func(s *Service) { s.tracer = t } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

// NewService creates a Service. Without WithLocker, an in-process keyed
// mutex serializes submissions.
func NewService(repo Repository, rules policy.Registry, changes changemgmt.Client, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		rules:   rules,
		changes: changes,
		locker:  lock.NewKeyedMutex(),
		logger:  slog.Default(),
		tracer:  tracing.Tracer(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lockKey(changeRequestID string) string { return "change-request:" + changeRequestID }

// CreateApprovalFlow opens a flow for one of the tenant's change requests
// that is under review. Change requests of other tenants are reported as
// not found.
func (s *Service) CreateApprovalFlow(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (flow *Flow, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, "approval.CreateApprovalFlow",
		attribute.String("change_request_id", changeRequestID))
	defer func() { tracing.End(span, err) }()

	cr, err := s.changes.GetChangeRequest(ctx, changeRequestID)
	if err != nil {
		if errors.Is(err, changemgmt.ErrChangeRequestNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, changeRequestID)
		}
		return nil, fmt.Errorf("fetching change request: %w", err)
	}
	if cr.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, changeRequestID)
	}
	if cr.Status != models.ChangeStatusUnderReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, changeRequestID, cr.Status)
	}
	rule, err := s.rules.RuleFor(cr.ImpactLevel)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lockKey(changeRequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	flow = NewFlow(cr.TenantID, changeRequestID, rule, s.now())
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.LockLatestFlow(ctx, changeRequestID)
		if err != nil {
			return err
		}
		if existing != nil && !existing.IsComplete() {
			return fmt.Errorf("%w: %s", ErrFlowExists, changeRequestID)
		}
		return tx.InsertFlow(ctx, flow)
	})
	if err != nil {
		return nil, err
	}

	s.invalidatePending(ctx, tenantID)
	s.logger.Info("approval flow created",
		"change_request_id", changeRequestID,
		"flow_id", flow.ID,
		"impact_level", rule.ImpactLevel,
		"required_roles", rule.RequiredRoles,
	)
	return flow, nil
}

// SubmitApproval records a vote. The vote and its audit event commit
// together; a failed submission changes nothing. When the vote completes the
// flow, change management is notified once after commit. If only that
// notification fails, the record is returned together with a
// *FinalizationError.
func (s *Service) SubmitApproval(ctx context.Context, req SubmitApprovalRequest) (rec *models.ApprovalRecord, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, "approval.SubmitApproval",
		attribute.String("change_request_id", req.ChangeRequestID),
		attribute.String("approver_role", string(req.ApproverRole)),
		attribute.String("decision", string(req.Decision)),
	)
	defer func() { tracing.End(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lockKey(req.ChangeRequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		updated   *Flow
		record    models.ApprovalRecord
		committed events.Record
	)
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.LockLatestFlow(ctx, req.ChangeRequestID)
		if err != nil {
			return err
		}
		if current == nil || current.TenantID != req.TenantID {
			return fmt.Errorf("%w: %s", ErrNoActiveFlow, req.ChangeRequestID)
		}
		if err := current.CanVote(req.ApproverRole); err != nil {
			return err
		}

		record = models.ApprovalRecord{
			ID:              uuid.New(),
			FlowID:          current.ID,
			ChangeRequestID: req.ChangeRequestID,
			ApproverID:      req.ApproverID,
			ApproverName:    req.ApproverName,
			ApproverRole:    req.ApproverRole,
			Decision:        req.Decision,
			Comments:        req.Comments,
			Conditions:      append([]string(nil), req.Conditions...),
			ReviewNotes:     req.ReviewNotes,
			MetricsReviewed: req.MetricsReviewed.Clone(),
			CreatedAt:       s.now(),
		}

		next := current.Clone()
		if err := next.AddApproval(record); err != nil {
			return err
		}
		if err := tx.UpdateFlow(ctx, next, record); err != nil {
			return fmt.Errorf("saving flow: %w", err)
		}
		committed, err = tx.Append(ctx, events.NewApprovalGiven(next.ID, record))
		if err != nil {
			s.logger.Error("audit append failed",
				"change_request_id", req.ChangeRequestID, "error", err)
			return fmt.Errorf("appending audit event: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidatePending(ctx, req.TenantID)
	s.publish(ctx, committed)
	s.logger.Info("approval recorded",
		"change_request_id", req.ChangeRequestID,
		"flow_id", updated.ID,
		"approver_role", req.ApproverRole,
		"decision", req.Decision,
		"state", updated.State,
	)

	if updated.IsComplete() {
		if ferr := s.finalize(ctx, updated); ferr != nil {
			return &record, &FinalizationError{
				ChangeRequestID: req.ChangeRequestID,
				State:           updated.State,
				Record:          &record,
				Err:             ferr,
			}
		}
	}
	return &record, nil
}

// RetryFinalization notifies change management of the tenant's terminal flow
// whose earlier notification failed.
func (s *Service) RetryFinalization(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (flow *Flow, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, "approval.RetryFinalization",
		attribute.String("change_request_id", changeRequestID))
	defer func() { tracing.End(span, err) }()

	unlock, err := s.locker.Lock(ctx, lockKey(changeRequestID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	flow, err = s.latestFlow(ctx, tenantID, changeRequestID)
	if err != nil {
		return nil, fmt.Errorf("loading flow: %w", err)
	}
	if flow == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveFlow, changeRequestID)
	}
	if !flow.NeedsFinalization() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinalizable, changeRequestID, flow.State)
	}
	if err := s.finalize(ctx, flow); err != nil {
		return nil, &FinalizationError{ChangeRequestID: changeRequestID, State: flow.State, Err: err}
	}
	return flow, nil
}

// finalize calls change management for a terminal flow and stamps it.
func (s *Service) finalize(ctx context.Context, flow *Flow) error {
	var err error
	if flow.IsApproved() {
		err = s.changes.ApproveChange(ctx, flow.ChangeRequestID)
	} else {
		rej, _ := flow.RejectingRecord()
		reason := rej.Comments
		if rej.ApproverID == SystemActor {
			reason = systemRejectionReason
		}
		err = s.changes.RejectChange(ctx, flow.ChangeRequestID, rej.ApproverID, reason)
	}
	if err != nil {
		s.logger.Error("finalization failed",
			"change_request_id", flow.ChangeRequestID,
			"state", flow.State,
			"error", err,
		)
		return err
	}

	now := s.now()
	if err := s.repo.MarkFinalized(ctx, flow.ID, now); err != nil {
		// Change management already applied the outcome and is idempotent,
		// so a retry after this is harmless.
		s.logger.Warn("marking flow finalized",
			"change_request_id", flow.ChangeRequestID, "error", err)
	}
	flow.FinalizedAt = &now
	s.logger.Info("change request finalized",
		"change_request_id", flow.ChangeRequestID, "state", flow.State)
	return nil
}

// latestFlow returns the latest flow for a change request when it belongs to
// tenantID, and nil otherwise.
func (s *Service) latestFlow(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (*Flow, error) {
	flow, err := s.repo.GetLatestFlow(ctx, changeRequestID)
	if err != nil || flow == nil {
		return nil, err
	}
	if flow.TenantID != tenantID {
		return nil, nil
	}
	return flow, nil
}

// GetApprovalFlow returns the tenant's latest flow for a change request, or nil.
func (s *Service) GetApprovalFlow(ctx context.Context, tenantID uuid.UUID, changeRequestID string) (*Flow, error) {
	return s.latestFlow(ctx, tenantID, changeRequestID)
}

// GetApprovalHistory returns the votes of the tenant's latest flow in
// submission order. It is empty, never nil, when there is no flow.
func (s *Service) GetApprovalHistory(ctx context.Context, tenantID uuid.UUID, changeRequestID string) ([]models.ApprovalRecord, error) {
	flow, err := s.latestFlow(ctx, tenantID, changeRequestID)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return []models.ApprovalRecord{}, nil
	}
	return append([]models.ApprovalRecord{}, flow.Records...), nil
}

// publish mirrors a committed event to the sink. Failures are logged only.
func (s *Service) publish(ctx context.Context, rec events.Record) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, rec); err != nil {
		s.logger.Warn("mirroring audit event", "event_id", rec.ID, "sequence", rec.Sequence, "error", err)
	}
}

func (s *Service) invalidatePending(ctx context.Context, tenantID uuid.UUID) {
	if s.pending != nil {
		s.pending.Invalidate(ctx, tenantID)
	}
}
