package approval_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/approval"
	"github.com/kiranshivaraju/governor/internal/changemgmt"
	"github.com/kiranshivaraju/governor/internal/events"
	"github.com/kiranshivaraju/governor/internal/policy"
	"github.com/kiranshivaraju/governor/internal/store"
	"github.com/kiranshivaraju/governor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock advances one second on every read so flows created in a
// test are strictly ordered.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeSink struct {
	mu      sync.Mutex
	records []events.Record
	err     error
}

func (f *fakeSink) Publish(_ context.Context, records ...events.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, records...)
	return nil
}

type pendingKey struct {
	tenant uuid.UUID
	gen    int64
	role   models.ApprovalRole
}

// mapPendingCache is an in-memory PendingCache with per-tenant generations.
type mapPendingCache struct {
	mu    sync.Mutex
	gens  map[uuid.UUID]int64
	items map[pendingKey][]approval.PendingApproval
	sets  int
}

func newMapPendingCache() *mapPendingCache {
	return &mapPendingCache{gens: map[uuid.UUID]int64{}, items: map[pendingKey][]approval.PendingApproval{}}
}

func (c *mapPendingCache) GetPending(_ context.Context, tenant uuid.UUID, role models.ApprovalRole) ([]approval.PendingApproval, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.gens[tenant]
	items, ok := c.items[pendingKey{tenant, gen, role}]
	return items, gen, ok
}

func (c *mapPendingCache) SetPending(_ context.Context, tenant uuid.UUID, role models.ApprovalRole, gen int64, items []approval.PendingApproval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen < 0 {
		return
	}
	c.items[pendingKey{tenant, gen, role}] = items
	c.sets++
}

func (c *mapPendingCache) Invalidate(_ context.Context, tenant uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[tenant]++
}

// hookedChanges runs hook before every change request lookup; a non-nil
// result is returned instead of the stored change request.
type hookedChanges struct {
	*changemgmt.MemoryClient
	hook func(id string) error
}

func (h *hookedChanges) GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequest, error) {
	if h.hook != nil {
		if err := h.hook(id); err != nil {
			return nil, err
		}
	}
	return h.MemoryClient.GetChangeRequest(ctx, id)
}

type fixture struct {
	svc     *approval.Service
	store   *store.MemoryStore
	changes *changemgmt.MemoryClient
	sink    *fakeSink
	pending *mapPendingCache
}

func newFixture(t *testing.T, crs ...models.ChangeRequest) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		changes: changemgmt.NewMemoryClient(crs...),
		sink:    &fakeSink{},
		pending: newMapPendingCache(),
	}
	clk := &tickingClock{now: t0}
	f.svc = approval.NewService(f.store, policy.Default(), f.changes,
		approval.WithClock(clk.Now),
		approval.WithEventSink(f.sink),
		approval.WithPendingCache(f.pending),
	)
	return f
}

var (
	tenantA = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	tenantB = uuid.MustParse("00000000-0000-4000-8000-0000000000ff")
)

func changeRequest(id string, impact models.ImpactLevel) models.ChangeRequest {
	return models.ChangeRequest{
		ID:          id,
		TenantID:    tenantA,
		ImpactLevel: impact,
		Status:      models.ChangeStatusUnderReview,
		Title:       "Raise price of " + id,
		RequestedBy: "pricing-engine",
		SubmittedAt: t0,
	}
}

func submit(crID string, role models.ApprovalRole, d models.ApprovalDecision) approval.SubmitApprovalRequest {
	return approval.SubmitApprovalRequest{
		TenantID:        tenantA,
		ChangeRequestID: crID,
		ApproverID:      string(role) + "-user",
		ApproverName:    "Reviewer " + string(role),
		ApproverRole:    role,
		Decision:        d,
		Comments:        "looks fine",
	}
}

func TestCreateApprovalFlow(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactHigh))
	ctx := context.Background()

	flow, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StateOpen, flow.State)
	assert.Equal(t, models.ImpactHigh, flow.Rule.ImpactLevel)
	assert.Equal(t, 2, flow.Rule.MinApprovals)

	stored, err := fx.svc.GetApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.Equal(t, flow.ID, stored.ID)

	_, err = fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	assert.ErrorIs(t, err, approval.ErrFlowExists)
}

func TestCreateApprovalFlow_Errors(t *testing.T) {
	draft := changeRequest("CR-DRAFT", models.ImpactLow)
	draft.Status = models.ChangeStatusDraft
	fx := newFixture(t, draft)

	_, err := fx.svc.CreateApprovalFlow(context.Background(), tenantA, "CR-MISSING")
	assert.ErrorIs(t, err, approval.ErrNotFound)

	_, err = fx.svc.CreateApprovalFlow(context.Background(), tenantA, "CR-DRAFT")
	assert.ErrorIs(t, err, approval.ErrInvalidState)
}

func TestCreateApprovalFlow_UnmappedImpact(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactCritical))
	low, err := policy.Default().RuleFor(models.ImpactLow)
	require.NoError(t, err)
	reg, err := policy.NewRegistry(low)
	require.NoError(t, err)
	svc := approval.NewService(fx.store, reg, fx.changes)

	_, err = svc.CreateApprovalFlow(context.Background(), tenantA, "CR-1")
	assert.ErrorIs(t, err, policy.ErrNoRuleForImpactLevel)
}

func TestSubmitApproval_ApprovesAndFinalizesOnce(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactHigh))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	rec, err := fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleFinanceLead, models.DecisionApproved))
	require.NoError(t, err)
	assert.Equal(t, models.RoleFinanceLead, rec.ApproverRole)
	approved, _ := fx.changes.Calls("CR-1")
	assert.Zero(t, approved)

	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleAdministrator, models.DecisionApproved))
	require.NoError(t, err)

	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOperationsLead, models.DecisionApproved))
	assert.ErrorIs(t, err, approval.ErrFlowAlreadyComplete)

	approved, rejected := fx.changes.Calls("CR-1")
	assert.Equal(t, 1, approved)
	assert.Zero(t, rejected)

	flow, err := fx.svc.GetApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, flow.State)
	assert.NotNil(t, flow.FinalizedAt)
	assert.False(t, flow.NeedsFinalization())
}

func TestSubmitApproval_EveryVoteIsAudited(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactCritical))
	ctx := context.Background()
	flow, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	roles := []models.ApprovalRole{models.RoleFinanceLead, models.RoleOperationsLead, models.RoleAdministrator}
	for _, role := range roles {
		_, err := fx.svc.SubmitApproval(ctx, submit("CR-1", role, models.DecisionApproved))
		require.NoError(t, err)
	}

	recs, err := fx.store.ListByAggregate(ctx, flow.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, events.TypeApprovalGiven, r.Type)
		evt, err := r.Decode()
		require.NoError(t, err)
		given := evt.(events.ApprovalGiven)
		assert.Equal(t, roles[i], given.ApproverRole)
		assert.Equal(t, "CR-1", given.ChangeRequestID)
	}
	assert.Len(t, fx.sink.records, 3)

	history, err := fx.svc.GetApprovalHistory(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.RoleFinanceLead, history[0].ApproverRole)
}

func TestSubmitApproval_FailedAppendChangesNothing(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	fx.store.SetAppendFailure(errors.New("audit log unavailable"))
	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOperationsLead, models.DecisionApproved))
	require.Error(t, err)

	flow, err := fx.svc.GetApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StateOpen, flow.State)
	assert.Empty(t, flow.Records)
	assert.Empty(t, fx.store.AllEvents())
	approved, _ := fx.changes.Calls("CR-1")
	assert.Zero(t, approved)

	fx.store.SetAppendFailure(nil)
	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOperationsLead, models.DecisionApproved))
	require.NoError(t, err)
	assert.Len(t, fx.store.AllEvents(), 1)
}

func TestSubmitApproval_RejectionVetoes(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactCritical))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleFinanceLead, models.DecisionApproved))
	require.NoError(t, err)

	req := submit("CR-1", models.RoleOperationsLead, models.DecisionRejected)
	req.Comments = "supplier contract not signed"
	_, err = fx.svc.SubmitApproval(ctx, req)
	require.NoError(t, err)

	_, rejected := fx.changes.Calls("CR-1")
	assert.Equal(t, 1, rejected)
	assert.Equal(t, "supplier contract not signed", fx.changes.RejectionReason("CR-1"))

	sum, err := fx.svc.GetApprovalStatusSummary(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, sum.State)
	assert.Equal(t, 1, sum.ApprovedCount)
	assert.Equal(t, 1, sum.RejectedCount)
	assert.Equal(t, []models.ApprovalRole{models.RoleAdministrator}, sum.PendingRoles)
}

func TestSubmitApproval_SystemRejectionReason(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	req := submit("CR-1", models.RoleOperationsLead, models.DecisionRejected)
	req.ApproverID = approval.SystemActor
	req.Comments = "stock check failed"
	_, err = fx.svc.SubmitApproval(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "rejected by system", fx.changes.RejectionReason("CR-1"))
}

func TestSubmitApproval_FinalizationFailureKeepsVote(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	fx.changes.SetFailure(changemgmt.ErrUnreachable)
	rec, err := fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOperationsLead, models.DecisionApproved))
	require.Error(t, err)
	require.NotNil(t, rec)

	var ferr *approval.FinalizationError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, approval.StateApproved, ferr.State)
	assert.Equal(t, rec.ID, ferr.Record.ID)
	assert.ErrorIs(t, err, changemgmt.ErrUnreachable)

	flow, err := fx.svc.GetApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, flow.State)
	assert.True(t, flow.NeedsFinalization())
	assert.Len(t, fx.store.AllEvents(), 1)

	_, err = fx.svc.RetryFinalization(ctx, tenantA, "CR-1")
	require.ErrorAs(t, err, &ferr)

	fx.changes.SetFailure(nil)
	flow, err = fx.svc.RetryFinalization(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.NotNil(t, flow.FinalizedAt)

	approved, _ := fx.changes.Calls("CR-1")
	assert.Equal(t, 1, approved)

	_, err = fx.svc.RetryFinalization(ctx, tenantA, "CR-1")
	assert.ErrorIs(t, err, approval.ErrNotFinalizable)
}

func TestSubmitApproval_Errors(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactMedium))
	ctx := context.Background()

	_, err := fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleFinanceLead, models.DecisionApproved))
	assert.ErrorIs(t, err, approval.ErrNoActiveFlow)

	_, err = fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOwner, models.DecisionApproved))
	assert.ErrorIs(t, err, approval.ErrDuplicateRoleVote)

	bad := submit("CR-1", "intern", models.DecisionApproved)
	_, err = fx.svc.SubmitApproval(ctx, bad)
	assert.ErrorIs(t, err, approval.ErrInvalidRequest)

	bad = submit("CR-1", models.RoleFinanceLead, "maybe")
	_, err = fx.svc.SubmitApproval(ctx, bad)
	assert.ErrorIs(t, err, approval.ErrInvalidRequest)

	bad = submit("CR-1", models.RoleFinanceLead, models.DecisionApproved)
	bad.ApproverID = " "
	_, err = fx.svc.SubmitApproval(ctx, bad)
	assert.ErrorIs(t, err, approval.ErrInvalidRequest)
}

func TestSubmitApproval_ConcurrentVotes(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactCritical))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	roles := []models.ApprovalRole{models.RoleFinanceLead, models.RoleOperationsLead, models.RoleAdministrator}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 4; i++ {
		for _, role := range roles {
			wg.Add(1)
			go func(role models.ApprovalRole) {
				defer wg.Done()
				_, err := fx.svc.SubmitApproval(ctx, submit("CR-1", role, models.DecisionApproved))
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				if !errors.Is(err, approval.ErrDuplicateRoleVote) && !errors.Is(err, approval.ErrFlowAlreadyComplete) {
					t.Errorf("unexpected error: %v", err)
				}
			}(role)
		}
	}
	wg.Wait()

	assert.Equal(t, 3, successes)
	assert.Len(t, fx.store.AllEvents(), 3)
	approved, _ := fx.changes.Calls("CR-1")
	assert.Equal(t, 1, approved)
}

func TestCreateApprovalFlow_AfterTerminalFlow(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	ctx := context.Background()
	first, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOperationsLead, models.DecisionRejected))
	require.NoError(t, err)

	fx.changes.Put(changeRequest("CR-1", models.ImpactMedium))
	second, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	history, err := fx.svc.GetApprovalHistory(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.NotNil(t, history)
}

func TestGetPendingApprovalsForRole(t *testing.T) {
	fx := newFixture(t,
		changeRequest("CR-HIGH", models.ImpactHigh),
		changeRequest("CR-LOW", models.ImpactLow),
	)
	ctx := context.Background()
	for _, id := range []string{"CR-HIGH", "CR-LOW"} {
		_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, id)
		require.NoError(t, err)
	}

	finance, err := fx.svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleFinanceLead)
	require.NoError(t, err)
	require.Len(t, finance, 1)
	assert.Equal(t, "CR-HIGH", finance[0].ChangeRequestID)
	assert.Equal(t, "Raise price of CR-HIGH", finance[0].Title)
	assert.Equal(t, 2, finance[0].MinApprovals)

	ops, err := fx.svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOperationsLead)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	_, _, cached := fx.pending.GetPending(ctx, tenantA, models.RoleOperationsLead)
	assert.True(t, cached)

	_, err = fx.svc.SubmitApproval(ctx, submit("CR-LOW", models.RoleOperationsLead, models.DecisionApproved))
	require.NoError(t, err)
	_, _, cached = fx.pending.GetPending(ctx, tenantA, models.RoleOperationsLead)
	assert.False(t, cached, "a vote must invalidate cached listings")

	ops, err = fx.svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOperationsLead)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "CR-HIGH", ops[0].ChangeRequestID)

	owner, err := fx.svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOwner)
	require.NoError(t, err)
	assert.NotNil(t, owner)
	assert.Empty(t, owner)
}

func TestGetApprovalStatusSummary_NoFlow(t *testing.T) {
	fx := newFixture(t)

	sum, err := fx.svc.GetApprovalStatusSummary(context.Background(), tenantA, "CR-NONE")
	require.NoError(t, err)
	assert.False(t, sum.Exists)
	assert.Equal(t, "CR-NONE", sum.ChangeRequestID)
	assert.NotNil(t, sum.PendingRoles)
	assert.NotNil(t, sum.Approvals)
	assert.Nil(t, sum.CreatedAt)
}

func TestSubmitApproval_SinkFailureIsNotFatal(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	fx.sink.err = errors.New("redis down")
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOperationsLead, models.DecisionApproved))
	require.NoError(t, err)
	assert.Len(t, fx.store.AllEvents(), 1)
}

func TestTenantIsolation(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-A", models.ImpactLow))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-A")
	require.NoError(t, err)

	_, err = fx.svc.CreateApprovalFlow(ctx, tenantB, "CR-A")
	assert.ErrorIs(t, err, approval.ErrNotFound)

	req := submit("CR-A", models.RoleOperationsLead, models.DecisionApproved)
	req.TenantID = tenantB
	_, err = fx.svc.SubmitApproval(ctx, req)
	assert.ErrorIs(t, err, approval.ErrNoActiveFlow)

	_, err = fx.svc.RetryFinalization(ctx, tenantB, "CR-A")
	assert.ErrorIs(t, err, approval.ErrNoActiveFlow)

	flow, err := fx.svc.GetApprovalFlow(ctx, tenantB, "CR-A")
	require.NoError(t, err)
	assert.Nil(t, flow)

	history, err := fx.svc.GetApprovalHistory(ctx, tenantB, "CR-A")
	require.NoError(t, err)
	assert.Empty(t, history)

	sum, err := fx.svc.GetApprovalStatusSummary(ctx, tenantB, "CR-A")
	require.NoError(t, err)
	assert.False(t, sum.Exists)

	pending, err := fx.svc.GetPendingApprovalsForRole(ctx, tenantB, models.RoleOperationsLead)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = fx.svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOperationsLead)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.Empty(t, fx.store.AllEvents())
	approved, rejected := fx.changes.Calls("CR-A")
	assert.Zero(t, approved)
	assert.Zero(t, rejected)
}

func TestGetPendingApprovalsForRole_ListingRacingInvalidateIsNotCached(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	changes := &hookedChanges{MemoryClient: fx.changes}
	changes.hook = func(string) error {
		fx.pending.Invalidate(ctx, tenantA)
		return nil
	}
	svc := approval.NewService(fx.store, policy.Default(), changes, approval.WithPendingCache(fx.pending))

	items, err := svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOperationsLead)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, _, cached := fx.pending.GetPending(ctx, tenantA, models.RoleOperationsLead)
	assert.False(t, cached)
}

func TestGetPendingApprovalsForRole_TransientLookupFailureIsNotCached(t *testing.T) {
	fx := newFixture(t,
		changeRequest("CR-1", models.ImpactLow),
		changeRequest("CR-2", models.ImpactLow),
	)
	ctx := context.Background()
	for _, id := range []string{"CR-1", "CR-2"} {
		_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, id)
		require.NoError(t, err)
	}

	changes := &hookedChanges{MemoryClient: fx.changes}
	changes.hook = func(id string) error {
		if id == "CR-2" {
			return changemgmt.ErrUnreachable
		}
		return nil
	}
	svc := approval.NewService(fx.store, policy.Default(), changes, approval.WithPendingCache(fx.pending))

	items, err := svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOperationsLead)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "CR-1", items[0].ChangeRequestID)
	assert.Zero(t, fx.pending.sets)

	changes.hook = nil
	items, err = svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOperationsLead)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 1, fx.pending.sets)
}

func TestGetPendingApprovalsForRole_MissingChangeRequestIsCached(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	changes := &hookedChanges{MemoryClient: fx.changes, hook: func(id string) error {
		return changemgmt.ErrChangeRequestNotFound
	}}
	svc := approval.NewService(fx.store, policy.Default(), changes, approval.WithPendingCache(fx.pending))

	items, err := svc.GetPendingApprovalsForRole(ctx, tenantA, models.RoleOperationsLead)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, fx.pending.sets)
}

func TestSubmitApproval_MirrorsCommittedSequence(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactHigh))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)

	for _, role := range []models.ApprovalRole{models.RoleFinanceLead, models.RoleOperationsLead} {
		_, err := fx.svc.SubmitApproval(ctx, submit("CR-1", role, models.DecisionApproved))
		require.NoError(t, err)
	}

	stored := fx.store.AllEvents()
	require.Len(t, stored, 2)
	require.Len(t, fx.sink.records, 2)
	for i := range stored {
		assert.Equal(t, stored[i].ID, fx.sink.records[i].ID)
		assert.Equal(t, stored[i].Sequence, fx.sink.records[i].Sequence)
		assert.Positive(t, fx.sink.records[i].Sequence)
	}
	assert.Less(t, fx.sink.records[0].Sequence, fx.sink.records[1].Sequence)
}

func TestGetApprovalStatusSummary_CompletedFlowHasEmptyPendingRoles(t *testing.T) {
	fx := newFixture(t, changeRequest("CR-1", models.ImpactLow))
	ctx := context.Background()
	_, err := fx.svc.CreateApprovalFlow(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	_, err = fx.svc.SubmitApproval(ctx, submit("CR-1", models.RoleOperationsLead, models.DecisionApproved))
	require.NoError(t, err)

	sum, err := fx.svc.GetApprovalStatusSummary(ctx, tenantA, "CR-1")
	require.NoError(t, err)
	require.True(t, sum.Exists)
	assert.NotNil(t, sum.PendingRoles)
	assert.Empty(t, sum.PendingRoles)

	b, err := json.Marshal(sum)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"pending_roles":[]`)
}
