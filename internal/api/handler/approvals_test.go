package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/api/handler"
	mw "github.com/kiranshivaraju/governor/internal/api/middleware"
	"github.com/kiranshivaraju/governor/internal/approval"
	"github.com/kiranshivaraju/governor/internal/changemgmt"
	"github.com/kiranshivaraju/governor/internal/policy"
	"github.com/kiranshivaraju/governor/internal/store"
	"github.com/kiranshivaraju/governor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tenantID = uuid.MustParse("00000000-0000-4000-8000-000000000001")
)

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

func changeRequest(id string, impact models.ImpactLevel) models.ChangeRequest {
	return models.ChangeRequest{
		ID:          id,
		TenantID:    tenantID,
		ImpactLevel: impact,
		Status:      models.ChangeStatusUnderReview,
		Title:       "Reorder " + id,
		RequestedBy: "inventory-engine",
		SubmittedAt: t0,
	}
}

// identity injects a fixed caller, standing in for the auth middleware.
func identity(id mw.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(mw.WithIdentity(r.Context(), id)))
		})
	}
}

func approver(actor string, roles ...models.ApprovalRole) mw.Identity {
	rs := make([]string, len(roles))
	for i, r := range roles {
		rs[i] = string(r)
	}
	return mw.Identity{TenantID: tenantID, KeyPrefix: "gv_test1", ActorID: actor, Roles: rs}
}

type approvalsFixture struct {
	svc     *approval.Service
	changes *changemgmt.MemoryClient
}

func newApprovalsFixture(crs ...models.ChangeRequest) *approvalsFixture {
	changes := changemgmt.NewMemoryClient(crs...)
	clk := &tickingClock{now: t0}
	return &approvalsFixture{
		svc:     approval.NewService(store.NewMemoryStore(), policy.Default(), changes, approval.WithClock(clk.Now)),
		changes: changes,
	}
}

func (f *approvalsFixture) router(id mw.Identity) http.Handler {
	return approvalsRouter(f.svc, id)
}

func approvalsRouter(svc handler.ApprovalService, id mw.Identity) http.Handler {
	r := chi.NewRouter()
	r.Use(identity(id))
	r.Get("/approvals/pending", handler.NewPendingHandler(svc))
	r.Post("/approvals/{changeRequestID}", handler.NewCreateFlowHandler(svc))
	r.Get("/approvals/{changeRequestID}", handler.NewGetFlowHandler(svc))
	r.Post("/approvals/{changeRequestID}/votes", handler.NewSubmitVoteHandler(svc))
	r.Post("/approvals/{changeRequestID}/finalize", handler.NewFinalizeHandler(svc))
	r.Get("/approvals/{changeRequestID}/history", handler.NewHistoryHandler(svc))
	r.Get("/approvals/{changeRequestID}/summary", handler.NewSummaryHandler(svc))
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	errObj, ok := decodeBody(t, w)["error"].(map[string]any)
	require.True(t, ok, "response has no error object: %s", w.Body.String())
	return errObj["code"].(string)
}

func vote(role models.ApprovalRole, decision models.ApprovalDecision) map[string]any {
	return map[string]any{"approver_role": role, "decision": decision, "comments": "looked fine"}
}

func TestCreateFlow(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-1", models.ImpactHigh))
	h := f.router(approver("alice"))

	w := do(t, h, http.MethodPost, "/approvals/CR-1", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "CR-1", data["change_request_id"])
	assert.Equal(t, "open", data["state"])
	assert.Len(t, data["pending_roles"], 3)

	w = do(t, h, http.MethodPost, "/approvals/CR-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "FLOW_EXISTS", errorCode(t, w))
}

func TestCreateFlow_Errors(t *testing.T) {
	closed := changeRequest("CR-CLOSED", models.ImpactLow)
	closed.Status = "approved"
	f := newApprovalsFixture(closed)
	h := f.router(approver("alice"))

	w := do(t, h, http.MethodPost, "/approvals/CR-MISSING", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CHANGE_REQUEST_NOT_FOUND", errorCode(t, w))

	w = do(t, h, http.MethodPost, "/approvals/CR-CLOSED", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", errorCode(t, w))
}

func TestSubmitVote_ApprovesAndFinalizes(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-1", models.ImpactLow))
	h := f.router(approver("olga", models.RoleOperationsLead))

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/approvals/CR-1", nil).Code)

	w := do(t, h, http.MethodPost, "/approvals/CR-1/votes", vote(models.RoleOperationsLead, models.DecisionApproved))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	data := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "olga", data["approver_id"])
	assert.Equal(t, "operations_lead", data["approver_role"])

	approved, rejected := f.changes.Calls("CR-1")
	assert.Equal(t, 1, approved)
	assert.Equal(t, 0, rejected)
}

func TestSubmitVote_Validation(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-1", models.ImpactLow))

	tests := []struct {
		name   string
		caller mw.Identity
		body   any
		status int
		code   string
	}{
		{"invalid json", approver("olga", models.RoleOperationsLead), "not an object", http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown role", approver("olga", models.RoleOperationsLead), vote("janitor", models.DecisionApproved), http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown decision", approver("olga", models.RoleOperationsLead), vote(models.RoleOperationsLead, "maybe"), http.StatusBadRequest, "INVALID_REQUEST"},
		{"role not held", approver("olga", models.RoleFinanceLead), vote(models.RoleOperationsLead, models.DecisionApproved), http.StatusForbidden, "FORBIDDEN"},
		{"no actor", approver("", models.RoleOperationsLead), vote(models.RoleOperationsLead, models.DecisionApproved), http.StatusForbidden, "FORBIDDEN"},
		{"no flow", approver("olga", models.RoleOperationsLead), vote(models.RoleOperationsLead, models.DecisionApproved), http.StatusNotFound, "NO_ACTIVE_FLOW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, f.router(tt.caller), http.MethodPost, "/approvals/CR-1/votes", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestSubmitVote_Conflicts(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-1", models.ImpactHigh))
	h := f.router(approver("root", models.AllRoles()...))

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/approvals/CR-1", nil).Code)
	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/approvals/CR-1/votes", vote(models.RoleFinanceLead, models.DecisionApproved)).Code)

	w := do(t, h, http.MethodPost, "/approvals/CR-1/votes", vote(models.RoleFinanceLead, models.DecisionApproved))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_ROLE_VOTE", errorCode(t, w))

	w = do(t, h, http.MethodPost, "/approvals/CR-1/votes", vote(models.RoleOperationsLead, models.DecisionRejected))
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, h, http.MethodPost, "/approvals/CR-1/votes", vote(models.RoleAdministrator, models.DecisionApproved))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "FLOW_ALREADY_COMPLETE", errorCode(t, w))
}

func TestSubmitVote_FinalizationFailure(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-1", models.ImpactLow))
	h := f.router(approver("olga", models.RoleOperationsLead))
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/approvals/CR-1", nil).Code)

	f.changes.SetFailure(changemgmt.ErrUnreachable)
	w := do(t, h, http.MethodPost, "/approvals/CR-1/votes", vote(models.RoleOperationsLead, models.DecisionApproved))
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "operations_lead", body["data"].(map[string]any)["approver_role"])
	assert.Equal(t, "FINALIZATION_FAILED", body["error"].(map[string]any)["code"])

	w = do(t, h, http.MethodPost, "/approvals/CR-1/finalize", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "FINALIZATION_FAILED", errorCode(t, w))

	f.changes.SetFailure(nil)
	w = do(t, h, http.MethodPost, "/approvals/CR-1/finalize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, decodeBody(t, w)["data"].(map[string]any)["finalized_at"])

	w = do(t, h, http.MethodPost, "/approvals/CR-1/finalize", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_FINALIZABLE", errorCode(t, w))
}

func TestGetFlow_HistoryAndSummary(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-1", models.ImpactMedium))
	h := f.router(approver("fiona", models.RoleFinanceLead))

	w := do(t, h, http.MethodGet, "/approvals/CR-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data, ok := decodeBody(t, w)["data"]
	assert.True(t, ok)
	assert.Nil(t, data)

	w = do(t, h, http.MethodGet, "/approvals/CR-1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, []any{}, body["data"])
	assert.Equal(t, float64(0), body["meta"].(map[string]any)["total"])

	w = do(t, h, http.MethodGet, "/approvals/CR-1/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["data"].(map[string]any)["exists"])

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/approvals/CR-1", nil).Code)
	require.Equal(t, http.StatusCreated,
		do(t, h, http.MethodPost, "/approvals/CR-1/votes", vote(models.RoleFinanceLead, models.DecisionApproved)).Code)

	w = do(t, h, http.MethodGet, "/approvals/CR-1", nil)
	assert.Equal(t, "approved", decodeBody(t, w)["data"].(map[string]any)["state"])

	w = do(t, h, http.MethodGet, "/approvals/CR-1/history", nil)
	assert.Len(t, decodeBody(t, w)["data"], 1)

	w = do(t, h, http.MethodGet, "/approvals/CR-1/summary", nil)
	sum := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, true, sum["exists"])
	assert.Equal(t, float64(1), sum["approved_count"])
}

func TestPending(t *testing.T) {
	f := newApprovalsFixture(
		changeRequest("CR-1", models.ImpactHigh),
		changeRequest("CR-2", models.ImpactLow),
	)
	h := f.router(approver("root", models.AllRoles()...))
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/approvals/CR-1", nil).Code)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/approvals/CR-2", nil).Code)

	w := do(t, h, http.MethodGet, "/approvals/pending?role=finance_lead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decodeBody(t, w)["data"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "CR-1", items[0].(map[string]any)["change_request_id"])

	w = do(t, h, http.MethodGet, "/approvals/pending?role=operations_lead", nil)
	assert.Len(t, decodeBody(t, w)["data"], 2)

	w = do(t, h, http.MethodGet, "/approvals/pending", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/approvals/pending?role=janitor", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovals_OtherTenantSeesNothing(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-A", models.ImpactLow))
	owner := f.router(approver("olga", models.AllRoles()...))
	require.Equal(t, http.StatusCreated, do(t, owner, http.MethodPost, "/approvals/CR-A", nil).Code)

	intruder := approver("mallory", models.AllRoles()...)
	intruder.TenantID = uuid.MustParse("00000000-0000-4000-8000-0000000000ff")
	h := f.router(intruder)

	w := do(t, h, http.MethodGet, "/approvals/pending?role=operations_lead", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decodeBody(t, w)["data"])

	w = do(t, h, http.MethodGet, "/approvals/CR-A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeBody(t, w)["data"])

	w = do(t, h, http.MethodGet, "/approvals/CR-A/history", nil)
	assert.Equal(t, []any{}, decodeBody(t, w)["data"])

	w = do(t, h, http.MethodGet, "/approvals/CR-A/summary", nil)
	assert.Equal(t, false, decodeBody(t, w)["data"].(map[string]any)["exists"])

	w = do(t, h, http.MethodPost, "/approvals/CR-A", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CHANGE_REQUEST_NOT_FOUND", errorCode(t, w))

	w = do(t, h, http.MethodPost, "/approvals/CR-A/votes", vote(models.RoleOperationsLead, models.DecisionApproved))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_ACTIVE_FLOW", errorCode(t, w))

	w = do(t, h, http.MethodPost, "/approvals/CR-A/finalize", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_ACTIVE_FLOW", errorCode(t, w))

	w = do(t, owner, http.MethodGet, "/approvals/CR-A/summary", nil)
	sum := decodeBody(t, w)["data"].(map[string]any)
	assert.Equal(t, "open", sum["state"])
	assert.Equal(t, float64(0), sum["approved_count"])

	w = do(t, owner, http.MethodGet, "/approvals/pending?role=operations_lead", nil)
	assert.Len(t, decodeBody(t, w)["data"], 1)

	approved, rejected := f.changes.Calls("CR-A")
	assert.Zero(t, approved)
	assert.Zero(t, rejected)
}

func TestApprovals_MissingTenant(t *testing.T) {
	f := newApprovalsFixture(changeRequest("CR-1", models.ImpactLow))
	caller := approver("olga", models.RoleOperationsLead)
	caller.TenantID = uuid.Nil
	h := f.router(caller)

	for _, path := range []string{"/approvals/CR-1", "/approvals/CR-1/history", "/approvals/CR-1/summary", "/approvals/pending?role=owner"} {
		w := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := do(t, h, http.MethodPost, "/approvals/CR-1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// stubApprovals returns a fixed error from every call.
type stubApprovals struct {
	err error
}

func (s stubApprovals) CreateApprovalFlow(context.Context, uuid.UUID, string) (*approval.Flow, error) {
	return nil, s.err
}
func (s stubApprovals) SubmitApproval(context.Context, approval.SubmitApprovalRequest) (*models.ApprovalRecord, error) {
	return nil, s.err
}
func (s stubApprovals) RetryFinalization(context.Context, uuid.UUID, string) (*approval.Flow, error) {
	return nil, s.err
}
func (s stubApprovals) GetApprovalFlow(context.Context, uuid.UUID, string) (*approval.Flow, error) {
	return nil, s.err
}
func (s stubApprovals) GetApprovalHistory(context.Context, uuid.UUID, string) ([]models.ApprovalRecord, error) {
	return nil, s.err
}
func (s stubApprovals) GetApprovalStatusSummary(context.Context, uuid.UUID, string) (approval.StatusSummary, error) {
	return approval.StatusSummary{}, s.err
}
func (s stubApprovals) GetPendingApprovalsForRole(context.Context, uuid.UUID, models.ApprovalRole) ([]approval.PendingApproval, error) {
	return nil, s.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrConcurrentUpdate, http.StatusConflict, "CONCURRENT_UPDATE"},
		{policy.ErrNoRuleForImpactLevel, http.StatusUnprocessableEntity, "NO_APPROVAL_RULE"},
		{approval.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
		{changemgmt.ErrTimeout, http.StatusGatewayTimeout, "CHANGE_MGMT_TIMEOUT"},
		{changemgmt.ErrUnreachable, http.StatusBadGateway, "CHANGE_MGMT_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			h := approvalsRouter(stubApprovals{err: tt.err}, approver("alice"))
			w := do(t, h, http.MethodPost, "/approvals/CR-1", nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}
