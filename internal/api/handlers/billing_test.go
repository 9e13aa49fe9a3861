package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"billcore/internal/core"
	"billcore/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// mockEngine implements BillingEngine for testing.
type mockEngine struct {
	createAccountFn func(ctx context.Context, orgID string) (*types.BillingAccount, error)
	upgradePlanFn   func(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult
	endTrialFn      func(ctx context.Context, orgID string) error
	reactivateFn    func(ctx context.Context, orgID string) error
	setupIntentFn   func(ctx context.Context, orgID string) (string, string, error)
}

func (m *mockEngine) CreateAccount(ctx context.Context, orgID string) (*types.BillingAccount, error) {
	if m.createAccountFn != nil {
		return m.createAccountFn(ctx, orgID)
	}
	return &types.BillingAccount{
		OrganizationID: orgID,
		Plan:           types.PlanTrial,
		Status:         types.AccountTrial,
		IsActive:       true,
	}, nil
}

func (m *mockEngine) UpgradePlan(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult {
	if m.upgradePlanFn != nil {
		return m.upgradePlanFn(ctx, orgID, plan, customerRef)
	}
	return &types.PlanChangeResult{
		Status:  types.ResultSuccess,
		OldPlan: types.PlanTrial,
		Plan:    plan,
	}
}

func (m *mockEngine) EndTrialPeriod(ctx context.Context, orgID string) error {
	if m.endTrialFn != nil {
		return m.endTrialFn(ctx, orgID)
	}
	return nil
}

func (m *mockEngine) Reactivate(ctx context.Context, orgID string) error {
	if m.reactivateFn != nil {
		return m.reactivateFn(ctx, orgID)
	}
	return nil
}

func (m *mockEngine) SetupIntent(ctx context.Context, orgID string) (string, string, error) {
	if m.setupIntentFn != nil {
		return m.setupIntentFn(ctx, orgID)
	}
	return "cus_default", "seti_secret_default", nil
}

// mockAccountReader implements AccountReader for testing.
type mockAccountReader struct {
	getFn func(ctx context.Context, orgID string) (*types.BillingAccount, error)
}

func (m *mockAccountReader) Get(ctx context.Context, orgID string) (*types.BillingAccount, error) {
	if m.getFn != nil {
		return m.getFn(ctx, orgID)
	}
	return &types.BillingAccount{
		OrganizationID: orgID,
		Plan:           types.PlanBasic,
		Status:         types.AccountActive,
		IsActive:       true,
	}, nil
}

// Compile-time interface assertions for mocks.
var (
	_ BillingEngine = (*mockEngine)(nil)
	_ AccountReader = (*mockAccountReader)(nil)
)

// =============================================================================
// Test Helpers
// =============================================================================

type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// newTestRouter mounts the handler's routes on a bare chi router so URL
// parameters resolve the same way they do in production.
func newTestRouter(handlers ...routeRegistrar) http.Handler {
	r := chi.NewRouter()
	for _, h := range handlers {
		h.RegisterRoutes(r)
	}
	return r
}

// makeRequest creates an HTTP request with an optional JSON body.
func makeRequest(method, path string, body interface{}) *http.Request {
	var reqBody *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseJSONResponse decodes the response body into the given target.
func parseJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response body: %v\nbody: %s", err, rr.Body.String())
	}
}

func newTestBillingHandler(engine BillingEngine, accounts AccountReader) *BillingHandler {
	return NewBillingHandler(engine, accounts, core.NewValidator(), nil)
}

// =============================================================================
// CreateAccount / GetAccount Tests
// =============================================================================

func TestCreateAccount_Success(t *testing.T) {
	h := newTestBillingHandler(&mockEngine{}, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/account", nil))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data types.BillingAccount `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)

	if resp.Data.OrganizationID != "org_1" {
		t.Errorf("expected organization_id org_1, got %s", resp.Data.OrganizationID)
	}
	if resp.Data.Status != types.AccountTrial {
		t.Errorf("expected trial status, got %s", resp.Data.Status)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	accounts := &mockAccountReader{
		getFn: func(ctx context.Context, orgID string) (*types.BillingAccount, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "billing account not found", nil)
		},
	}
	h := newTestBillingHandler(&mockEngine{}, accounts)
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("GET", "/organizations/org_missing/billing/account", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}

	var errResp core.APIErrorResponse
	parseJSONResponse(t, rr, &errResp)
	if errResp.Error.Code != string(types.ErrCodeNotFoundAccount) {
		t.Errorf("expected code %s, got %s", types.ErrCodeNotFoundAccount, errResp.Error.Code)
	}
}

// =============================================================================
// ChangePlan Tests
// =============================================================================

func TestChangePlan_Success(t *testing.T) {
	var gotPlan types.PlanTier
	var gotCustomer string
	engine := &mockEngine{
		upgradePlanFn: func(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult {
			gotPlan, gotCustomer = plan, customerRef
			return &types.PlanChangeResult{
				Status:  types.ResultSuccess,
				OldPlan: types.PlanTrial,
				Plan:    plan,
			}
		},
	}
	h := newTestBillingHandler(engine, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/plan",
		ChangePlanRequest{Plan: "plus", CustomerRef: "cus_new"}))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotPlan != types.PlanPlus || gotCustomer != "cus_new" {
		t.Errorf("engine got plan=%s customer=%s", gotPlan, gotCustomer)
	}

	var resp struct {
		Data ChangePlanResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.OldPlan != types.PlanTrial || resp.Data.Plan != types.PlanPlus {
		t.Errorf("unexpected plan transition in response: %+v", resp.Data)
	}
}

func TestChangePlan_EmptyCustomerIs304(t *testing.T) {
	engine := &mockEngine{
		upgradePlanFn: func(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult {
			return &types.PlanChangeResult{
				Status:  types.ResultFailure,
				Message: "Empty customer",
				Code:    types.ErrCodeBillingEmptyCustomer,
			}
		},
	}
	h := newTestBillingHandler(engine, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/plan",
		ChangePlanRequest{Plan: "plus"}))

	if rr.Code != http.StatusNotModified {
		t.Errorf("expected status 304, got %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("expected empty body for 304, got %q", rr.Body.String())
	}
}

func TestChangePlan_UnknownPlanIs400(t *testing.T) {
	engine := &mockEngine{
		upgradePlanFn: func(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult {
			return &types.PlanChangeResult{
				Status:  types.ResultFailure,
				Message: "Invalid plan choice",
				Code:    types.ErrCodeBillingUnknownPlan,
			}
		},
	}
	h := newTestBillingHandler(engine, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/plan",
		ChangePlanRequest{Plan: "gold"}))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}

	var errResp core.APIErrorResponse
	parseJSONResponse(t, rr, &errResp)
	if errResp.Error.Code != string(types.ErrCodeBillingUnknownPlan) {
		t.Errorf("expected code %s, got %s", types.ErrCodeBillingUnknownPlan, errResp.Error.Code)
	}
	if errResp.Error.Message != "Invalid plan choice" {
		t.Errorf("unexpected message: %s", errResp.Error.Message)
	}
}

func TestChangePlan_GatewayFailureIs500(t *testing.T) {
	engine := &mockEngine{
		upgradePlanFn: func(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult {
			return &types.PlanChangeResult{
				Status:  types.ResultFailure,
				Message: "Stripe error",
				Code:    types.ErrCodeBillingGatewayFailure,
			}
		},
	}
	h := newTestBillingHandler(engine, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/plan",
		ChangePlanRequest{Plan: "plus"}))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}

func TestChangePlan_MissingPlanIs400(t *testing.T) {
	h := newTestBillingHandler(&mockEngine{}, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/plan",
		map[string]string{"customer_ref": "cus_1"}))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}

	var errResp core.APIErrorResponse
	parseJSONResponse(t, rr, &errResp)
	if errResp.Error.Code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationMissingField, errResp.Error.Code)
	}
}

func TestChangePlan_MalformedBodyIs400(t *testing.T) {
	h := newTestBillingHandler(&mockEngine{}, &mockAccountReader{})
	router := newTestRouter(h)

	req := httptest.NewRequest("POST", "/organizations/org_1/billing/plan",
		bytes.NewBufferString(`{"plan":`))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

// =============================================================================
// SetupIntent / EndTrial / Reactivate Tests
// =============================================================================

func TestSetupIntent_Success(t *testing.T) {
	engine := &mockEngine{
		setupIntentFn: func(ctx context.Context, orgID string) (string, string, error) {
			return "cus_1", "seti_secret_123", nil
		},
	}
	h := newTestBillingHandler(engine, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/setup-intent", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Data SetupIntentResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.CustomerRef != "cus_1" {
		t.Errorf("expected customer_ref cus_1, got %s", resp.Data.CustomerRef)
	}
	if resp.Data.ClientSecret != "seti_secret_123" {
		t.Errorf("expected client secret seti_secret_123, got %s", resp.Data.ClientSecret)
	}
}

func TestEndTrial_NotOnTrialIs409(t *testing.T) {
	engine := &mockEngine{
		endTrialFn: func(ctx context.Context, orgID string) error {
			return types.NewAppError(types.ErrCodeBillingNotOnTrial, "account is not on trial", nil)
		},
	}
	h := newTestBillingHandler(engine, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_1/billing/end-trial", nil))

	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
}

func TestReactivate_Success(t *testing.T) {
	var gotOrg string
	engine := &mockEngine{
		reactivateFn: func(ctx context.Context, orgID string) error {
			gotOrg = orgID
			return nil
		},
	}
	h := newTestBillingHandler(engine, &mockAccountReader{})
	router := newTestRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, makeRequest("POST", "/organizations/org_7/billing/reactivate", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if gotOrg != "org_7" {
		t.Errorf("expected org_7 passed to engine, got %s", gotOrg)
	}
}
