// Package handlers contains the HTTP handler implementations for the billing
// API. Handlers define their service contracts locally and receive
// implementations through constructors, which keeps them decoupled from
// concrete engine types and easy to mock in tests.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billcore/internal/core"
	"billcore/internal/types"
)

// --- Service Interfaces ---

// BillingEngine is the facade surface the billing handler drives.
type BillingEngine interface {
	// CreateAccount opens a trial account for the organization.
	CreateAccount(ctx context.Context, orgID string) (*types.BillingAccount, error)

	// UpgradePlan moves the organization to a new paid plan. It never
	// returns an error; failures are carried in the result.
	UpgradePlan(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult

	// EndTrialPeriod closes the trial and suspends downstream projects.
	EndTrialPeriod(ctx context.Context, orgID string) error

	// Reactivate moves a suspended account back to active.
	Reactivate(ctx context.Context, orgID string) error

	// SetupIntent returns the payment customer reference and a client
	// secret for collecting a payment method, creating the customer first
	// when the account has none on record.
	SetupIntent(ctx context.Context, orgID string) (string, string, error)
}

// AccountReader provides read access to billing accounts.
type AccountReader interface {
	Get(ctx context.Context, orgID string) (*types.BillingAccount, error)
}

// --- Request/Response Models ---

// ChangePlanRequest is the request body for POST /billing/plan.
// CustomerRef optionally carries a newly created payment customer; when
// empty, the stored reference is used.
type ChangePlanRequest struct {
	Plan        string `json:"plan" validate:"required"`
	CustomerRef string `json:"customer_ref"`
}

// ChangePlanResponse is the success response for POST /billing/plan.
type ChangePlanResponse struct {
	Status  types.ResultStatus `json:"status"`
	OldPlan types.PlanTier     `json:"old_plan"`
	Plan    types.PlanTier     `json:"plan"`
	Message string             `json:"message,omitempty"`
}

// SetupIntentResponse is the response for POST /billing/setup-intent.
type SetupIntentResponse struct {
	CustomerRef  string `json:"customer_ref"`
	ClientSecret string `json:"client_secret"`
}

// --- Billing Handler ---

// BillingHandler handles synchronous billing actions for one organization.
type BillingHandler struct {
	engine    BillingEngine
	accounts  AccountReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(engine BillingEngine, accounts AccountReader, v *core.Validator, l *slog.Logger) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		engine:    engine,
		accounts:  accounts,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing endpoints under /organizations/{orgID}.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/organizations/{orgID}/billing", func(r chi.Router) {
		r.Post("/account", h.CreateAccount)
		r.Get("/account", h.GetAccount)
		r.Post("/plan", h.ChangePlan)
		r.Post("/setup-intent", h.SetupIntent)
		r.Post("/end-trial", h.EndTrial)
		r.Post("/reactivate", h.Reactivate)
	})
}

// CreateAccount handles POST /organizations/{orgID}/billing/account.
func (h *BillingHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	acct, err := h.engine.CreateAccount(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: acct})
}

// GetAccount handles GET /organizations/{orgID}/billing/account.
func (h *BillingHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	acct, err := h.accounts.Get(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: acct})
}

// ChangePlan handles POST /organizations/{orgID}/billing/plan.
//
// Status mapping:
//   - 200: plan changed
//   - 304: no payment customer on record ("Empty customer")
//   - 400: unknown plan tier
//   - 500: payment gateway failure
func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result := h.engine.UpgradePlan(r.Context(), orgID, types.PlanTier(req.Plan), req.CustomerRef)

	if result.Status != types.ResultSuccess {
		core.Error(w, r, types.NewAppError(result.Code, result.Message, nil))
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ChangePlanResponse{
		Status:  result.Status,
		OldPlan: result.OldPlan,
		Plan:    result.Plan,
		Message: result.Message,
	}})
}

// SetupIntent handles POST /organizations/{orgID}/billing/setup-intent.
func (h *BillingHandler) SetupIntent(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	customer, secret, err := h.engine.SetupIntent(r.Context(), orgID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: SetupIntentResponse{
		CustomerRef:  customer,
		ClientSecret: secret,
	}})
}

// EndTrial handles POST /organizations/{orgID}/billing/end-trial.
func (h *BillingHandler) EndTrial(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	if err := h.engine.EndTrialPeriod(r.Context(), orgID); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "trial ended"}})
}

// Reactivate handles POST /organizations/{orgID}/billing/reactivate.
func (h *BillingHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	if err := h.engine.Reactivate(r.Context(), orgID); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"status": "active"}})
}
