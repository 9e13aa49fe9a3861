package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"billcore/internal/db"
	"billcore/internal/types"
)

// PaymentGateway is the slice of the payment provider the engine needs.
// Implemented by external.StripeGateway.
type PaymentGateway interface {
	Purchase(ctx context.Context, customerRef string, plan types.PlanTier, price decimal.Decimal) (*types.PurchaseResult, error)
	Refund(ctx context.Context, chargeRef string) (bool, error)
	CreateCustomer(ctx context.Context, orgID string) (string, error)
	CreateSetupIntent(ctx context.Context, customerRef string) (string, error)
	DefaultCard(ctx context.Context, customerRef string) (*types.CardSummary, error)
}

// LifecycleNotifier propagates billing state changes to the downstream flow
// service. Implemented by external.LifecycleClient.
type LifecycleNotifier interface {
	SuspendProject(ctx context.Context, flowRef string) error
	ReactivateProject(ctx context.Context, flowRef string) error
	NotifyPlanChanged(ctx context.Context, orgID string, plan types.PlanTier) error
}

// AccountStore is the account persistence surface the engine uses outside of
// transactions. Implemented by db.AccountRepo.
type AccountStore interface {
	Get(ctx context.Context, orgID string) (*types.BillingAccount, error)
	Create(ctx context.Context, orgID string, trialEnd time.Time) (*types.BillingAccount, error)
	SetCustomerRef(ctx context.Context, orgID, ref string) error
	EndTrial(ctx context.Context, orgID string) error
	ClaimExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListCaptureProblems(ctx context.Context, limit int) ([]types.BillingAccount, error)
	Suspend(ctx context.Context, orgID string) error
	Reactivate(ctx context.Context, orgID string) error
}

// ProjectStore resolves the projects owned by an organization.
// Implemented by db.ProjectRepo.
type ProjectStore interface {
	ListByOrganization(ctx context.Context, orgID string) ([]types.Project, error)
}

// AccountLocker runs fn while holding the account's row lock. The repo passed
// to fn is bound to the same transaction; fn returning nil commits, any error
// rolls back. Implemented by db.AccountLocker.
type AccountLocker interface {
	WithLockedAccount(
		ctx context.Context,
		orgID string,
		fn func(ctx context.Context, repo *db.AccountRepo, acct *types.BillingAccount) error,
	) error
}

// Engine is the billing facade. Account-mutating operations never propagate
// errors as panics or raw failures to API callers: plan changes come back as
// a PlanChangeResult tagged SUCCESS or FAILURE with a code the API layer maps
// to an HTTP status.
type Engine struct {
	accounts  AccountStore
	projects  ProjectStore
	locker    AccountLocker
	catalog   Catalog
	gateway   PaymentGateway
	lifecycle LifecycleNotifier
	clock     types.Clock
	logger    *slog.Logger

	trialMonths int
	batchSize   int
}

// EngineConfig bundles the engine's tunables.
type EngineConfig struct {
	TrialMonths int
	BatchSize   int
}

// NewEngine creates the billing engine facade.
func NewEngine(
	accounts AccountStore,
	projects ProjectStore,
	locker AccountLocker,
	catalog Catalog,
	gateway PaymentGateway,
	lifecycle LifecycleNotifier,
	clock types.Clock,
	logger *slog.Logger,
	cfg EngineConfig,
) *Engine {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	trialMonths := cfg.TrialMonths
	if trialMonths <= 0 {
		trialMonths = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Engine{
		accounts:    accounts,
		projects:    projects,
		locker:      locker,
		catalog:     catalog,
		gateway:     gateway,
		lifecycle:   lifecycle,
		clock:       clock,
		logger:      logger,
		trialMonths: trialMonths,
		batchSize:   batchSize,
	}
}

// CreateAccount opens a trial account for the organization. The trial end
// date is the end of the signup day plus the configured number of months, so
// a signup at any time on day D gets the whole of the matching day next cycle.
func (e *Engine) CreateAccount(ctx context.Context, orgID string) (*types.BillingAccount, error) {
	trialEnd := types.EndOfDay(e.clock.Now()).AddDate(0, e.trialMonths, 0)
	acct, err := e.accounts.Create(ctx, orgID, trialEnd)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "billing account created",
		slog.String("org_id", orgID),
		slog.Time("trial_end_date", trialEnd),
	)

	return acct, nil
}

// errAbortPlanChange signals the locker to roll back after UpgradePlan has
// already recorded its failure result.
var errAbortPlanChange = errors.New("plan change aborted")

// UpgradePlan moves the organization to a new paid plan. The decision order
// is fixed:
//
//  1. Resolve the payment customer: the request-supplied reference wins,
//     otherwise the stored one. Neither present -> FAILURE "Empty customer".
//  2. Validate the plan against the catalog -> FAILURE "Invalid plan choice".
//  3. Charge the gateway -> FAILURE "Stripe error" on any gateway problem.
//  4. Commit: plan, active status, cleared trial window.
//
// The whole sequence runs under the account's row lock, so concurrent
// upgrades for one organization serialize and at most one charge wins.
// Failures never surface as errors; callers always get a result.
func (e *Engine) UpgradePlan(ctx context.Context, orgID string, plan types.PlanTier, customerRef string) *types.PlanChangeResult {
	result := &types.PlanChangeResult{Status: types.ResultFailure}
	var chargeRef string

	err := e.locker.WithLockedAccount(ctx, orgID, func(ctx context.Context, repo *db.AccountRepo, acct *types.BillingAccount) error {
		result.OldPlan = acct.Plan
		result.Plan = plan

		customer := customerRef
		if customer == "" {
			customer = acct.CustomerRef()
		}
		if customer == "" {
			result.Message = "Empty customer"
			result.Code = types.ErrCodeBillingEmptyCustomer
			return errAbortPlanChange
		}

		price, ok := e.catalog.PriceOf(plan)
		if !ok {
			result.Message = "Invalid plan choice"
			result.Code = types.ErrCodeBillingUnknownPlan
			return errAbortPlanChange
		}

		purchase, err := e.gateway.Purchase(ctx, customer, plan, price)
		if err != nil || purchase.Status != types.ResultSuccess {
			e.logger.ErrorContext(ctx, "plan purchase failed",
				slog.String("org_id", orgID),
				slog.String("plan", string(plan)),
				slog.Any("error", err),
			)
			result.Message = "Stripe error"
			result.Code = types.ErrCodeBillingGatewayFailure
			return errAbortPlanChange
		}
		chargeRef = purchase.ChargeRef

		if err := repo.CommitPlanChange(ctx, orgID, plan, types.CycleMonthly); err != nil {
			result.Message = "Stripe error"
			result.Code = types.ErrCodeBillingGatewayFailure
			return err
		}
		if customerRef != "" && customerRef != acct.CustomerRef() {
			if err := repo.SetCustomerRef(ctx, orgID, customerRef); err != nil {
				return err
			}
		}

		result.Status = types.ResultSuccess
		result.Message = "Plan changed"
		result.Code = ""
		return nil
	})

	if err != nil && !errors.Is(err, errAbortPlanChange) {
		e.logger.ErrorContext(ctx, "plan change transaction failed",
			slog.String("org_id", orgID),
			slog.Any("error", err),
		)
		if result.Code == "" {
			result.Status = types.ResultFailure
			result.Message = "Stripe error"
			result.Code = types.ErrCodeBillingGatewayFailure
		}
		// The charge landed but the commit rolled back; reverse the charge so
		// the customer is not billed for a plan they never got.
		if chargeRef != "" {
			if ok, refundErr := e.gateway.Refund(ctx, chargeRef); refundErr != nil || !ok {
				e.logger.ErrorContext(ctx, "refund after failed plan commit did not go through",
					slog.String("org_id", orgID),
					slog.String("charge_ref", chargeRef),
					slog.Any("error", refundErr),
				)
			}
		}
	}

	if result.Status == types.ResultSuccess {
		// Downstream notification is best-effort; the plan change is already
		// committed.
		if err := e.lifecycle.NotifyPlanChanged(ctx, orgID, plan); err != nil {
			e.logger.WarnContext(ctx, "plan change notification failed",
				slog.String("org_id", orgID),
				slog.Any("error", err),
			)
		}
		e.logger.InfoContext(ctx, "plan upgraded",
			slog.String("org_id", orgID),
			slog.String("old_plan", string(result.OldPlan)),
			slog.String("new_plan", string(plan)),
		)
	}

	return result
}

// EndTrialPeriod closes the organization's trial and suspends its projects
// downstream. Returns ErrCodeBillingNotOnTrial if the account is not on trial.
func (e *Engine) EndTrialPeriod(ctx context.Context, orgID string) error {
	if err := e.accounts.EndTrial(ctx, orgID); err != nil {
		return err
	}

	e.suspendProjects(ctx, orgID)

	e.logger.InfoContext(ctx, "trial ended", slog.String("org_id", orgID))
	return nil
}

// Reactivate moves a suspended account back to active, provided the customer
// still has a usable payment method on file.
func (e *Engine) Reactivate(ctx context.Context, orgID string) error {
	acct, err := e.accounts.Get(ctx, orgID)
	if err != nil {
		return err
	}

	customer := acct.CustomerRef()
	if customer == "" {
		return types.NewAppError(types.ErrCodeBillingEmptyCustomer, "Empty customer", nil)
	}

	card, err := e.gateway.DefaultCard(ctx, customer)
	if err != nil {
		return err
	}
	if card == nil {
		return types.NewAppError(types.ErrCodeBillingEmptyCustomer, "no payment method on file", nil)
	}

	if err := e.accounts.Reactivate(ctx, orgID); err != nil {
		return err
	}

	projects, err := e.projects.ListByOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := e.lifecycle.ReactivateProject(ctx, p.FlowRef); err != nil {
			e.logger.WarnContext(ctx, "project reactivation failed",
				slog.String("org_id", orgID),
				slog.String("project_id", p.ID),
				slog.Any("error", err),
			)
		}
	}

	e.logger.InfoContext(ctx, "account reactivated", slog.String("org_id", orgID))
	return nil
}

// SweepTrialExpirations suspends every trial account whose end date has
// passed and pauses its projects downstream. Returns the number of accounts
// processed. Claiming is atomic, so concurrent sweepers partition the work.
func (e *Engine) SweepTrialExpirations(ctx context.Context) (int, error) {
	now := e.clock.Now()
	total := 0

	for {
		orgIDs, err := e.accounts.ClaimExpiredTrials(ctx, now, e.batchSize)
		if err != nil {
			return total, err
		}
		if len(orgIDs) == 0 {
			return total, nil
		}

		for _, orgID := range orgIDs {
			e.suspendProjects(ctx, orgID)
			e.logger.InfoContext(ctx, "expired trial suspended", slog.String("org_id", orgID))
		}
		total += len(orgIDs)

		if len(orgIDs) < e.batchSize {
			return total, nil
		}
	}
}

// SweepInvoiceProblems suspends active enterprise accounts flagged by the
// payment provider webhook with a failed invoice capture. Other tiers are
// handled by the provider's own dunning flow and are left alone.
func (e *Engine) SweepInvoiceProblems(ctx context.Context) (int, error) {
	accounts, err := e.accounts.ListCaptureProblems(ctx, e.batchSize)
	if err != nil {
		return 0, err
	}

	suspended := 0
	for _, acct := range accounts {
		if acct.Plan != types.PlanEnterprise {
			continue
		}
		if err := e.accounts.Suspend(ctx, acct.OrganizationID); err != nil {
			e.logger.ErrorContext(ctx, "invoice problem suspension failed",
				slog.String("org_id", acct.OrganizationID),
				slog.Any("error", err),
			)
			continue
		}
		e.suspendProjects(ctx, acct.OrganizationID)
		suspended++

		e.logger.InfoContext(ctx, "account suspended for invoice capture problem",
			slog.String("org_id", acct.OrganizationID),
		)
	}

	return suspended, nil
}

// SetupIntent returns the payment customer reference and a client secret for
// collecting a new payment method. Accounts without a customer on record get
// one created and stored first, so the dashboard can always start the card
// collection flow.
func (e *Engine) SetupIntent(ctx context.Context, orgID string) (string, string, error) {
	acct, err := e.accounts.Get(ctx, orgID)
	if err != nil {
		return "", "", err
	}

	customer := acct.CustomerRef()
	if customer == "" {
		customer, err = e.gateway.CreateCustomer(ctx, orgID)
		if err != nil {
			return "", "", err
		}
		if err := e.accounts.SetCustomerRef(ctx, orgID, customer); err != nil {
			return "", "", err
		}
		e.logger.InfoContext(ctx, "payment customer created",
			slog.String("org_id", orgID),
		)
	}

	secret, err := e.gateway.CreateSetupIntent(ctx, customer)
	if err != nil {
		return "", "", err
	}
	return customer, secret, nil
}

// suspendProjects pauses all of the organization's projects downstream.
// Per-project failures are logged and skipped; the account state change has
// already happened and the sweep must not stall on one bad call.
func (e *Engine) suspendProjects(ctx context.Context, orgID string) {
	projects, err := e.projects.ListByOrganization(ctx, orgID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to list projects for suspension",
			slog.String("org_id", orgID),
			slog.Any("error", err),
		)
		return
	}

	for _, p := range projects {
		if err := e.lifecycle.SuspendProject(ctx, p.FlowRef); err != nil {
			e.logger.WarnContext(ctx, "project suspension failed",
				slog.String("org_id", orgID),
				slog.String("project_id", p.ID),
				slog.Any("error", err),
			)
		}
	}
}
