package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"billcore/internal/types"
)

// accountColumns is the canonical select list for billing_accounts rows,
// matching the scan order in scanAccount.
const accountColumns = `organization_id, plan, cycle, status, trial_end_date,
	payment_customer_ref, is_active, capture_problem, created_at, updated_at`

// AccountRepo provides data access for the billing_accounts table.
//
// Key invariants:
//   - EndTrial and Reactivate use conditional UPDATEs and check rows affected,
//     so concurrent state transitions resolve to exactly one winner.
//   - ClaimExpiredTrials transitions rows inside the claiming statement
//     (UPDATE ... RETURNING), so two sweeper instances never suspend the same
//     trial twice.
type AccountRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewAccountRepo creates a new AccountRepo backed by the given database
// connection (pool or transaction).
func NewAccountRepo(db DBTX, logger *slog.Logger) *AccountRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountRepo{db: db, logger: logger}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *AccountRepo) WithTx(tx DBTX) *AccountRepo {
	return &AccountRepo{db: tx, logger: r.logger}
}

// Create inserts a new trial account for the organization. The trial end date
// is anchored to end of day so a signup any time on day D expires after the
// whole of the corresponding day one cycle later.
func (r *AccountRepo) Create(ctx context.Context, orgID string, trialEnd time.Time) (*types.BillingAccount, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO billing_accounts
		   (organization_id, plan, cycle, status, trial_end_date, is_active, capture_problem, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, NOW(), NOW())
		 RETURNING `+accountColumns,
		orgID, types.PlanTrial, types.CycleMonthly, types.AccountTrial, trialEnd,
	)
	return scanAccount(row)
}

// Get fetches the account for the organization.
func (r *AccountRepo) Get(ctx context.Context, orgID string) (*types.BillingAccount, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM billing_accounts WHERE organization_id = $1`,
		orgID,
	)
	return scanAccount(row)
}

// GetForUpdate fetches the account under a row lock. Must be called on a repo
// bound to a transaction; the lock serializes concurrent plan changes for the
// same organization.
func (r *AccountRepo) GetForUpdate(ctx context.Context, orgID string) (*types.BillingAccount, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM billing_accounts WHERE organization_id = $1 FOR UPDATE`,
		orgID,
	)
	return scanAccount(row)
}

// CommitPlanChange applies a successful plan purchase: the account becomes
// active on the new plan, the trial window is cleared, and any pending invoice
// capture flag is reset.
func (r *AccountRepo) CommitPlanChange(ctx context.Context, orgID string, plan types.PlanTier, cycle types.BillingCycle) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_accounts
		 SET plan = $1,
		     cycle = $2,
		     status = $3,
		     trial_end_date = NULL,
		     is_active = TRUE,
		     capture_problem = FALSE,
		     updated_at = NOW()
		 WHERE organization_id = $4`,
		plan, cycle, types.AccountActive, orgID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit plan change", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "billing account not found", nil)
	}
	return nil
}

// SetCustomerRef stores the payment gateway customer reference.
func (r *AccountRepo) SetCustomerRef(ctx context.Context, orgID, ref string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_accounts
		 SET payment_customer_ref = $1, updated_at = NOW()
		 WHERE organization_id = $2`,
		ref, orgID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set customer reference", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "billing account not found", nil)
	}
	return nil
}

// EndTrial moves a trial account to suspended. The WHERE clause restricts the
// transition to accounts still on trial; rows affected distinguishes "not on
// trial" from success, so repeated calls are safe.
func (r *AccountRepo) EndTrial(ctx context.Context, orgID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_accounts
		 SET status = $1,
		     is_active = FALSE,
		     trial_end_date = NOW(),
		     updated_at = NOW()
		 WHERE organization_id = $2
		   AND status = $3`,
		types.AccountSuspended, orgID, types.AccountTrial,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to end trial", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeBillingNotOnTrial, "account is not on trial", nil)
	}
	return nil
}

// ClaimExpiredTrials atomically suspends up to limit trial accounts whose end
// date has passed and returns the affected organization IDs. The transition
// happens inside the claiming statement, so concurrent sweepers partition the
// work instead of double-processing it.
func (r *AccountRepo) ClaimExpiredTrials(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE billing_accounts
		 SET status = $1,
		     is_active = FALSE,
		     updated_at = NOW()
		 WHERE organization_id IN (
		   SELECT organization_id FROM billing_accounts
		   WHERE status = $2
		     AND trial_end_date < $3
		   ORDER BY trial_end_date
		   LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING organization_id`,
		types.AccountSuspended, types.AccountTrial, now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim expired trials", err)
	}
	defer rows.Close()

	var orgIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed trial row", err)
		}
		orgIDs = append(orgIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed trial rows", err)
	}

	return orgIDs, nil
}

// ListCaptureProblems returns active accounts flagged by the payment provider
// webhook as having a failed invoice capture.
func (r *AccountRepo) ListCaptureProblems(ctx context.Context, limit int) ([]types.BillingAccount, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+accountColumns+`
		 FROM billing_accounts
		 WHERE capture_problem = TRUE
		   AND status = $1
		 ORDER BY updated_at
		 LIMIT $2`,
		types.AccountActive, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list capture problems", err)
	}
	defer rows.Close()

	var accounts []types.BillingAccount
	for rows.Next() {
		acct, err := scanAccountFromRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating capture problem rows", err)
	}

	return accounts, nil
}

// Suspend deactivates an account. Used by the invoice-problem sweep.
func (r *AccountRepo) Suspend(ctx context.Context, orgID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_accounts
		 SET status = $1,
		     is_active = FALSE,
		     updated_at = NOW()
		 WHERE organization_id = $2
		   AND status = $3`,
		types.AccountSuspended, orgID, types.AccountActive,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to suspend account", err)
	}
	if tag.RowsAffected() == 0 {
		// Already suspended or gone; the sweep treats this as done.
		r.logger.InfoContext(ctx, "suspend skipped, account not active",
			slog.String("org_id", orgID),
		)
	}
	return nil
}

// Reactivate moves a suspended account back to active.
func (r *AccountRepo) Reactivate(ctx context.Context, orgID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_accounts
		 SET status = $1,
		     is_active = TRUE,
		     capture_problem = FALSE,
		     updated_at = NOW()
		 WHERE organization_id = $2
		   AND status = $3`,
		types.AccountActive, orgID, types.AccountSuspended,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reactivate account", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "account is not suspended", nil)
	}
	return nil
}

// SetCaptureProblemByCustomer flags (or clears) the capture problem marker for
// the account owning the given payment customer reference. Called from the
// payment provider webhook, which only knows the customer ref.
func (r *AccountRepo) SetCaptureProblemByCustomer(ctx context.Context, customerRef string, flag bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_accounts
		 SET capture_problem = $1, updated_at = NOW()
		 WHERE payment_customer_ref = $2`,
		flag, customerRef,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set capture problem flag", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "no account for payment customer", nil)
	}
	return nil
}

// scanAccount scans one billing account row in accountColumns order.
func scanAccount(row pgx.Row) (*types.BillingAccount, error) {
	var a types.BillingAccount
	err := row.Scan(
		&a.OrganizationID,
		&a.Plan,
		&a.Cycle,
		&a.Status,
		&a.TrialEndDate,
		&a.PaymentCustomerRef,
		&a.IsActive,
		&a.CaptureProblem,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "billing account not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing account", err)
	}
	return &a, nil
}

// scanAccountFromRows scans the current row of a multi-row result set.
func scanAccountFromRows(rows pgx.Rows) (*types.BillingAccount, error) {
	var a types.BillingAccount
	err := rows.Scan(
		&a.OrganizationID,
		&a.Plan,
		&a.Cycle,
		&a.Status,
		&a.TrialEndDate,
		&a.PaymentCustomerRef,
		&a.IsActive,
		&a.CaptureProblem,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing account row", err)
	}
	return &a, nil
}
