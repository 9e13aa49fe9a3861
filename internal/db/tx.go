package db

import (
	"context"
	"log/slog"

	"billcore/internal/types"
)

// AccountLocker wraps account work in a transaction holding the account's row
// lock. Concurrent callers for the same organization queue on the lock, which
// is what serializes plan changes.
type AccountLocker struct {
	pool   TxBeginner
	logger *slog.Logger
}

// NewAccountLocker creates an AccountLocker backed by the given pool.
func NewAccountLocker(pool TxBeginner, logger *slog.Logger) *AccountLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountLocker{pool: pool, logger: logger}
}

// WithLockedAccount begins a transaction, locks the account row, and invokes
// fn with a transaction-bound repo and the locked snapshot. fn returning nil
// commits; any error rolls back and is returned to the caller.
func (l *AccountLocker) WithLockedAccount(
	ctx context.Context,
	orgID string,
	fn func(ctx context.Context, repo *AccountRepo, acct *types.BillingAccount) error,
) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(ctx)
	}()

	repo := NewAccountRepo(tx, l.logger)
	acct, err := repo.GetForUpdate(ctx, orgID)
	if err != nil {
		return err
	}

	if err := fn(ctx, repo, acct); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}

	return nil
}
