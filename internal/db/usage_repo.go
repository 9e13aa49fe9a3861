package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billcore/internal/types"
)

// UsageRepo provides data access for the usage_records table.
//
// The table has a composite primary key (project_id, date). Counts are only
// mutated through IncrementContactCount and SetContactCount; the increment
// clamps at zero inside the statement, so no interleaving of concurrent
// deltas can ever drive a stored count negative.
type UsageRepo struct {
	db DBTX
}

// NewUsageRepo creates a new UsageRepo backed by the given database
// connection (pool or transaction).
func NewUsageRepo(db DBTX) *UsageRepo {
	return &UsageRepo{db: db}
}

// IncrementContactCount applies a signed delta to the (project, day) count,
// creating the row on first touch. The whole read-modify-write happens inside
// one upsert, and GREATEST clamps the result at zero. Returns the count after
// the update.
func (r *UsageRepo) IncrementContactCount(ctx context.Context, projectID string, day time.Time, delta int) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (project_id, date, contact_count)
		 VALUES ($1, $2, GREATEST(0, $3))
		 ON CONFLICT (project_id, date)
		 DO UPDATE SET contact_count = GREATEST(0, usage_records.contact_count + $3)
		 RETURNING contact_count`,
		projectID, day, delta,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment contact count", err)
	}
	return count, nil
}

// SetContactCount overwrites the (project, day) count with an authoritative
// value from a recount job. Negative inputs are clamped to zero.
func (r *UsageRepo) SetContactCount(ctx context.Context, projectID string, day time.Time, count int) error {
	if count < 0 {
		count = 0
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_records (project_id, date, contact_count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, date)
		 DO UPDATE SET contact_count = $3`,
		projectID, day, count,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set contact count", err)
	}
	return nil
}

// GetDay fetches the usage record for one (project, day) pair. A missing row
// reads as a zero count, matching the lazy-creation model.
func (r *UsageRepo) GetDay(ctx context.Context, projectID string, day time.Time) (*types.UsageRecord, error) {
	var rec types.UsageRecord
	err := r.db.QueryRow(ctx,
		`SELECT project_id, date, contact_count
		 FROM usage_records
		 WHERE project_id = $1 AND date = $2`,
		projectID, day,
	).Scan(&rec.ProjectID, &rec.Date, &rec.ContactCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &types.UsageRecord{ProjectID: projectID, Date: day}, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage record", err)
	}
	return &rec, nil
}

// ListForProject returns the daily records for a project inside the window,
// oldest first.
func (r *UsageRepo) ListForProject(ctx context.Context, projectID string, w types.Window) ([]types.UsageRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT project_id, date, contact_count
		 FROM usage_records
		 WHERE project_id = $1
		   AND date >= $2
		   AND date < $3
		 ORDER BY date ASC`,
		projectID, w.After, w.Before,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query usage records", err)
	}
	defer rows.Close()

	var records []types.UsageRecord
	for rows.Next() {
		var rec types.UsageRecord
		if err := rows.Scan(&rec.ProjectID, &rec.Date, &rec.ContactCount); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage record row", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating usage record rows", err)
	}

	return records, nil
}

// OrgTotal sums the contact counts of every project owned by the organization
// inside the window. Organizations have no usage rows of their own; the
// aggregate is always computed from project rows.
func (r *UsageRepo) OrgTotal(ctx context.Context, orgID string, w types.Window) (int, error) {
	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(u.contact_count), 0)
		 FROM usage_records u
		 JOIN projects p ON p.id = u.project_id
		 WHERE p.organization_id = $1
		   AND u.date >= $2
		   AND u.date < $3`,
		orgID, w.After, w.Before,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum organization usage", err)
	}
	return total, nil
}
