package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"billcore/internal/types"
)

// ProjectRepo provides read access to the projects table. Projects are owned
// by the control plane; the billing engine only reads them to resolve
// ownership and to enumerate sync targets.
type ProjectRepo struct {
	db DBTX
}

// NewProjectRepo creates a new ProjectRepo backed by the given database
// connection (pool or transaction).
func NewProjectRepo(db DBTX) *ProjectRepo {
	return &ProjectRepo{db: db}
}

// Get fetches a project by ID.
func (r *ProjectRepo) Get(ctx context.Context, id string) (*types.Project, error) {
	var p types.Project
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, flow_ref FROM projects WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.OrganizationID, &p.FlowRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProject, "project not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query project", err)
	}
	return &p, nil
}

// ListByOrganization returns every project owned by the organization.
func (r *ProjectRepo) ListByOrganization(ctx context.Context, orgID string) ([]types.Project, error) {
	return r.list(ctx,
		`SELECT id, organization_id, flow_ref FROM projects WHERE organization_id = $1 ORDER BY id`,
		orgID,
	)
}

// List returns every project. Used by the full contact sync, which walks all
// projects regardless of owner.
func (r *ProjectRepo) List(ctx context.Context) ([]types.Project, error) {
	return r.list(ctx,
		`SELECT id, organization_id, flow_ref FROM projects ORDER BY id`,
	)
}

func (r *ProjectRepo) list(ctx context.Context, query string, args ...any) ([]types.Project, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query projects", err)
	}
	defer rows.Close()

	var projects []types.Project
	for rows.Next() {
		var p types.Project
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.FlowRef); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan project row", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating project rows", err)
	}

	return projects, nil
}
