package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"billcore/internal/core"
	"billcore/internal/types"
)

// SyncStarter is the sync job manager surface the sync handler drives.
type SyncStarter interface {
	StartContactSync(ctx context.Context, w types.Window) (*types.SyncJob, error)
	StartContactCount(ctx context.Context, projectID string, dayStart time.Time) (*types.SyncJob, error)
	StartRetroactiveSync(ctx context.Context, projectID string) (*types.SyncJob, error)
}

// SyncJobReader reads sync job tracking rows.
type SyncJobReader interface {
	Get(ctx context.Context, id string) (*types.SyncJob, error)
}

// StartSyncRequest is the request body for POST /sync/contacts.
type StartSyncRequest struct {
	After  time.Time `json:"after" validate:"required"`
	Before time.Time `json:"before" validate:"required"`
}

// StartCountRequest is the request body for POST /projects/{projectID}/sync/count.
type StartCountRequest struct {
	Day time.Time `json:"day" validate:"required"`
}

// SyncHandler exposes manual triggers for the reconciliation tasks and read
// access to their tracking rows.
type SyncHandler struct {
	manager   SyncStarter
	jobs      SyncJobReader
	validator *core.Validator
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(manager SyncStarter, jobs SyncJobReader, v *core.Validator) *SyncHandler {
	return &SyncHandler{manager: manager, jobs: jobs, validator: v}
}

// RegisterRoutes mounts the sync endpoints.
func (h *SyncHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sync/contacts", h.StartContactSync)
	r.Get("/sync/jobs/{jobID}", h.GetJob)
	r.Post("/projects/{projectID}/sync/count", h.StartContactCount)
	r.Post("/projects/{projectID}/sync/retroactive", h.StartRetroactiveSync)
}

// StartContactSync handles POST /sync/contacts.
func (h *SyncHandler) StartContactSync(w http.ResponseWriter, r *http.Request) {
	var req StartSyncRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	job, err := h.manager.StartContactSync(r.Context(), types.Window{After: req.After, Before: req.Before})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: job})
}

// StartContactCount handles POST /projects/{projectID}/sync/count.
func (h *SyncHandler) StartContactCount(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req StartCountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	job, err := h.manager.StartContactCount(r.Context(), projectID, req.Day)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: job})
}

// StartRetroactiveSync handles POST /projects/{projectID}/sync/retroactive.
// The backfill window is derived server-side from the last successful sync.
func (h *SyncHandler) StartRetroactiveSync(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	job, err := h.manager.StartRetroactiveSync(r.Context(), projectID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: job})
}

// GetJob handles GET /sync/jobs/{jobID}.
func (h *SyncHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: job})
}
