package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"billcore/internal/core"
	"billcore/internal/types"
)

// UsageService is the metering surface the usage handler drives.
type UsageService interface {
	RecordUsage(ctx context.Context, projectID string, at time.Time, delta int) (int, error)
	ProjectUsage(ctx context.Context, projectID string, w types.Window) ([]types.UsageRecord, error)
	OrgUsage(ctx context.Context, orgID string, w types.Window) (int, error)
}

// UsageEventRequest is the request body for POST /projects/{projectID}/usage/events.
// At defaults to now when omitted.
type UsageEventRequest struct {
	Delta int        `json:"delta" validate:"required"`
	At    *time.Time `json:"at"`
}

// UsageEventResponse echoes the count after the delta was applied.
type UsageEventResponse struct {
	ProjectID    string `json:"project_id"`
	ContactCount int    `json:"contact_count"`
}

// OrgUsageResponse is the response for GET /organizations/{orgID}/usage.
type OrgUsageResponse struct {
	OrganizationID string       `json:"organization_id"`
	Window         types.Window `json:"window"`
	ContactCount   int          `json:"contact_count"`
}

// UsageHandler serves usage recording and reporting endpoints.
type UsageHandler struct {
	usage     UsageService
	validator *core.Validator
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(usage UsageService, v *core.Validator) *UsageHandler {
	return &UsageHandler{usage: usage, validator: v}
}

// RegisterRoutes mounts the usage endpoints.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/projects/{projectID}/usage/events", h.RecordEvent)
	r.Get("/projects/{projectID}/usage", h.ProjectUsage)
	r.Get("/organizations/{orgID}/usage", h.OrgUsage)
}

// RecordEvent handles POST /projects/{projectID}/usage/events.
func (h *UsageHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req UsageEventRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	at := time.Time{}
	if req.At != nil {
		at = *req.At
	}

	count, err := h.usage.RecordUsage(r.Context(), projectID, at, req.Delta)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: UsageEventResponse{
		ProjectID:    projectID,
		ContactCount: count,
	}})
}

// ProjectUsage handles GET /projects/{projectID}/usage?after=...&before=...
func (h *UsageHandler) ProjectUsage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	window, err := parseWindow(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	records, err := h.usage.ProjectUsage(r.Context(), projectID, window)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: records})
}

// OrgUsage handles GET /organizations/{orgID}/usage?after=...&before=...
func (h *UsageHandler) OrgUsage(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	window, err := parseWindow(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	total, err := h.usage.OrgUsage(r.Context(), orgID, window)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: OrgUsageResponse{
		OrganizationID: orgID,
		Window:         window,
		ContactCount:   total,
	}})
}

// parseWindow reads the after/before query parameters. Missing values default
// to the last 30 days ending now.
func parseWindow(r *http.Request) (types.Window, error) {
	now := time.Now().UTC()
	w := types.Window{After: now.AddDate(0, 0, -30), Before: now}

	if raw := r.URL.Query().Get("after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return types.Window{}, types.NewAppError(
				types.ErrCodeValidationInvalidWindow,
				"after must be RFC3339",
				err,
			)
		}
		w.After = t
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return types.Window{}, types.NewAppError(
				types.ErrCodeValidationInvalidWindow,
				"before must be RFC3339",
				err,
			)
		}
		w.Before = t
	}

	if err := w.Validate(); err != nil {
		return types.Window{}, err
	}
	return w, nil
}
