package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"billcore/internal/types"
)

// LifecycleClientConfig holds the configuration for the project lifecycle
// client.
type LifecycleClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// LifecycleClient notifies the downstream flow service when an organization's
// billing state changes, so its projects are paused or resumed in step with
// the account. Calls go through BaseClient for retries and circuit breaking.
type LifecycleClient struct {
	base    *BaseClient
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewLifecycleClient creates a new LifecycleClient.
func NewLifecycleClient(httpClient *http.Client, cfg LifecycleClientConfig) *LifecycleClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"lifecycle",
		DefaultRetryPolicy(),
		"BillCore/1.0",
	)

	return &LifecycleClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
	}
}

// NewLifecycleClientWithBase creates a LifecycleClient with a pre-configured
// BaseClient.
func NewLifecycleClientWithBase(base *BaseClient, cfg LifecycleClientConfig) *LifecycleClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger,
	}
}

// SuspendProject pauses the project's flows downstream.
func (c *LifecycleClient) SuspendProject(ctx context.Context, flowRef string) error {
	return c.post(ctx, fmt.Sprintf("/v1/projects/%s/suspend", flowRef), nil)
}

// ReactivateProject resumes the project's flows downstream.
func (c *LifecycleClient) ReactivateProject(ctx context.Context, flowRef string) error {
	return c.post(ctx, fmt.Sprintf("/v1/projects/%s/activate", flowRef), nil)
}

// NotifyPlanChanged tells the flow service an organization moved to a new
// plan, so feature gates can be recomputed.
func (c *LifecycleClient) NotifyPlanChanged(ctx context.Context, orgID string, plan types.PlanTier) error {
	body := map[string]string{
		"organization_id": orgID,
		"plan":            string(plan),
	}
	return c.post(ctx, "/v1/organizations/plan-changed", body)
}

// NotifyPermissionChanged tells the flow service a user's role on a project
// changed, so its own access checks stay in step with the control plane.
func (c *LifecycleClient) NotifyPermissionChanged(ctx context.Context, flowRef, userRef, role string) error {
	body := map[string]string{
		"user": userRef,
		"role": role,
	}
	return c.post(ctx, fmt.Sprintf("/v1/projects/%s/permissions", flowRef), body)
}

func (c *LifecycleClient) post(ctx context.Context, path string, body any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal lifecycle request", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return err
		}
		return types.NewAppError(types.ErrCodeUpstreamLifecycle, "lifecycle request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return types.NewAppError(
			types.ErrCodeUpstreamLifecycle,
			fmt.Sprintf("lifecycle service returned %d for %s", resp.StatusCode, path),
			nil,
		)
	}

	return nil
}
