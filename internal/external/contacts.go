package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"billcore/internal/types"
)

// ContactStoreConfig holds the configuration for the contact store client.
type ContactStoreConfig struct {
	BaseURL  string
	Token    string
	PageSize int
	Logger   *slog.Logger
}

// ContactStoreClient reads active-contact data from the external contact
// store. Sync workers use it to page through contacts seen inside a window
// and to fetch authoritative per-day counts.
type ContactStoreClient struct {
	base     *BaseClient
	baseURL  string
	token    string
	pageSize int
	logger   *slog.Logger
}

// NewContactStoreClient creates a new ContactStoreClient.
func NewContactStoreClient(httpClient *http.Client, cfg ContactStoreConfig) *ContactStoreClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 250
	}

	base := NewBaseClient(
		httpClient,
		"contact-store",
		DefaultRetryPolicy(),
		"BillCore/1.0",
	)

	return &ContactStoreClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.Token,
		pageSize: pageSize,
		logger:   logger,
	}
}

// NewContactStoreClientWithBase creates a ContactStoreClient with a
// pre-configured BaseClient.
func NewContactStoreClientWithBase(base *BaseClient, cfg ContactStoreConfig) *ContactStoreClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 250
	}
	return &ContactStoreClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.Token,
		pageSize: pageSize,
		logger:   logger,
	}
}

// contactPage is one page of the contact store's cursor-paginated response.
type contactPage struct {
	Results []types.Contact `json:"results"`
	Next    string          `json:"next"`
}

// ActiveContacts pages through every contact of the project that was active
// inside the window and invokes fn for each page. fn returning an error stops
// the walk.
func (c *ContactStoreClient) ActiveContacts(
	ctx context.Context,
	flowRef string,
	w types.Window,
	fn func(contacts []types.Contact) error,
) error {
	params := url.Values{}
	params.Set("project", flowRef)
	params.Set("after", w.After.UTC().Format(time.RFC3339))
	params.Set("before", w.Before.UTC().Format(time.RFC3339))
	params.Set("page_size", strconv.Itoa(c.pageSize))

	next := c.baseURL + "/v1/contacts/active?" + params.Encode()
	for next != "" {
		page, err := c.fetchPage(ctx, next)
		if err != nil {
			return err
		}
		if len(page.Results) > 0 {
			if err := fn(page.Results); err != nil {
				return err
			}
		}
		next = page.Next
	}

	return nil
}

// CountActive returns the authoritative number of contacts active for the
// project inside the window.
func (c *ContactStoreClient) CountActive(ctx context.Context, flowRef string, w types.Window) (int, error) {
	params := url.Values{}
	params.Set("project", flowRef)
	params.Set("after", w.After.UTC().Format(time.RFC3339))
	params.Set("before", w.Before.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/contacts/active/count?"+params.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return 0, err
		}
		return 0, types.NewAppError(types.ErrCodeUpstreamContacts, "contact count request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, types.NewAppError(
			types.ErrCodeUpstreamContacts,
			fmt.Sprintf("contact store returned %d for count", resp.StatusCode),
			nil,
		)
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, types.NewAppError(
			types.ErrCodeUpstreamContacts,
			"failed to decode contact count response",
			err,
		)
	}

	return body.Count, nil
}

func (c *ContactStoreClient) fetchPage(ctx context.Context, pageURL string) (*contactPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.base.Do(req)
	if err != nil {
		if _, ok := err.(*types.AppError); ok {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamContacts, "contact page request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamContacts,
			fmt.Sprintf("contact store returned %d", resp.StatusCode),
			nil,
		)
	}

	var page contactPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamContacts,
			"failed to decode contact page response",
			err,
		)
	}

	return &page, nil
}
