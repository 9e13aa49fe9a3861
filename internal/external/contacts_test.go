package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"billcore/internal/types"
)

func newTestContactStore(t *testing.T, serverURL string, pageSize int) *ContactStoreClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-contact-store",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"BillCore-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewContactStoreClientWithBase(base, ContactStoreConfig{
		BaseURL:  serverURL,
		Token:    "cs_token",
		PageSize: pageSize,
	})
}

var contactWindow = types.Window{
	After:  time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC),
	Before: time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
}

func TestCountActive_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/contacts/active/count" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("project"); got != "flow_1" {
			t.Errorf("expected project flow_1, got %s", got)
		}
		if got := r.URL.Query().Get("after"); got != "2026-08-14T00:00:00Z" {
			t.Errorf("unexpected after: %s", got)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer cs_token" {
			t.Errorf("unexpected auth header: %s", auth)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]int{"count": 42})
	}))
	defer server.Close()

	client := newTestContactStore(t, server.URL, 0)

	count, err := client.CountActive(context.Background(), "flow_1", contactWindow)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if count != 42 {
		t.Errorf("expected count 42, got %d", count)
	}
}

func TestCountActive_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestContactStore(t, server.URL, 0)

	_, err := client.CountActive(context.Background(), "flow_1", contactWindow)
	if err == nil {
		t.Fatal("expected error for 502")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected code %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
}

func TestActiveContacts_PagesThroughCursor(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/contacts/active" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		switch r.URL.Query().Get("cursor") {
		case "":
			if got := r.URL.Query().Get("page_size"); got != "2" {
				t.Errorf("expected page_size 2, got %s", got)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"uuid": "c1", "last_seen_on": "2026-08-14T03:00:00Z"},
					{"uuid": "c2", "last_seen_on": "2026-08-14T09:00:00Z"},
				},
				"next": server.URL + "/v1/contacts/active?cursor=2",
			})
		case "2":
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"uuid": "c3", "last_seen_on": "2026-08-14T21:00:00Z"},
				},
				"next": "",
			})
		default:
			t.Errorf("unexpected cursor: %s", r.URL.Query().Get("cursor"))
		}
	}))
	defer server.Close()

	client := newTestContactStore(t, server.URL, 2)

	var pages [][]types.Contact
	err := client.ActiveContacts(context.Background(), "flow_1", contactWindow, func(contacts []types.Contact) error {
		pages = append(pages, contacts)
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if len(pages[0]) != 2 || pages[0][0].FlowUUID != "c1" {
		t.Errorf("unexpected first page: %+v", pages[0])
	}
	if len(pages[1]) != 1 || pages[1][0].FlowUUID != "c3" {
		t.Errorf("unexpected second page: %+v", pages[1])
	}
}

func TestActiveContacts_CallbackErrorStopsWalk(t *testing.T) {
	var callCount atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"uuid": "c1", "last_seen_on": "2026-08-14T03:00:00Z"},
			},
			"next": server.URL + "/v1/contacts/active?cursor=2",
		})
	}))
	defer server.Close()

	client := newTestContactStore(t, server.URL, 0)

	wantErr := fmt.Errorf("stop here")
	err := client.ActiveContacts(context.Background(), "flow_1", contactWindow, func([]types.Contact) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error to propagate, got: %v", err)
	}
	if got := callCount.Load(); got != 1 {
		t.Errorf("expected walk to stop after 1 page, got %d", got)
	}
}
