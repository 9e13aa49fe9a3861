package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"billcore/internal/types"
)

// ---------------------------------------------------------------------------
// Helper: Create test gateway pointed at httptest server
// ---------------------------------------------------------------------------

func newTestStripeGateway(t *testing.T, serverURL string) *StripeGateway {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-stripe",
		RetryPolicy{
			MaxRetries: 0, // No retries in tests for deterministic behavior
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"BillCore-Test/1.0",
		WithSleepFunc(noopSleep),
	)

	return NewStripeGatewayWithBase(base, StripeGatewayConfig{
		SecretKey: "sk_test_secret",
		BaseURL:   serverURL,
	})
}

// ---------------------------------------------------------------------------
// Purchase Tests
// ---------------------------------------------------------------------------

func TestPurchase_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("expected path /v1/payment_intents, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk_test_secret" {
			t.Errorf("expected Bearer sk_test_secret, got %s", auth)
		}

		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("customer"); got != "cus_123" {
			t.Errorf("expected customer cus_123, got %s", got)
		}
		if got := r.PostForm.Get("amount"); got != "19900" {
			t.Errorf("expected amount 19900 cents, got %s", got)
		}
		if got := r.PostForm.Get("off_session"); got != "true" {
			t.Errorf("expected off_session=true, got %s", got)
		}
		if got := r.PostForm.Get("metadata[plan]"); got != string(types.PlanPlus) {
			t.Errorf("expected plan metadata %s, got %s", types.PlanPlus, got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pi_abc",
			"status": "succeeded",
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	result, err := gateway.Purchase(context.Background(), "cus_123", types.PlanPlus, decimal.NewFromInt(199))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Status != types.ResultSuccess {
		t.Errorf("expected success, got %s", result.Status)
	}
	if result.ChargeRef != "pi_abc" {
		t.Errorf("expected charge ref pi_abc, got %s", result.ChargeRef)
	}
}

func TestPurchase_IncompleteIntentIsFailureResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pi_stuck",
			"status": "requires_payment_method",
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	result, err := gateway.Purchase(context.Background(), "cus_123", types.PlanBasic, decimal.NewFromInt(49))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Status != types.ResultFailure {
		t.Errorf("expected failure result, got %s", result.Status)
	}
	if result.ChargeRef != "pi_stuck" {
		t.Errorf("expected charge ref pi_stuck, got %s", result.ChargeRef)
	}
}

func TestPurchase_CardDeclined(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":         "card_error",
				"code":         "card_declined",
				"decline_code": "insufficient_funds",
				"message":      "Your card has insufficient funds.",
			},
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	_, err := gateway.Purchase(context.Background(), "cus_123", types.PlanBasic, decimal.NewFromInt(49))
	if err == nil {
		t.Fatal("expected error for declined card")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodePaymentDeclined {
		t.Errorf("expected code %s, got %s", types.ErrCodePaymentDeclined, appErr.Code)
	}
	if appErr.Details["decline_code"] != "insufficient_funds" {
		t.Errorf("expected decline_code insufficient_funds, got %v", appErr.Details["decline_code"])
	}
}

func TestPurchase_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	_, err := gateway.Purchase(context.Background(), "cus_123", types.PlanBasic, decimal.NewFromInt(49))
	if err == nil {
		t.Fatal("expected error for 500")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected code %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
}

// ---------------------------------------------------------------------------
// CreateSetupIntent Tests
// ---------------------------------------------------------------------------

func TestCreateSetupIntent_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/setup_intents" {
			t.Errorf("expected path /v1/setup_intents, got %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("usage"); got != "off_session" {
			t.Errorf("expected usage=off_session, got %s", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "seti_1",
			"client_secret": "seti_1_secret_xyz",
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	secret, err := gateway.CreateSetupIntent(context.Background(), "cus_123")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if secret != "seti_1_secret_xyz" {
		t.Errorf("expected client secret seti_1_secret_xyz, got %s", secret)
	}
}

// ---------------------------------------------------------------------------
// CreateCustomer / Refund Tests
// ---------------------------------------------------------------------------

func TestCreateCustomer_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers" {
			t.Errorf("expected path /v1/customers, got %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("metadata[organization_id]"); got != "org_1" {
			t.Errorf("expected organization metadata org_1, got %s", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"id": "cus_new"})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	ref, err := gateway.CreateCustomer(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if ref != "cus_new" {
		t.Errorf("expected customer ref cus_new, got %s", ref)
	}
}

func TestRefund_Succeeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/refunds" {
			t.Errorf("expected path /v1/refunds, got %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("payment_intent"); got != "pi_abc" {
			t.Errorf("expected payment_intent pi_abc, got %s", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "re_1",
			"status": "succeeded",
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	ok, err := gateway.Refund(context.Background(), "pi_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !ok {
		t.Error("expected refund to be accepted")
	}
}

func TestRefund_FailedStatusIsNotAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "re_1",
			"status": "failed",
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	ok, err := gateway.Refund(context.Background(), "pi_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if ok {
		t.Error("expected failed refund to be reported as not accepted")
	}
}

// ---------------------------------------------------------------------------
// DefaultCard Tests
// ---------------------------------------------------------------------------

func TestDefaultCard_ReturnsCard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_methods" {
			t.Errorf("expected path /v1/payment_methods, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("type"); got != "card" {
			t.Errorf("expected type=card, got %s", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id":   "pm_1",
					"type": "card",
					"card": map[string]any{
						"brand":     "visa",
						"last4":     "4242",
						"exp_month": 12,
						"exp_year":  2030,
					},
				},
			},
			"has_more": false,
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	card, err := gateway.DefaultCard(context.Background(), "cus_123")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if card == nil {
		t.Fatal("expected a card, got nil")
	}
	if card.Brand != "visa" || card.Last4 != "4242" {
		t.Errorf("unexpected card: %+v", card)
	}
	if card.ExpMonth != 12 || card.ExpYear != 2030 {
		t.Errorf("unexpected expiry: %+v", card)
	}
}

func TestDefaultCard_NoCardOnFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"data":     []any{},
			"has_more": false,
		})
	}))
	defer server.Close()

	gateway := newTestStripeGateway(t, server.URL)

	card, err := gateway.DefaultCard(context.Background(), "cus_123")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if card != nil {
		t.Errorf("expected nil card, got %+v", card)
	}
}
