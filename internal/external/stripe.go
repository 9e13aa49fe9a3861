package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"

	"billcore/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeGatewayConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeGatewayConfig holds the configuration for creating a StripeGateway.
type StripeGatewayConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeGateway makes direct HTTP calls to the Stripe REST API through
// BaseClient, so all requests inherit the circuit breaker, retries, and error
// mapping. Form-encoded requests keep the surface small and make testing with
// httptest straightforward.
type StripeGateway struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeGateway creates a new StripeGateway.
func NewStripeGateway(httpClient *http.Client, cfg StripeGatewayConfig) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"BillCore/1.0",
	)

	return &StripeGateway{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewStripeGatewayWithBase creates a StripeGateway with a pre-configured
// BaseClient. Useful for tests that want to control retry behavior.
func NewStripeGatewayWithBase(base *BaseClient, cfg StripeGatewayConfig) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeGateway{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// Purchase charges the customer's default payment method for the plan price.
// The charge is an off-session PaymentIntent confirmed immediately; the
// metadata ties it back to the plan for reconciliation.
func (s *StripeGateway) Purchase(
	ctx context.Context,
	customerRef string,
	plan types.PlanTier,
	price decimal.Decimal,
) (*types.PurchaseResult, error) {
	params := url.Values{}
	params.Set("customer", customerRef)
	params.Set("amount", price.Mul(decimal.NewFromInt(100)).StringFixed(0))
	params.Set("currency", "usd")
	params.Set("off_session", "true")
	params.Set("confirm", "true")
	params.Set("metadata[plan]", string(plan))

	resp, err := s.doPost(ctx, "/v1/payment_intents", params)
	if err != nil {
		return nil, s.wrapStripeError("Purchase", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "Purchase")
	}

	var intent stripePaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe payment intent response",
			err,
		)
	}

	if intent.Status != "succeeded" {
		return &types.PurchaseResult{
			Status:    types.ResultFailure,
			ChargeRef: intent.ID,
			Message:   fmt.Sprintf("payment intent in state %s", intent.Status),
		}, nil
	}

	return &types.PurchaseResult{
		Status:    types.ResultSuccess,
		ChargeRef: intent.ID,
	}, nil
}

// CreateCustomer creates a Stripe customer for the organization and returns
// its reference. The organization ID goes into metadata so support can trace
// a customer back without a database lookup.
func (s *StripeGateway) CreateCustomer(ctx context.Context, orgID string) (string, error) {
	params := url.Values{}
	params.Set("metadata[organization_id]", orgID)

	resp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return "", s.wrapStripeError("CreateCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateCustomer")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer response",
			err,
		)
	}

	return customer.ID, nil
}

// Refund reverses a charge by its payment intent reference. Returns whether
// the refund was accepted; Stripe reports "pending" for asynchronous payment
// methods, which counts as accepted.
func (s *StripeGateway) Refund(ctx context.Context, chargeRef string) (bool, error) {
	params := url.Values{}
	params.Set("payment_intent", chargeRef)

	resp, err := s.doPost(ctx, "/v1/refunds", params)
	if err != nil {
		return false, s.wrapStripeError("Refund", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, s.handleErrorResponse(resp, "Refund")
	}

	var refund stripeRefund
	if err := json.NewDecoder(resp.Body).Decode(&refund); err != nil {
		return false, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe refund response",
			err,
		)
	}

	return refund.Status == "succeeded" || refund.Status == "pending", nil
}

// CreateSetupIntent creates a SetupIntent so the dashboard can collect a new
// payment method for the customer. Returns the client secret.
func (s *StripeGateway) CreateSetupIntent(ctx context.Context, customerRef string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerRef)
	params.Set("usage", "off_session")

	resp, err := s.doPost(ctx, "/v1/setup_intents", params)
	if err != nil {
		return "", s.wrapStripeError("CreateSetupIntent", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreateSetupIntent")
	}

	var intent stripeSetupIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe setup intent response",
			err,
		)
	}

	return intent.ClientSecret, nil
}

// DefaultCard returns the customer's default card, or nil if the customer has
// no card on file.
func (s *StripeGateway) DefaultCard(ctx context.Context, customerRef string) (*types.CardSummary, error) {
	params := url.Values{}
	params.Set("customer", customerRef)
	params.Set("type", "card")
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/payment_methods", params)
	if err != nil {
		return nil, s.wrapStripeError("DefaultCard", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "DefaultCard")
	}

	var list stripePaymentMethodList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe payment methods response",
			err,
		)
	}

	if len(list.Data) == 0 || list.Data[0].Card == nil {
		return nil, nil
	}

	card := list.Data[0].Card
	return &types.CardSummary{
		Brand:    card.Brand,
		Last4:    card.Last4,
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
	}, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeGateway) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with form-encoded body.
func (s *StripeGateway) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeGateway) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by Stripe.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to an AppError.
func (s *StripeGateway) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeGateway) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeGateway) wrapStripeError(operation string, err error) error {
	// BaseClient errors already carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripePaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeCustomer struct {
	ID string `json:"id"`
}

type stripeRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeSetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type stripePaymentMethod struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Card *stripeCardInfo `json:"card"`
}

type stripeCardInfo struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

type stripePaymentMethodList struct {
	Data    []stripePaymentMethod `json:"data"`
	HasMore bool                  `json:"has_more"`
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier validates webhook payloads using stripe-go's signature
// verification, which checks the HMAC signature and timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
