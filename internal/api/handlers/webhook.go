// Stripe webhook handler. This endpoint is NOT behind auth middleware -- it
// is called directly by the payment provider. Security comes from verifying
// the Stripe-Signature header (HMAC-SHA256 with timestamp tolerance).
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billcore/internal/core"
	"billcore/internal/types"
)

// maxWebhookBodySize caps the webhook payload at 64 KB. Stripe payloads are
// small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Handled event types.
const (
	eventInvoicePaymentFailed = "invoice.payment_failed"
	eventInvoicePaid          = "invoice.paid"
)

// WebhookVerifier validates the provider signature on a webhook payload.
// Implemented by external.StripeVerifier.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// CaptureProblemFlagger records invoice capture state on the account owning
// a payment customer. The invoice-problem sweep consumes the flag.
type CaptureProblemFlagger interface {
	SetCaptureProblemByCustomer(ctx context.Context, customerRef string, flag bool) error
}

// StripeWebhookHandler handles asynchronous events from the payment provider.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	accounts CaptureProblemFlagger
	secret   string
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(verifier WebhookVerifier, accounts CaptureProblemFlagger, secret string, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		accounts: accounts,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the billing
// routes because webhook routes are public (no auth middleware).
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming webhook events:
//  1. Reads the body and the Stripe-Signature header.
//  2. Verifies the signature against the signing secret.
//  3. Parses the event JSON and routes by type.
//  4. Returns 200 even when internal processing fails, so the provider does
//     not retry forever; the failure is logged for investigation.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent dispatches the event by type. Unhandled types are acknowledged
// and ignored.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case eventInvoicePaymentFailed:
		return h.flagCaptureProblem(ctx, event, true)
	case eventInvoicePaid:
		return h.flagCaptureProblem(ctx, event, false)
	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// flagCaptureProblem sets or clears the capture problem marker for the
// account owning the event's customer.
func (h *StripeWebhookHandler) flagCaptureProblem(ctx context.Context, event *stripeWebhookEvent, flag bool) error {
	customer := event.extractCustomer()
	if customer == "" {
		return fmt.Errorf("%s: missing customer in event %s", event.Type, event.ID)
	}

	if err := h.accounts.SetCaptureProblemByCustomer(ctx, customer, flag); err != nil {
		return fmt.Errorf("SetCaptureProblemByCustomer: %w", err)
	}

	h.logger.InfoContext(ctx, "capture problem flag updated",
		"event_id", event.ID,
		"customer", customer,
		"flag", flag,
	)
	return nil
}

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a provider webhook event,
// just enough to route and extract the customer. The full stripe.Event type
// is deliberately not imported here to keep the handler easy to test.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeInvoiceObj struct {
	Customer string `json:"customer"`
}

// extractCustomer pulls the customer reference out of an invoice event.
func (e *stripeWebhookEvent) extractCustomer() string {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}

	var invoice stripeInvoiceObj
	if err := json.Unmarshal(data.Object, &invoice); err != nil {
		return ""
	}

	return invoice.Customer
}
