package types

import (
	"time"
)

// BillingAccount is the per-organization billing state record (1:1 with the
// organization that owns it; deleted only by the owning organization's cascade).
//
// Invariants maintained by the billing engine and repositories:
//   - Status == AccountTrial implies Plan == PlanTrial and TrialEndDate in the future.
//   - IsActive == false implies Status == AccountSuspended.
//   - A plan change to a paid tier requires a non-nil PaymentCustomerRef.
type BillingAccount struct {
	OrganizationID     string        `json:"organization_id"`
	Plan               PlanTier      `json:"plan"`
	Cycle              BillingCycle  `json:"cycle"`
	Status             AccountStatus `json:"status"`
	TrialEndDate       *time.Time    `json:"trial_end_date,omitempty"`
	PaymentCustomerRef *string       `json:"payment_customer_ref,omitempty"`
	IsActive           bool          `json:"is_active"`
	// CaptureProblem is set by the payment-provider webhook when an invoice
	// capture fails for the account. The invoice-problem sweep reads it.
	CaptureProblem bool      `json:"capture_problem"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TrialExpired reports whether the account is a trial whose end date has passed.
func (a *BillingAccount) TrialExpired(now time.Time) bool {
	return a.Status == AccountTrial && a.TrialEndDate != nil && a.TrialEndDate.Before(now)
}

// CustomerRef returns the stored payment customer reference, or "" if none.
func (a *BillingAccount) CustomerRef() string {
	if a.PaymentCustomerRef == nil {
		return ""
	}
	return *a.PaymentCustomerRef
}

// Project is the minimal projection of a control-plane project that the
// billing engine needs: its owning organization and the reference the
// downstream flow service knows it by. There are no back-pointers; aggregates
// like "all projects of an org" are computed by explicit repository queries.
type Project struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	FlowRef        string `json:"flow_ref"`
}

// UsageRecord holds the active-contact count for one (project, calendar day)
// pair. Created lazily on the first count event of the day and mutated only by
// atomic increment; the count never goes below zero.
type UsageRecord struct {
	ProjectID    string    `json:"project_id"`
	Date         time.Time `json:"date"`
	ContactCount int       `json:"contact_count"`
}

// Window is a half-open time range [After, Before) used by sync jobs and
// usage queries.
type Window struct {
	After  time.Time `json:"after"`
	Before time.Time `json:"before"`
}

// Validate returns an AppError unless After < Before.
func (w Window) Validate() error {
	if !w.After.Before(w.Before) {
		return NewAppError(
			ErrCodeValidationInvalidWindow,
			"window after must be earlier than before",
			nil,
		)
	}
	return nil
}

// SyncJob tracks one asynchronous reconciliation attempt.
//
// Invariants:
//   - FinishedAt is set iff Status != JobPending.
//   - Retried transitions false -> true exactly once and is never reset, which
//     bounds every failed job to at most one automatic retry.
type SyncJob struct {
	ID              string        `json:"id"`
	JobType         SyncJobType   `json:"job_type"`
	After           time.Time     `json:"after"`
	Before          time.Time     `json:"before"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	Status          SyncJobStatus `json:"status"`
	Retried         bool          `json:"retried"`
	FailureMessages []string      `json:"failure_messages,omitempty"`
}

// Window returns the job's reconciliation window.
func (j *SyncJob) Window() Window {
	return Window{After: j.After, Before: j.Before}
}

// PlanLimits describes what a plan tier allows. MaxContacts == 0 means
// unlimited (enterprise); enforcement code must treat 0 as no limit.
type PlanLimits struct {
	MaxContacts int      `json:"max_contacts"`
	Features    []string `json:"features"`
}

// CardSummary is the redacted card description returned by the payment gateway.
type CardSummary struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// PurchaseResult is the gateway outcome for a charge attempt.
type PurchaseResult struct {
	Status    ResultStatus `json:"status"`
	ChargeRef string       `json:"charge_ref,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// PlanChangeResult is the structured outcome of a plan upgrade/downgrade.
// The engine facade never raises: gateway and validation failures surface
// here with Status == ResultFailure and a Code the API layer maps to an HTTP
// status (200 success, 400 invalid plan, 304 empty customer, 500 gateway).
type PlanChangeResult struct {
	Status  ResultStatus `json:"status"`
	OldPlan PlanTier     `json:"old_plan,omitempty"`
	Plan    PlanTier     `json:"plan,omitempty"`
	Message string       `json:"message,omitempty"`
	Code    ErrorCode    `json:"-"`
}

// Contact is one active-contact record streamed from the external contact
// store during sync pagination. Contacts are keyed by the external flow
// identifier, which makes record-level upserts idempotent under at-least-once
// redelivery.
type Contact struct {
	FlowUUID   string    `json:"uuid"`
	Name       string    `json:"name"`
	LastSeenOn time.Time `json:"last_seen_on"`
}

// EndOfDay returns the last instant of t's calendar day in UTC.
// Trial end dates anchor to end of day so a trial started any time on day D
// expires after the whole of day D+1month.
func EndOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
}
