package types

// PlanTier identifies the billing plan for an organization.
type PlanTier string

const (
	PlanTrial      PlanTier = "trial"
	PlanBasic      PlanTier = "basic"
	PlanPlus       PlanTier = "plus"
	PlanPremium    PlanTier = "premium"
	PlanEnterprise PlanTier = "enterprise"
)

// AllPlanTiers is the closed set of valid plan tiers. Used by validators and
// the plan catalog; any tier outside this set is rejected.
var AllPlanTiers = []PlanTier{
	PlanTrial,
	PlanBasic,
	PlanPlus,
	PlanPremium,
	PlanEnterprise,
}

// IsPaid reports whether the tier requires a payment method.
// The trial tier is the only free tier.
func (p PlanTier) IsPaid() bool {
	return p != PlanTrial && p != ""
}

// BillingCycle defines how often an account is invoiced.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// AccountStatus represents the lifecycle state of a billing account.
//
// Transitions: trial -> active (paid purchase), trial -> suspended (trial
// expiry), active -> suspended (payment/capture failure), suspended -> active
// (reactivation with a valid payment method). No terminal state.
type AccountStatus string

const (
	AccountTrial     AccountStatus = "trial"
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// SyncJobType identifies the kind of reconciliation work a SyncJob tracks.
type SyncJobType string

const (
	JobSyncContacts    SyncJobType = "sync_contacts"
	JobCountContacts   SyncJobType = "count_contacts"
	JobRetroactiveSync SyncJobType = "retroactive_sync"
)

// SyncJobStatus is the completion state of a SyncJob.
type SyncJobStatus string

const (
	JobPending   SyncJobStatus = "pending"
	JobSucceeded SyncJobStatus = "succeeded"
	JobFailed    SyncJobStatus = "failed"
)

// ResultStatus is the outcome marker carried by structured operation results.
// Account-mutating operations never raise past the engine facade; callers
// always receive a result tagged with one of these.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
)
