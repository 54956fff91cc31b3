package subscriptions

import (
	"context"
	"fmt"
	"time"
)

// TierType identifies a subscription tier
type TierType string

const (
	TierFree    TierType = "free"
	TierPremium TierType = "premium"
	TierPro     TierType = "pro"
)

// tierOrder defines the upgrade ordering of tiers
var tierOrder = map[TierType]int{
	TierFree:    0,
	TierPremium: 1,
	TierPro:     2,
}

// Ordinal returns the position of the tier in the upgrade ordering,
// or -1 for unknown tiers.
func (t TierType) Ordinal() int {
	if ord, ok := tierOrder[t]; ok {
		return ord
	}
	return -1
}

// Valid reports whether the tier is one of the known tiers
func (t TierType) Valid() bool {
	_, ok := tierOrder[t]
	return ok
}

// AllTiers returns the known tiers in upgrade order
func AllTiers() []TierType {
	return []TierType{TierFree, TierPremium, TierPro}
}

// Period represents a usage accounting window
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// RuleKind discriminates the feature rule variants
type RuleKind string

const (
	RuleBoolean RuleKind = "boolean"
	RuleLimited RuleKind = "limited"
)

// FeatureRule describes how a tier grants a feature. A boolean rule is a
// plain on/off switch. A limited rule grants the feature up to Limit uses
// per Period; Limit 0 means unlimited, never "zero allowed".
type FeatureRule struct {
	Kind    RuleKind `json:"kind" yaml:"kind"`
	Enabled bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Limit   int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Period  Period   `json:"period,omitempty" yaml:"period,omitempty"`
}

// BooleanRule builds an on/off feature rule
func BooleanRule(enabled bool) FeatureRule {
	return FeatureRule{Kind: RuleBoolean, Enabled: enabled}
}

// LimitedRule builds a usage-limited feature rule. Limit 0 means unlimited.
func LimitedRule(limit int, period Period) FeatureRule {
	return FeatureRule{Kind: RuleLimited, Limit: limit, Period: period}
}

// Unlimited reports whether the rule imposes no usage cap
func (r FeatureRule) Unlimited() bool {
	return r.Kind == RuleLimited && r.Limit == 0
}

// Tier is a static catalog entry describing one subscription tier
type Tier struct {
	ID                TierType               `json:"id" yaml:"id"`
	Name              string                 `json:"name" yaml:"name"`
	Description       string                 `json:"description" yaml:"description"`
	MonthlyPriceCents int64                  `json:"monthly_price_cents" yaml:"monthly_price_cents"`
	AnnualPriceCents  int64                  `json:"annual_price_cents" yaml:"annual_price_cents"`
	Features          map[string]FeatureRule `json:"features" yaml:"features"`
}

// SubscriptionStatus represents subscription lifecycle states
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

// BillingCycle represents how a subscription renews
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
	CycleNone    BillingCycle = "none"
)

// DowngradePolicy controls when a downgrade takes effect
type DowngradePolicy string

const (
	// DowngradeImmediate applies the lower tier as soon as the request succeeds
	DowngradeImmediate DowngradePolicy = "immediate"
	// DowngradeDeferred records the lower tier and applies it at period end
	DowngradeDeferred DowngradePolicy = "deferred"
)

// Subscription is a user's current subscription record. A user with no
// record is implicitly on the free tier.
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Tier               TierType           `json:"tier"`
	Status             SubscriptionStatus `json:"status"`
	Platform           string             `json:"platform,omitempty"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	PaymentMethod      string             `json:"payment_method,omitempty"`
	OfferCode          *string            `json:"offer_code,omitempty"`
	AutoRenew          bool               `json:"auto_renew"`
	PendingTier        *TierType          `json:"pending_tier,omitempty"`
	IsInTrial          bool               `json:"is_in_trial"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsActive reports whether the subscription grants access right now
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// IsPremium reports whether the subscription is premium tier or above
func (s *Subscription) IsPremium() bool {
	return s.Tier.Ordinal() >= TierPremium.Ordinal()
}

// FeatureUsage is one user's usage counter for one feature on one day
type FeatureUsage struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	FeatureName string    `json:"feature_name"`
	UsageDate   time.Time `json:"usage_date"`
	UsageCount  int       `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subscription event types recorded on every lifecycle transition
const (
	EventSubscriptionStarted   = "subscription_started"
	EventTrialStarted          = "trial_started"
	EventTierUpgraded          = "tier_upgraded"
	EventTierDowngraded        = "tier_downgraded"
	EventSubscriptionCancelled = "subscription_cancelled"
)

// SubscriptionEvent is an append-only audit record of a lifecycle transition
type SubscriptionEvent struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	SubscriptionID string         `json:"subscription_id"`
	EventType      string         `json:"event_type"`
	PreviousTier   TierType       `json:"previous_tier,omitempty"`
	NewTier        TierType       `json:"new_tier,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// UsageResult is the outcome of a combined check-and-track call
type UsageResult struct {
	Available    bool       `json:"available"`
	Limit        int        `json:"limit,omitempty"`
	Remaining    int        `json:"remaining"`
	Unlimited    bool       `json:"unlimited"`
	ReachedLimit bool       `json:"reached_limit"`
	Suggestions  []TierType `json:"suggestions,omitempty"`
}

// FeatureUsageSummary is the per-feature view returned by summaries
type FeatureUsageSummary struct {
	Feature   string    `json:"feature"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	ResetsAt  time.Time `json:"resets_at"`
}

// SubscriptionSummary combines the subscription record with usage counters
type SubscriptionSummary struct {
	UserID    string                `json:"user_id"`
	Tier      TierType              `json:"tier"`
	Status    SubscriptionStatus    `json:"status"`
	AutoRenew bool                  `json:"auto_renew"`
	PeriodEnd *time.Time            `json:"period_end,omitempty"`
	Features  []FeatureUsageSummary `json:"features"`
}

// TierOrderError reports an upgrade or downgrade that violates tier ordering
type TierOrderError struct {
	Op        string
	Current   TierType
	Requested TierType
}

func (e *TierOrderError) Error() string {
	return fmt.Sprintf("cannot %s from %s to %s", e.Op, e.Current, e.Requested)
}

// IsTierOrder checks if an error is a tier ordering error
func IsTierOrder(err error) bool {
	_, ok := err.(*TierOrderError)
	return ok
}

// LimitExceededError reports a daily usage limit being hit
type LimitExceededError struct {
	Feature string
	Current int
	Limit   int
}

func (e *LimitExceededError) Error() string {
	return "usage limit exceeded for " + e.Feature
}

// IsLimitExceeded checks if an error is a limit exceeded error
func IsLimitExceeded(err error) bool {
	_, ok := err.(*LimitExceededError)
	return ok
}

// NotFoundError reports a missing subscription record
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "subscription not found: " + e.ID
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// AccessChecker evaluates the static catalog. Evaluator methods never
// return errors; unknown tiers or features evaluate to "no access".
type AccessChecker interface {
	HasFeatureAccess(tier TierType, feature string) bool
	FeatureLimit(tier TierType, feature string) (int, bool)
	ReachedFeatureLimit(tier TierType, feature string, currentUsage int) bool
	UpgradeSuggestions(tier TierType) []TierType
}

// UsageTracker tracks daily per-feature usage counters
type UsageTracker interface {
	CheckUsageLimit(ctx context.Context, userID, feature string) (*UsageResult, error)
	IncrementUsage(ctx context.Context, userID, feature string, amount int) (*UsageResult, error)
	CheckAndTrackFeatureUsage(ctx context.Context, userID, feature string) (*UsageResult, error)
	UsageSummary(ctx context.Context, userID string) ([]FeatureUsageSummary, error)
	PruneStaleCounters(ctx context.Context, before time.Time) (int64, error)
}

// Service defines the subscription lifecycle operations
type Service interface {
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	GetSubscriptionByID(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, limit, offset int) ([]*Subscription, error)
	StartSubscription(ctx context.Context, req StartRequest) (*Subscription, error)
	StartTrial(ctx context.Context, userID string, tier TierType, days int) (*Subscription, error)
	UpgradeTier(ctx context.Context, userID string, newTier TierType) (*Subscription, error)
	DowngradeTier(ctx context.Context, userID string, newTier TierType) (*Subscription, error)
	CancelSubscription(ctx context.Context, userID string, immediate bool) (*Subscription, error)
	Summary(ctx context.Context, userID string) (*SubscriptionSummary, error)
	ApplyPendingDowngrades(ctx context.Context) (int64, error)
	ExpireLapsedTrials(ctx context.Context) (int64, error)
}

// StartRequest carries the inputs for starting a paid subscription
type StartRequest struct {
	UserID        string       `json:"user_id"`
	Tier          TierType     `json:"tier"`
	Platform      string       `json:"platform,omitempty"`
	BillingCycle  BillingCycle `json:"billing_cycle"`
	PaymentMethod string       `json:"payment_method,omitempty"`
	OfferCode     *string      `json:"offer_code,omitempty"`
}
