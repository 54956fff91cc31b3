package subscriptions

import (
	"fmt"
	"time"
)

// TierDTO is the wire representation of a catalog tier. The mapping to
// and from the domain type is lossless: ToTier(ToTierDTO(t)) == t.
type TierDTO struct {
	ID                string                    `json:"id"`
	Name              string                    `json:"name"`
	Description       string                    `json:"description"`
	MonthlyPriceCents int64                     `json:"monthly_price_cents"`
	AnnualPriceCents  int64                     `json:"annual_price_cents"`
	Features          map[string]FeatureRuleDTO `json:"features"`
}

// FeatureRuleDTO is the wire representation of a feature rule
type FeatureRuleDTO struct {
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Period  string `json:"period,omitempty"`
}

// ToTierDTO converts a catalog tier to its wire form
func ToTierDTO(t Tier) TierDTO {
	features := make(map[string]FeatureRuleDTO, len(t.Features))
	for name, rule := range t.Features {
		features[name] = FeatureRuleDTO{
			Kind:    string(rule.Kind),
			Enabled: rule.Enabled,
			Limit:   rule.Limit,
			Period:  string(rule.Period),
		}
	}
	return TierDTO{
		ID:                string(t.ID),
		Name:              t.Name,
		Description:       t.Description,
		MonthlyPriceCents: t.MonthlyPriceCents,
		AnnualPriceCents:  t.AnnualPriceCents,
		Features:          features,
	}
}

// ToTier converts the wire form back to a catalog tier. Unknown rule
// kinds are rejected so a malformed payload cannot produce a rule that
// silently grants access.
func ToTier(dto TierDTO) (Tier, error) {
	features := make(map[string]FeatureRule, len(dto.Features))
	for name, rule := range dto.Features {
		kind := RuleKind(rule.Kind)
		if kind != RuleBoolean && kind != RuleLimited {
			return Tier{}, fmt.Errorf("feature %s has unknown rule kind %q", name, rule.Kind)
		}
		features[name] = FeatureRule{
			Kind:    kind,
			Enabled: rule.Enabled,
			Limit:   rule.Limit,
			Period:  Period(rule.Period),
		}
	}
	return Tier{
		ID:                TierType(dto.ID),
		Name:              dto.Name,
		Description:       dto.Description,
		MonthlyPriceCents: dto.MonthlyPriceCents,
		AnnualPriceCents:  dto.AnnualPriceCents,
		Features:          features,
	}, nil
}

// SubscriptionDTO is the wire representation of a subscription record
type SubscriptionDTO struct {
	ID               string     `json:"id,omitempty"`
	UserID           string     `json:"user_id"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	BillingCycle     string     `json:"billing_cycle"`
	AutoRenew        bool       `json:"auto_renew"`
	PendingTier      string     `json:"pending_tier,omitempty"`
	IsInTrial        bool       `json:"is_in_trial"`
	TrialEnd         *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ToSubscriptionDTO converts a subscription record to its wire form
func ToSubscriptionDTO(s *Subscription) SubscriptionDTO {
	dto := SubscriptionDTO{
		ID:               s.ID,
		UserID:           s.UserID,
		Tier:             string(s.Tier),
		Status:           string(s.Status),
		BillingCycle:     string(s.BillingCycle),
		AutoRenew:        s.AutoRenew,
		IsInTrial:        s.IsInTrial,
		TrialEnd:         s.TrialEnd,
		CurrentPeriodEnd: s.CurrentPeriodEnd,
		CreatedAt:        s.CreatedAt,
	}
	if s.PendingTier != nil {
		dto.PendingTier = string(*s.PendingTier)
	}
	return dto
}
