package subscriptions

// UnlimitedUsage is the remaining-count sentinel for features without a cap
const UnlimitedUsage = -1

// Access evaluates feature rules against the catalog. All methods are pure
// reads; unknown tiers and features evaluate to "no access" rather than
// returning errors.
type Access struct {
	catalog *Catalog
}

// NewAccess creates an evaluator over the given catalog
func NewAccess(catalog *Catalog) *Access {
	return &Access{catalog: catalog}
}

// HasFeatureAccess reports whether a tier grants the feature at all.
// A limited rule grants access even at limit 0 (unlimited); whether the
// daily cap is spent is a separate usage check.
func (a *Access) HasFeatureAccess(tier TierType, feature string) bool {
	t, ok := a.catalog.Tier(tier)
	if !ok {
		return false
	}
	rule, ok := t.Features[feature]
	if !ok {
		return false
	}
	if rule.Kind == RuleBoolean {
		return rule.Enabled
	}
	return true
}

// FeatureLimit returns the daily cap for a feature on a tier. The second
// return is false when no cap applies, either because the rule is boolean,
// the rule is unlimited, or the feature is unknown.
func (a *Access) FeatureLimit(tier TierType, feature string) (int, bool) {
	t, ok := a.catalog.Tier(tier)
	if !ok {
		return 0, false
	}
	rule, ok := t.Features[feature]
	if !ok || rule.Kind != RuleLimited || rule.Unlimited() {
		return 0, false
	}
	return rule.Limit, true
}

// ReachedFeatureLimit reports whether currentUsage has consumed the tier's
// cap for the feature. Features without a cap never reach a limit.
func (a *Access) ReachedFeatureLimit(tier TierType, feature string, currentUsage int) bool {
	limit, ok := a.FeatureLimit(tier, feature)
	if !ok {
		return false
	}
	return currentUsage >= limit
}

// Remaining returns the uses left today given the current count.
// UnlimitedUsage is returned for features without a cap.
func (a *Access) Remaining(tier TierType, feature string, currentUsage int) int {
	limit, ok := a.FeatureLimit(tier, feature)
	if !ok {
		return UnlimitedUsage
	}
	remaining := limit - currentUsage
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// UpgradeSuggestions returns the tiers to offer when a user hits a wall.
// The mapping is fixed per tier and does not depend on the feature.
func (a *Access) UpgradeSuggestions(tier TierType) []TierType {
	switch tier {
	case TierFree:
		return []TierType{TierPremium}
	case TierPremium:
		return []TierType{TierPro}
	default:
		return nil
	}
}

// MinimumTierFor returns the lowest tier that grants the feature, walking
// tiers in upgrade order. The second return is false when no tier does.
func (a *Access) MinimumTierFor(feature string) (TierType, bool) {
	for _, id := range AllTiers() {
		if a.HasFeatureAccess(id, feature) {
			return id, true
		}
	}
	return "", false
}
