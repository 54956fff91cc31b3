package subscriptions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasFeatureAccess_BooleanRules(t *testing.T) {
	access := NewAccess(NewCatalog())

	assert.True(t, access.HasFeatureAccess(TierFree, "basic_questions"))
	assert.False(t, access.HasFeatureAccess(TierFree, "advanced_questions"))
	assert.True(t, access.HasFeatureAccess(TierPremium, "advanced_questions"))
	assert.True(t, access.HasFeatureAccess(TierPro, "exclusive_content"))
}

func TestHasFeatureAccess_LimitedRuleGrantsAccess(t *testing.T) {
	access := NewAccess(NewCatalog())

	// A limited rule grants the feature; whether today's cap is spent is
	// a separate usage check
	assert.True(t, access.HasFeatureAccess(TierFree, "ask_questions"))
	assert.True(t, access.HasFeatureAccess(TierPro, "ask_questions"))
}

func TestHasFeatureAccess_UnknownInputs(t *testing.T) {
	access := NewAccess(NewCatalog())

	assert.False(t, access.HasFeatureAccess(TierFree, "no_such_feature"))
	assert.False(t, access.HasFeatureAccess(TierType("platinum"), "ask_questions"))
	assert.False(t, access.HasFeatureAccess(TierFree, "insight_expansion"))
}

func TestFeatureLimit(t *testing.T) {
	access := NewAccess(NewCatalog())

	limit, ok := access.FeatureLimit(TierFree, "ask_questions")
	require.True(t, ok)
	assert.Equal(t, 10, limit)

	limit, ok = access.FeatureLimit(TierPremium, "ask_questions")
	require.True(t, ok)
	assert.Equal(t, 50, limit)

	// Limit 0 means unlimited, never "zero allowed"
	_, ok = access.FeatureLimit(TierPro, "ask_questions")
	assert.False(t, ok)

	// Boolean rules carry no cap
	_, ok = access.FeatureLimit(TierFree, "basic_questions")
	assert.False(t, ok)

	_, ok = access.FeatureLimit(TierFree, "no_such_feature")
	assert.False(t, ok)
}

func TestReachedFeatureLimit(t *testing.T) {
	access := NewAccess(NewCatalog())

	assert.False(t, access.ReachedFeatureLimit(TierFree, "ask_questions", 9))
	assert.True(t, access.ReachedFeatureLimit(TierFree, "ask_questions", 10))
	assert.True(t, access.ReachedFeatureLimit(TierFree, "ask_questions", 11))

	// Unlimited and boolean features never reach a limit
	assert.False(t, access.ReachedFeatureLimit(TierPro, "ask_questions", 1000000))
	assert.False(t, access.ReachedFeatureLimit(TierFree, "basic_questions", 1000000))
}

func TestRemaining(t *testing.T) {
	access := NewAccess(NewCatalog())

	assert.Equal(t, 10, access.Remaining(TierFree, "ask_questions", 0))
	assert.Equal(t, 3, access.Remaining(TierFree, "ask_questions", 7))
	assert.Equal(t, 0, access.Remaining(TierFree, "ask_questions", 10))
	assert.Equal(t, 0, access.Remaining(TierFree, "ask_questions", 25))
	assert.Equal(t, UnlimitedUsage, access.Remaining(TierPro, "ask_questions", 25))
}

func TestUpgradeSuggestions(t *testing.T) {
	access := NewAccess(NewCatalog())

	assert.Equal(t, []TierType{TierPremium}, access.UpgradeSuggestions(TierFree))
	assert.Equal(t, []TierType{TierPro}, access.UpgradeSuggestions(TierPremium))
	assert.Nil(t, access.UpgradeSuggestions(TierPro))
	assert.Nil(t, access.UpgradeSuggestions(TierType("platinum")))
}

func TestMinimumTierFor(t *testing.T) {
	access := NewAccess(NewCatalog())

	tier, ok := access.MinimumTierFor("ask_questions")
	require.True(t, ok)
	assert.Equal(t, TierFree, tier)

	tier, ok = access.MinimumTierFor("insight_expansion")
	require.True(t, ok)
	assert.Equal(t, TierPremium, tier)

	tier, ok = access.MinimumTierFor("custom_pathways")
	require.True(t, ok)
	assert.Equal(t, TierPro, tier)

	_, ok = access.MinimumTierFor("no_such_feature")
	assert.False(t, ok)
}

func TestTierOrdinal(t *testing.T) {
	assert.Equal(t, 0, TierFree.Ordinal())
	assert.Equal(t, 1, TierPremium.Ordinal())
	assert.Equal(t, 2, TierPro.Ordinal())
	assert.Equal(t, -1, TierType("platinum").Ordinal())

	assert.True(t, TierPremium.Valid())
	assert.False(t, TierType("").Valid())
}

func TestFeatureRuleUnlimited(t *testing.T) {
	assert.True(t, LimitedRule(0, PeriodDay).Unlimited())
	assert.False(t, LimitedRule(5, PeriodDay).Unlimited())
	assert.False(t, BooleanRule(true).Unlimited())
}
