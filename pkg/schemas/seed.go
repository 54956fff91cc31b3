package schemas

import (
	"context"
	"fmt"
)

// SeedDefaults registers the event schemas the service emits itself.
// Already-registered versions are skipped so the seed is safe to run on
// every startup.
func SeedDefaults(ctx context.Context, registry *Registry) error {
	tierProp := PropertySpec{
		Type:     "string",
		Required: true,
		Enum:     []string{"free", "premium", "pro"},
	}

	defaults := []*EventSchema{
		{
			Name:        "ph_subscription_started",
			Version:     1,
			Description: "A user started a paid subscription or was placed on a tier.",
			Properties: map[string]PropertySpec{
				"previous_tier": tierProp,
				"new_tier":      tierProp,
				"billing_cycle": {Type: "string", Enum: []string{"monthly", "annual", "none"}},
				"platform":      {Type: "string"},
			},
		},
		{
			Name:        "ph_trial_started",
			Version:     1,
			Description: "A user started a time-boxed trial of a paid tier.",
			Properties: map[string]PropertySpec{
				"previous_tier": tierProp,
				"new_tier":      tierProp,
				"trial_days":    {Type: "integer", Example: 14},
			},
		},
		{
			Name:        "ph_tier_upgraded",
			Version:     1,
			Description: "A user moved to a higher tier.",
			Properties: map[string]PropertySpec{
				"previous_tier": tierProp,
				"new_tier":      tierProp,
				"deferred":      {Type: "boolean"},
			},
		},
		{
			Name:        "ph_tier_downgraded",
			Version:     1,
			Description: "A user moved to a lower tier, immediately or at period end.",
			Properties: map[string]PropertySpec{
				"previous_tier": tierProp,
				"new_tier":      tierProp,
				"deferred":      {Type: "boolean"},
			},
		},
		{
			Name:        "ph_subscription_cancelled",
			Version:     1,
			Description: "A user cancelled their subscription.",
			Properties: map[string]PropertySpec{
				"previous_tier": tierProp,
				"new_tier":      tierProp,
				"immediate":     {Type: "boolean"},
			},
		},
		{
			Name:        "ph_feature_used",
			Version:     1,
			Description: "A user consumed one use of a limited feature.",
			Properties: map[string]PropertySpec{
				"feature":   {Type: "string", Required: true, Example: "ask_questions"},
				"tier":      tierProp,
				"remaining": {Type: "integer"},
			},
		},
	}

	for _, schema := range defaults {
		err := registry.Register(ctx, schema)
		if err != nil && !IsConflict(err) {
			return fmt.Errorf("failed to seed schema %s: %w", schema.Name, err)
		}
	}
	return nil
}
