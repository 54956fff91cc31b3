package subscriptions

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

// Catalog holds the static tier definitions. The default catalog is built
// at init and may be replaced wholesale from a YAML seed file; individual
// entries are never mutated at runtime.
type Catalog struct {
	mu    sync.RWMutex
	tiers map[TierType]Tier
}

// NewCatalog creates a catalog with the built-in tier definitions
func NewCatalog() *Catalog {
	return &Catalog{tiers: defaultTiers()}
}

// Tier returns the catalog entry for a tier
func (c *Catalog) Tier(id TierType) (Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tiers[id]
	return t, ok
}

// Tiers returns all catalog entries in upgrade order
func (c *Catalog) Tiers() []Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tier, 0, len(c.tiers))
	for _, id := range AllTiers() {
		if t, ok := c.tiers[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// LoadFile replaces the catalog from a YAML seed file. The file must
// define all three tiers; a partial file is rejected so a bad deploy
// cannot silently drop a tier.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}

	var seed struct {
		Tiers []Tier `yaml:"tiers"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse catalog file: %w", err)
	}

	tiers := make(map[TierType]Tier, len(seed.Tiers))
	for _, t := range seed.Tiers {
		if !t.ID.Valid() {
			return fmt.Errorf("unknown tier in catalog file: %s", t.ID)
		}
		for name, rule := range t.Features {
			if rule.Kind != RuleBoolean && rule.Kind != RuleLimited {
				return fmt.Errorf("feature %s in tier %s has invalid rule kind %q", name, t.ID, rule.Kind)
			}
		}
		tiers[t.ID] = t
	}
	for _, id := range AllTiers() {
		if _, ok := tiers[id]; !ok {
			return fmt.Errorf("catalog file is missing tier %s", id)
		}
	}

	c.mu.Lock()
	c.tiers = tiers
	c.mu.Unlock()
	return nil
}

// Watch reloads the catalog whenever the seed file is rewritten. Reload
// failures keep the previous catalog and are logged, not fatal. Blocks
// until the context is cancelled.
func (c *Catalog) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch catalog file: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.LoadFile(path); err != nil {
				logger.WithError(err).Warnf("catalog reload failed, keeping previous catalog: %s", path)
				continue
			}
			logger.Infof("catalog reloaded from %s", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("catalog watcher error")
		}
	}
}

// defaultTiers builds the production tier catalog. Limited rules with
// limit 0 are unlimited. Features a tier does not list are inaccessible
// on that tier.
func defaultTiers() map[TierType]Tier {
	free := Tier{
		ID:                TierFree,
		Name:              "Free",
		Description:       "Core philosophical tools with daily limits",
		MonthlyPriceCents: 0,
		AnnualPriceCents:  0,
		Features: map[string]FeatureRule{
			"ask_questions":     LimitedRule(10, PeriodDay),
			"journal_entries":   LimitedRule(5, PeriodDay),
			"quest_daily":       LimitedRule(1, PeriodDay),
			"forum_threads":     LimitedRule(3, PeriodDay),
			"forum_comments":    LimitedRule(10, PeriodDay),
			"forum_votes":       LimitedRule(20, PeriodDay),
			"save_to_journal":   LimitedRule(5, PeriodDay),
			"concept_tagging":   LimitedRule(3, PeriodDay),
			"media_attachments": LimitedRule(2, PeriodDay),
			"basic_questions":   BooleanRule(true),
			"basic_journal":     BooleanRule(true),
			"basic_quests":      BooleanRule(true),
			"basic_forum":       BooleanRule(true),
			"basic_concepts":    BooleanRule(true),
		},
	}

	premium := Tier{
		ID:                TierPremium,
		Name:              "Premium",
		Description:       "Expanded limits, insight expansion, and advanced tools",
		MonthlyPriceCents: 799,
		AnnualPriceCents:  7990,
		Features: map[string]FeatureRule{
			"ask_questions":          LimitedRule(50, PeriodDay),
			"journal_entries":        LimitedRule(0, PeriodDay),
			"quest_daily":            LimitedRule(3, PeriodDay),
			"forum_threads":          LimitedRule(10, PeriodDay),
			"forum_comments":         LimitedRule(30, PeriodDay),
			"forum_votes":            LimitedRule(50, PeriodDay),
			"insight_expansion":      LimitedRule(5, PeriodDay),
			"save_to_journal":        LimitedRule(25, PeriodDay),
			"concept_tagging":        LimitedRule(10, PeriodDay),
			"media_attachments":      LimitedRule(5, PeriodDay),
			"basic_questions":        BooleanRule(true),
			"basic_journal":          BooleanRule(true),
			"basic_quests":           BooleanRule(true),
			"basic_forum":            BooleanRule(true),
			"basic_concepts":         BooleanRule(true),
			"advanced_questions":     BooleanRule(true),
			"advanced_quests":        BooleanRule(true),
			"unlimited_journal":      BooleanRule(true),
			"extended_responses":     BooleanRule(true),
			"advanced_visualization": BooleanRule(true),
		},
	}

	pro := Tier{
		ID:                TierPro,
		Name:              "Pro",
		Description:       "Unlimited usage and exclusive content",
		MonthlyPriceCents: 1499,
		AnnualPriceCents:  14990,
		Features: map[string]FeatureRule{
			"ask_questions":          LimitedRule(0, PeriodDay),
			"journal_entries":        LimitedRule(0, PeriodDay),
			"quest_daily":            LimitedRule(5, PeriodDay),
			"forum_threads":          LimitedRule(0, PeriodDay),
			"forum_comments":         LimitedRule(0, PeriodDay),
			"forum_votes":            LimitedRule(0, PeriodDay),
			"insight_expansion":      LimitedRule(0, PeriodDay),
			"save_to_journal":        LimitedRule(0, PeriodDay),
			"concept_tagging":        LimitedRule(0, PeriodDay),
			"media_attachments":      LimitedRule(0, PeriodDay),
			"basic_questions":        BooleanRule(true),
			"basic_journal":          BooleanRule(true),
			"basic_quests":           BooleanRule(true),
			"basic_forum":            BooleanRule(true),
			"basic_concepts":         BooleanRule(true),
			"advanced_questions":     BooleanRule(true),
			"advanced_quests":        BooleanRule(true),
			"unlimited_journal":      BooleanRule(true),
			"extended_responses":     BooleanRule(true),
			"advanced_visualization": BooleanRule(true),
			"unlimited_ask":          BooleanRule(true),
			"custom_pathways":        BooleanRule(true),
			"premium_ai_models":      BooleanRule(true),
			"exclusive_content":      BooleanRule(true),
			"unlimited_export":       BooleanRule(true),
		},
	}

	return map[TierType]Tier{
		TierFree:    free,
		TierPremium: premium,
		TierPro:     pro,
	}
}
