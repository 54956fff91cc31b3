package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

// PostgresUsageTracker implements UsageTracker. PostgreSQL holds the
// authoritative counters; Redis fronts reads and is treated as a cache
// that fails open on errors.
type PostgresUsageTracker struct {
	db      *sql.DB
	redis   *redis.Client
	access  *Access
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPostgresUsageTracker creates a usage tracker. The Redis client is
// optional; without it every read goes to PostgreSQL.
func NewPostgresUsageTracker(db *sql.DB, redisClient *redis.Client, catalog *Catalog, logger *observability.Logger) *PostgresUsageTracker {
	return &PostgresUsageTracker{
		db:     db,
		redis:  redisClient,
		access: NewAccess(catalog),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches cache hit/miss counters
func (t *PostgresUsageTracker) SetMetrics(metrics *observability.Metrics) {
	t.metrics = metrics
}

// resolveTier looks up the user's current tier, defaulting to free
func (t *PostgresUsageTracker) resolveTier(ctx context.Context, userID string) (TierType, error) {
	var tier TierType
	err := t.db.QueryRowContext(ctx,
		`SELECT tier FROM user_subscriptions WHERE user_id = $1`, userID,
	).Scan(&tier)
	if err == sql.ErrNoRows {
		return TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve tier: %w", err)
	}
	return tier, nil
}

// CheckUsageLimit reports whether the user may use the feature right now
// and how many uses remain today. Features without a cap are always
// allowed with the unlimited sentinel.
func (t *PostgresUsageTracker) CheckUsageLimit(ctx context.Context, userID, feature string) (*UsageResult, error) {
	tier, err := t.resolveTier(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !t.access.HasFeatureAccess(tier, feature) {
		return &UsageResult{
			Available:    false,
			ReachedLimit: false,
			Suggestions:  t.access.UpgradeSuggestions(tier),
		}, nil
	}

	limit, ok := t.access.FeatureLimit(tier, feature)
	if !ok {
		return &UsageResult{Available: true, Remaining: UnlimitedUsage, Unlimited: true}, nil
	}

	used, err := t.currentCount(ctx, userID, feature)
	if err != nil {
		return nil, err
	}

	result := &UsageResult{
		Limit:     limit,
		Remaining: limit - used,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if used >= limit {
		result.ReachedLimit = true
		result.Suggestions = t.access.UpgradeSuggestions(tier)
	} else {
		result.Available = true
	}
	return result, nil
}

// IncrementUsage adds amount to today's counter for the feature. The
// update is a single guarded upsert so concurrent callers cannot push a
// counter past the tier's cap; an increment that would overshoot is
// rejected and reported via ReachedLimit, not applied partially.
func (t *PostgresUsageTracker) IncrementUsage(ctx context.Context, userID, feature string, amount int) (*UsageResult, error) {
	if amount <= 0 {
		amount = 1
	}

	tier, err := t.resolveTier(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !t.access.HasFeatureAccess(tier, feature) {
		return &UsageResult{
			Available:   false,
			Suggestions: t.access.UpgradeSuggestions(tier),
		}, nil
	}

	limit, hasLimit := t.access.FeatureLimit(tier, feature)
	if hasLimit && amount > limit {
		// Can never fit, regardless of the current count
		return &UsageResult{
			Limit:        limit,
			ReachedLimit: true,
			Suggestions:  t.access.UpgradeSuggestions(tier),
		}, nil
	}

	var query string
	var args []any
	id := uuid.New().String()
	if hasLimit {
		query = `
			INSERT INTO feature_usage (id, user_id, feature_name, usage_date, usage_count, created_at, updated_at)
			VALUES ($1, $2, $3, CURRENT_DATE, $4, NOW(), NOW())
			ON CONFLICT (user_id, feature_name, usage_date)
			DO UPDATE SET usage_count = feature_usage.usage_count + $4, updated_at = NOW()
			WHERE feature_usage.usage_count + $4 <= $5
			RETURNING usage_count
		`
		args = []any{id, userID, feature, amount, limit}
	} else {
		query = `
			INSERT INTO feature_usage (id, user_id, feature_name, usage_date, usage_count, created_at, updated_at)
			VALUES ($1, $2, $3, CURRENT_DATE, $4, NOW(), NOW())
			ON CONFLICT (user_id, feature_name, usage_date)
			DO UPDATE SET usage_count = feature_usage.usage_count + $4, updated_at = NOW()
			RETURNING usage_count
		`
		args = []any{id, userID, feature, amount}
	}

	var count int
	err = t.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err == sql.ErrNoRows {
		// Guard rejected the increment: the cap is spent
		return &UsageResult{
			Limit:        limit,
			ReachedLimit: true,
			Suggestions:  t.access.UpgradeSuggestions(tier),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	t.cacheCount(ctx, userID, feature, count)

	if !hasLimit {
		return &UsageResult{Available: true, Remaining: UnlimitedUsage, Unlimited: true}, nil
	}

	result := &UsageResult{Limit: limit, Remaining: limit - count}
	if count >= limit {
		result.ReachedLimit = true
		result.Suggestions = t.access.UpgradeSuggestions(tier)
	}
	result.Available = count < limit
	return result, nil
}

// CheckAndTrackFeatureUsage checks the limit and consumes one use when
// available. On a spent cap it returns the upgrade suggestions for the
// user's tier instead of an error.
func (t *PostgresUsageTracker) CheckAndTrackFeatureUsage(ctx context.Context, userID, feature string) (*UsageResult, error) {
	return t.IncrementUsage(ctx, userID, feature, 1)
}

// UsageSummary builds today's per-feature usage view for the user's tier
func (t *PostgresUsageTracker) UsageSummary(ctx context.Context, userID string) ([]FeatureUsageSummary, error) {
	tier, err := t.resolveTier(ctx, userID)
	if err != nil {
		return nil, err
	}
	entry, ok := t.access.catalog.Tier(tier)
	if !ok {
		return nil, fmt.Errorf("unknown tier: %s", tier)
	}

	counts := make(map[string]int)
	rows, err := t.db.QueryContext(ctx,
		`SELECT feature_name, usage_count FROM feature_usage WHERE user_id = $1 AND usage_date = CURRENT_DATE`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		counts[name] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resetsAt := t.nextMidnight()
	var summaries []FeatureUsageSummary
	for name, rule := range entry.Features {
		if rule.Kind != RuleLimited {
			continue
		}
		used := counts[name]
		s := FeatureUsageSummary{
			Feature:  name,
			Used:     used,
			ResetsAt: resetsAt,
		}
		if rule.Unlimited() {
			s.Unlimited = true
			s.Limit = UnlimitedUsage
			s.Remaining = UnlimitedUsage
		} else {
			s.Limit = rule.Limit
			s.Remaining = rule.Limit - used
			if s.Remaining < 0 {
				s.Remaining = 0
			}
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Feature < summaries[j].Feature })
	return summaries, nil
}

// PruneStaleCounters deletes usage rows older than the cutoff date
func (t *PostgresUsageTracker) PruneStaleCounters(ctx context.Context, before time.Time) (int64, error) {
	result, err := t.db.ExecContext(ctx,
		`DELETE FROM feature_usage WHERE usage_date < $1`, before.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage counters: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// currentCount returns today's counter, preferring the Redis cache
func (t *PostgresUsageTracker) currentCount(ctx context.Context, userID, feature string) (int, error) {
	if t.redis != nil {
		val, err := t.redis.Get(ctx, t.cacheKey(userID, feature)).Result()
		if err == nil {
			if count, convErr := strconv.Atoi(val); convErr == nil {
				if t.metrics != nil {
					t.metrics.UsageCacheHitsTotal.Inc()
				}
				return count, nil
			}
		} else if err != redis.Nil {
			t.logger.WithError(err).Debug("usage cache read failed, falling back to postgres")
		}
		if t.metrics != nil {
			t.metrics.UsageCacheMissesTotal.Inc()
		}
	}

	var count int
	err := t.db.QueryRowContext(ctx,
		`SELECT usage_count FROM feature_usage WHERE user_id = $1 AND feature_name = $2 AND usage_date = CURRENT_DATE`,
		userID, feature,
	).Scan(&count)
	if err == sql.ErrNoRows {
		count = 0
	} else if err != nil {
		return 0, fmt.Errorf("failed to get usage count: %w", err)
	}

	t.cacheCount(ctx, userID, feature, count)
	return count, nil
}

// cacheCount mirrors the authoritative counter into Redis with a TTL
// ending at the next UTC midnight
func (t *PostgresUsageTracker) cacheCount(ctx context.Context, userID, feature string, count int) {
	if t.redis == nil {
		return
	}
	ttl := time.Until(t.nextMidnight())
	if ttl <= 0 {
		return
	}
	if err := t.redis.Set(ctx, t.cacheKey(userID, feature), count, ttl).Err(); err != nil {
		t.logger.WithError(err).Debug("usage cache write failed")
	}
}

func (t *PostgresUsageTracker) cacheKey(userID, feature string) string {
	return fmt.Sprintf("usage:%s:%s:%s", userID, feature, t.now().Format("2006-01-02"))
}

func (t *PostgresUsageTracker) nextMidnight() time.Time {
	now := t.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
