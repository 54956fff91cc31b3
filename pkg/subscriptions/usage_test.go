package subscriptions

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

func newTestTracker(t *testing.T) (*PostgresUsageTracker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewPostgresUsageTracker(db, nil, NewCatalog(), logger), mock
}

func expectTier(mock sqlmock.Sqlmock, userID string, tier TierType) {
	mock.ExpectQuery("SELECT tier FROM user_subscriptions").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow(string(tier)))
}

func TestCheckUsageLimit_WithinLimit(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierFree)
	mock.ExpectQuery("SELECT usage_count FROM feature_usage").
		WithArgs("user-1", "ask_questions").
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(7))

	result, err := tracker.CheckUsageLimit(context.Background(), "user-1", "ask_questions")
	require.NoError(t, err)
	assert.True(t, result.Available)
	assert.Equal(t, 10, result.Limit)
	assert.Equal(t, 3, result.Remaining)
	assert.False(t, result.ReachedLimit)
	assert.Empty(t, result.Suggestions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckUsageLimit_AtLimitSuggestsUpgrade(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierFree)
	mock.ExpectQuery("SELECT usage_count FROM feature_usage").
		WithArgs("user-1", "ask_questions").
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(10))

	result, err := tracker.CheckUsageLimit(context.Background(), "user-1", "ask_questions")
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.True(t, result.ReachedLimit)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, []TierType{TierPremium}, result.Suggestions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckUsageLimit_UnlimitedFeature(t *testing.T) {
	tracker, mock := newTestTracker(t)

	// Pro's ask_questions has limit 0, meaning no cap: no counter read
	expectTier(mock, "user-1", TierPro)

	result, err := tracker.CheckUsageLimit(context.Background(), "user-1", "ask_questions")
	require.NoError(t, err)
	assert.True(t, result.Available)
	assert.True(t, result.Unlimited)
	assert.Equal(t, UnlimitedUsage, result.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckUsageLimit_FeatureNotOnTier(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierFree)

	result, err := tracker.CheckUsageLimit(context.Background(), "user-1", "insight_expansion")
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.False(t, result.ReachedLimit)
	assert.Equal(t, []TierType{TierPremium}, result.Suggestions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckUsageLimit_MissingRecordDefaultsToFree(t *testing.T) {
	tracker, mock := newTestTracker(t)

	mock.ExpectQuery("SELECT tier FROM user_subscriptions").
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT usage_count FROM feature_usage").
		WithArgs("user-1", "ask_questions").
		WillReturnError(sql.ErrNoRows)

	result, err := tracker.CheckUsageLimit(context.Background(), "user-1", "ask_questions")
	require.NoError(t, err)
	assert.True(t, result.Available)
	assert.Equal(t, 10, result.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage_WithinLimit(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierFree)
	mock.ExpectQuery("INSERT INTO feature_usage").
		WithArgs(sqlmock.AnyArg(), "user-1", "ask_questions", 1, 10).
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(3))

	result, err := tracker.IncrementUsage(context.Background(), "user-1", "ask_questions", 1)
	require.NoError(t, err)
	assert.True(t, result.Available)
	assert.Equal(t, 7, result.Remaining)
	assert.False(t, result.ReachedLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage_ConsumesLastUse(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierFree)
	mock.ExpectQuery("INSERT INTO feature_usage").
		WithArgs(sqlmock.AnyArg(), "user-1", "ask_questions", 1, 10).
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(10))

	result, err := tracker.IncrementUsage(context.Background(), "user-1", "ask_questions", 1)
	require.NoError(t, err)
	// The tenth use is granted, but nothing remains afterwards
	assert.False(t, result.Available)
	assert.Equal(t, 0, result.Remaining)
	assert.True(t, result.ReachedLimit)
	assert.Equal(t, []TierType{TierPremium}, result.Suggestions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage_GuardRejectsSpentCap(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierFree)
	// The guarded upsert returns no row when the increment would overshoot
	mock.ExpectQuery("INSERT INTO feature_usage").
		WithArgs(sqlmock.AnyArg(), "user-1", "ask_questions", 1, 10).
		WillReturnError(sql.ErrNoRows)

	result, err := tracker.IncrementUsage(context.Background(), "user-1", "ask_questions", 1)
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.True(t, result.ReachedLimit)
	assert.Equal(t, 10, result.Limit)
	assert.Equal(t, []TierType{TierPremium}, result.Suggestions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage_AmountLargerThanCap(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierFree)

	result, err := tracker.IncrementUsage(context.Background(), "user-1", "ask_questions", 11)
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.True(t, result.ReachedLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage_UnlimitedFeature(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierPro)
	mock.ExpectQuery("INSERT INTO feature_usage").
		WithArgs(sqlmock.AnyArg(), "user-1", "ask_questions", 1).
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(42))

	result, err := tracker.IncrementUsage(context.Background(), "user-1", "ask_questions", 1)
	require.NoError(t, err)
	assert.True(t, result.Available)
	assert.True(t, result.Unlimited)
	assert.Equal(t, UnlimitedUsage, result.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage_NoAccess(t *testing.T) {
	tracker, mock := newTestTracker(t)

	expectTier(mock, "user-1", TierPremium)

	result, err := tracker.IncrementUsage(context.Background(), "user-1", "custom_pathways", 1)
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.Equal(t, []TierType{TierPro}, result.Suggestions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckUsageLimit_ReadsRedisCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	tracker := NewPostgresUsageTracker(db, client, NewCatalog(), logger)
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	require.NoError(t, mr.Set("usage:user-1:ask_questions:2026-08-28", "4"))

	// Only the tier lookup hits postgres; the counter comes from the cache
	expectTier(mock, "user-1", TierFree)

	result, err := tracker.CheckUsageLimit(context.Background(), "user-1", "ask_questions")
	require.NoError(t, err)
	assert.True(t, result.Available)
	assert.Equal(t, 6, result.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentCount_CountsCacheHitsAndMisses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	tracker := NewPostgresUsageTracker(db, client, NewCatalog(), logger)
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }
	metrics := observability.NewMetrics(nil)
	tracker.SetMetrics(metrics)

	require.NoError(t, mr.Set("usage:user-1:ask_questions:2026-08-28", "4"))
	expectTier(mock, "user-1", TierFree)

	_, err = tracker.CheckUsageLimit(context.Background(), "user-1", "ask_questions")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UsageCacheHitsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.UsageCacheMissesTotal))

	// Evict the key so the next read falls back to postgres
	mr.Del("usage:user-1:ask_questions:2026-08-28")
	expectTier(mock, "user-1", TierFree)
	mock.ExpectQuery("SELECT usage_count FROM feature_usage").
		WithArgs("user-1", "ask_questions").
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(4))

	_, err = tracker.CheckUsageLimit(context.Background(), "user-1", "ask_questions")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UsageCacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UsageCacheMissesTotal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementUsage_WritesRedisCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	tracker := NewPostgresUsageTracker(db, client, NewCatalog(), logger)
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	expectTier(mock, "user-1", TierFree)
	mock.ExpectQuery("INSERT INTO feature_usage").
		WithArgs(sqlmock.AnyArg(), "user-1", "ask_questions", 1, 10).
		WillReturnRows(sqlmock.NewRows([]string{"usage_count"}).AddRow(5))

	_, err = tracker.IncrementUsage(context.Background(), "user-1", "ask_questions", 1)
	require.NoError(t, err)

	val, err := mr.Get("usage:user-1:ask_questions:2026-08-28")
	require.NoError(t, err)
	assert.Equal(t, "5", val)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageSummary(t *testing.T) {
	tracker, mock := newTestTracker(t)
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	expectTier(mock, "user-1", TierFree)
	mock.ExpectQuery("SELECT feature_name, usage_count FROM feature_usage").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"feature_name", "usage_count"}).
			AddRow("ask_questions", 8).
			AddRow("journal_entries", 5))

	summaries, err := tracker.UsageSummary(context.Background(), "user-1")
	require.NoError(t, err)

	byFeature := make(map[string]FeatureUsageSummary, len(summaries))
	for _, s := range summaries {
		byFeature[s.Feature] = s
	}

	ask := byFeature["ask_questions"]
	assert.Equal(t, 8, ask.Used)
	assert.Equal(t, 10, ask.Limit)
	assert.Equal(t, 2, ask.Remaining)
	assert.Equal(t, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), ask.ResetsAt)

	journal := byFeature["journal_entries"]
	assert.Equal(t, 5, journal.Used)
	assert.Equal(t, 0, journal.Remaining)

	// Unused limited features still appear with a zero count
	quest := byFeature["quest_daily"]
	assert.Equal(t, 0, quest.Used)
	assert.Equal(t, 1, quest.Limit)

	// Boolean features are not usage-tracked
	_, ok := byFeature["basic_questions"]
	assert.False(t, ok)

	// Summaries come back sorted by feature name
	for i := 1; i < len(summaries); i++ {
		assert.Less(t, summaries[i-1].Feature, summaries[i].Feature)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneStaleCounters(t *testing.T) {
	tracker, mock := newTestTracker(t)

	mock.ExpectExec("DELETE FROM feature_usage").
		WithArgs("2026-08-21").
		WillReturnResult(sqlmock.NewResult(0, 12))

	count, err := tracker.PruneStaleCounters(context.Background(), time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
