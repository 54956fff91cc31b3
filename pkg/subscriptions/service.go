package subscriptions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Noodynamo/conceptus-veritas/pkg/async"
	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

// EventEmitter sends product analytics events. Implemented by the
// analytics dispatcher; failures are reported by returning false and
// must never abort a subscription transition.
type EventEmitter interface {
	Track(ctx context.Context, userID, event string, properties map[string]any) bool
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db      *sql.DB
	access  *Access
	catalog *Catalog
	policy  DowngradePolicy
	emitter EventEmitter
	usage   UsageTracker
	logger  *observability.Logger
	metrics *observability.Metrics

	trialDays int
}

// NewPostgresService creates a PostgreSQL-backed subscription service
func NewPostgresService(db *sql.DB, catalog *Catalog, policy DowngradePolicy, emitter EventEmitter, usage UsageTracker, logger *observability.Logger) *PostgresService {
	if policy == "" {
		policy = DowngradeDeferred
	}
	return &PostgresService{
		db:        db,
		access:    NewAccess(catalog),
		catalog:   catalog,
		policy:    policy,
		emitter:   emitter,
		usage:     usage,
		logger:    logger,
		trialDays: 14,
	}
}

// SetDefaultTrialDays overrides the trial length used when a request
// does not specify one
func (s *PostgresService) SetDefaultTrialDays(days int) {
	if days > 0 {
		s.trialDays = days
	}
}

// SetMetrics attaches transition counters
func (s *PostgresService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// Access returns the catalog evaluator backing this service
func (s *PostgresService) Access() *Access {
	return s.access
}

const subscriptionColumns = `
	id, user_id, tier, status, platform, billing_cycle, payment_method,
	offer_code, auto_renew, pending_tier, is_in_trial, trial_end,
	current_period_start, current_period_end, created_at, updated_at
`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var platform, paymentMethod, offerCode, pendingTier sql.NullString
	var trialEnd, periodStart, periodEnd sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Tier, &sub.Status, &platform,
		&sub.BillingCycle, &paymentMethod, &offerCode, &sub.AutoRenew,
		&pendingTier, &sub.IsInTrial, &trialEnd, &periodStart, &periodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Platform = platform.String
	sub.PaymentMethod = paymentMethod.String
	if offerCode.Valid {
		sub.OfferCode = &offerCode.String
	}
	if pendingTier.Valid {
		tier := TierType(pendingTier.String)
		sub.PendingTier = &tier
	}
	if trialEnd.Valid {
		sub.TrialEnd = &trialEnd.Time
	}
	if periodStart.Valid {
		sub.CurrentPeriodStart = &periodStart.Time
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = &periodEnd.Time
	}
	return &sub, nil
}

// GetSubscription returns the user's subscription. Users without a record
// get an implicit free subscription rather than an error.
func (s *PostgresService) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE user_id = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return implicitFreeSubscription(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByID returns a subscription by its record ID
func (s *PostgresService) GetSubscriptionByID(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns subscription records ordered by creation time
func (s *PostgresService) ListSubscriptions(ctx context.Context, limit, offset int) ([]*Subscription, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// StartSubscription creates or replaces the user's subscription record
func (s *PostgresService) StartSubscription(ctx context.Context, req StartRequest) (*Subscription, error) {
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("unknown tier: %s", req.Tier)
	}
	if req.BillingCycle == "" {
		req.BillingCycle = CycleMonthly
	}
	if req.Tier == TierFree {
		req.BillingCycle = CycleNone
	}

	now := time.Now().UTC()
	var periodStart, periodEnd *time.Time
	switch req.BillingCycle {
	case CycleMonthly:
		end := now.AddDate(0, 1, 0)
		periodStart, periodEnd = &now, &end
	case CycleAnnual:
		end := now.AddDate(1, 0, 0)
		periodStart, periodEnd = &now, &end
	}

	query := `
		INSERT INTO user_subscriptions (
			id, user_id, tier, status, platform, billing_cycle, payment_method,
			offer_code, auto_renew, is_in_trial, current_period_start,
			current_period_end, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10, $11, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			platform = EXCLUDED.platform,
			billing_cycle = EXCLUDED.billing_cycle,
			payment_method = EXCLUDED.payment_method,
			offer_code = EXCLUDED.offer_code,
			auto_renew = EXCLUDED.auto_renew,
			pending_tier = NULL,
			is_in_trial = false,
			trial_end = NULL,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), req.UserID, req.Tier, StatusActive,
		nullString(req.Platform), req.BillingCycle, nullString(req.PaymentMethod),
		req.OfferCode, req.Tier != TierFree, periodStart, periodEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start subscription: %w", err)
	}

	sub, err := s.GetSubscription(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, sub, EventSubscriptionStarted, TierFree, req.Tier, map[string]any{
		"billing_cycle": string(req.BillingCycle),
		"platform":      req.Platform,
	})
	return sub, nil
}

// StartTrial starts a time-boxed trial of a paid tier. Days defaults to 14.
func (s *PostgresService) StartTrial(ctx context.Context, userID string, tier TierType, days int) (*Subscription, error) {
	if !tier.Valid() || tier == TierFree {
		return nil, fmt.Errorf("cannot trial tier: %s", tier)
	}
	if days <= 0 {
		days = s.trialDays
	}

	now := time.Now().UTC()
	trialEnd := now.AddDate(0, 0, days)

	query := `
		INSERT INTO user_subscriptions (
			id, user_id, tier, status, billing_cycle, auto_renew,
			is_in_trial, trial_end, current_period_start, current_period_end,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, false, true, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			pending_tier = NULL,
			is_in_trial = true,
			trial_end = EXCLUDED.trial_end,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), userID, tier, StatusTrialing, CycleNone,
		trialEnd, now, trialEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start trial: %w", err)
	}

	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, sub, EventTrialStarted, TierFree, tier, map[string]any{
		"trial_days": days,
	})
	return sub, nil
}

// UpgradeTier moves the user to a strictly higher tier. Lateral or
// downward requests fail with a TierOrderError and leave the record
// untouched.
func (s *PostgresService) UpgradeTier(ctx context.Context, userID string, newTier TierType) (*Subscription, error) {
	return s.transition(ctx, userID, newTier, "upgrade")
}

// DowngradeTier moves the user to a strictly lower tier. Under the
// deferred policy the current tier stays until period end and the target
// is recorded as pending.
func (s *PostgresService) DowngradeTier(ctx context.Context, userID string, newTier TierType) (*Subscription, error) {
	return s.transition(ctx, userID, newTier, "downgrade")
}

// transition performs an upgrade or downgrade inside a transaction,
// locking the user's row so concurrent transitions serialize.
func (s *PostgresService) transition(ctx context.Context, userID string, newTier TierType, op string) (*Subscription, error) {
	if !newTier.Valid() {
		return nil, fmt.Errorf("unknown tier: %s", newTier)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE user_id = $1 FOR UPDATE`
	current, err := scanSubscription(tx.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		current = implicitFreeSubscription(userID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	switch op {
	case "upgrade":
		if newTier.Ordinal() <= current.Tier.Ordinal() {
			return nil, &TierOrderError{Op: op, Current: current.Tier, Requested: newTier}
		}
	case "downgrade":
		if newTier.Ordinal() >= current.Tier.Ordinal() {
			return nil, &TierOrderError{Op: op, Current: current.Tier, Requested: newTier}
		}
	}

	deferred := op == "downgrade" && s.policy == DowngradeDeferred && current.CurrentPeriodEnd != nil

	if current.ID == "" {
		// Implicit free user upgrading for the first time
		now := time.Now().UTC()
		end := now.AddDate(0, 1, 0)
		insert := `
			INSERT INTO user_subscriptions (
				id, user_id, tier, status, billing_cycle, auto_renew,
				is_in_trial, current_period_start, current_period_end,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, true, false, $6, $7, NOW(), NOW())
		`
		if _, err := tx.ExecContext(ctx, insert,
			uuid.New().String(), userID, newTier, StatusActive, CycleMonthly, now, end,
		); err != nil {
			return nil, fmt.Errorf("failed to %s tier: %w", op, err)
		}
	} else if deferred {
		update := `UPDATE user_subscriptions SET pending_tier = $1, updated_at = NOW() WHERE user_id = $2`
		if _, err := tx.ExecContext(ctx, update, newTier, userID); err != nil {
			return nil, fmt.Errorf("failed to %s tier: %w", op, err)
		}
	} else {
		update := `UPDATE user_subscriptions SET tier = $1, pending_tier = NULL, updated_at = NOW() WHERE user_id = $2`
		if _, err := tx.ExecContext(ctx, update, newTier, userID); err != nil {
			return nil, fmt.Errorf("failed to %s tier: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", op, err)
	}

	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	eventType := EventTierUpgraded
	if op == "downgrade" {
		eventType = EventTierDowngraded
	}
	s.recordEvent(ctx, sub, eventType, current.Tier, newTier, map[string]any{
		"deferred": deferred,
	})
	return sub, nil
}

// CancelSubscription cancels the user's subscription. Non-immediate
// cancellation only turns off auto-renew; access continues until period
// end. Immediate cancellation drops the user to free right away.
func (s *PostgresService) CancelSubscription(ctx context.Context, userID string, immediate bool) (*Subscription, error) {
	current, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.ID == "" {
		return nil, &NotFoundError{ID: userID}
	}

	var query string
	if immediate {
		query = `
			UPDATE user_subscriptions
			SET tier = 'free', status = 'canceled', auto_renew = false,
				pending_tier = NULL, is_in_trial = false, updated_at = NOW()
			WHERE user_id = $1
		`
	} else {
		query = `
			UPDATE user_subscriptions
			SET auto_renew = false, updated_at = NOW()
			WHERE user_id = $1
		`
	}
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	newTier := current.Tier
	if immediate {
		newTier = TierFree
	}
	s.recordEvent(ctx, sub, EventSubscriptionCancelled, current.Tier, newTier, map[string]any{
		"immediate": immediate,
	})
	return sub, nil
}

// Summary builds the combined subscription and usage view for a user
func (s *PostgresService) Summary(ctx context.Context, userID string) (*SubscriptionSummary, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	features, err := s.usage.UsageSummary(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}

	return &SubscriptionSummary{
		UserID:    userID,
		Tier:      sub.Tier,
		Status:    sub.Status,
		AutoRenew: sub.AutoRenew,
		PeriodEnd: sub.CurrentPeriodEnd,
		Features:  features,
	}, nil
}

// ApplyPendingDowngrades applies deferred downgrades whose billing period
// has ended. Returns the number of subscriptions changed.
func (s *PostgresService) ApplyPendingDowngrades(ctx context.Context) (int64, error) {
	query := `
		UPDATE user_subscriptions
		SET tier = pending_tier, pending_tier = NULL, updated_at = NOW()
		WHERE pending_tier IS NOT NULL AND current_period_end <= NOW()
		RETURNING id, user_id, tier
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to apply pending downgrades: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var id, userID string
		var tier TierType
		if err := rows.Scan(&id, &userID, &tier); err != nil {
			return count, fmt.Errorf("failed to scan downgraded subscription: %w", err)
		}
		count++
		s.insertEvent(ctx, id, userID, EventTierDowngraded, "", tier, map[string]any{
			"deferred_applied": true,
		})
	}
	return count, rows.Err()
}

// ExpireLapsedTrials drops trials past their end date back to free.
// Returns the number of subscriptions changed.
func (s *PostgresService) ExpireLapsedTrials(ctx context.Context) (int64, error) {
	query := `
		UPDATE user_subscriptions
		SET tier = 'free', status = 'expired', is_in_trial = false, updated_at = NOW()
		WHERE is_in_trial = true AND trial_end <= NOW()
	`
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to expire trials: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return count, nil
}

// recordEvent appends a subscription event row and fires the matching
// analytics event. Neither failure aborts the transition.
func (s *PostgresService) recordEvent(ctx context.Context, sub *Subscription, eventType string, previousTier, newTier TierType, metadata map[string]any) {
	s.insertEvent(ctx, sub.ID, sub.UserID, eventType, previousTier, newTier, metadata)

	if s.metrics != nil {
		s.metrics.TierTransitionsTotal.WithLabelValues(eventType, string(newTier)).Inc()
	}

	if s.emitter == nil {
		return
	}
	props := map[string]any{
		"previous_tier": string(previousTier),
		"new_tier":      string(newTier),
	}
	for k, v := range metadata {
		props[k] = v
	}
	userID := sub.UserID
	// Detached from the request context: the handler returns (and its
	// context is cancelled) before the capture round-trip finishes
	async.SafeGo(context.Background(), 5*time.Second, "subscription analytics", func(ctx context.Context) error {
		s.emitter.Track(ctx, userID, "ph_"+eventType, props)
		return nil
	})
}

func (s *PostgresService) insertEvent(ctx context.Context, subscriptionID, userID, eventType string, previousTier, newTier TierType, metadata map[string]any) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	query := `
		INSERT INTO subscription_events (
			id, user_id, subscription_id, event_type, previous_tier, new_tier, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.New().String(), userID, nullString(subscriptionID), eventType,
		nullString(string(previousTier)), nullString(string(newTier)), metaJSON,
	)
	if err != nil {
		s.logger.WithError(err).WithField("event_type", eventType).Warn("failed to record subscription event")
	}
}

// implicitFreeSubscription is the synthesized record for users with no row
func implicitFreeSubscription(userID string) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		UserID:       userID,
		Tier:         TierFree,
		Status:       StatusActive,
		BillingCycle: CycleNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// nullString converts empty strings to NULL parameters
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
