// Package postgres manages the service's PostgreSQL and Redis connections
// and bootstraps the schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Noodynamo/conceptus-veritas/pkg/config"
)

// Open connects to PostgreSQL and verifies the connection
func Open(cfg config.StorageConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// Bootstrap creates the tables the service needs if they do not exist
func Bootstrap(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS user_subscriptions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			tier VARCHAR(20) NOT NULL DEFAULT 'free',
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			platform VARCHAR(50),
			billing_cycle VARCHAR(20) NOT NULL DEFAULT 'none',
			payment_method VARCHAR(50),
			offer_code VARCHAR(100),
			auto_renew BOOLEAN NOT NULL DEFAULT false,
			pending_tier VARCHAR(20),
			is_in_trial BOOLEAN NOT NULL DEFAULT false,
			trial_end TIMESTAMPTZ,
			current_period_start TIMESTAMPTZ,
			current_period_end TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_subscriptions_user_id ON user_subscriptions(user_id)`,
		`CREATE TABLE IF NOT EXISTS feature_usage (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			feature_name VARCHAR(50) NOT NULL,
			usage_date DATE NOT NULL DEFAULT CURRENT_DATE,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, feature_name, usage_date)
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_events (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			subscription_id TEXT,
			event_type VARCHAR(50) NOT NULL,
			previous_tier VARCHAR(20),
			new_tier VARCHAR(20),
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_events_user_id ON subscription_events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_events_event_type ON subscription_events(event_type)`,
		`CREATE TABLE IF NOT EXISTS analytics_schema_versions (
			id UUID PRIMARY KEY,
			schema_name VARCHAR(100) NOT NULL,
			version INTEGER NOT NULL,
			changes TEXT,
			is_breaking BOOLEAN NOT NULL DEFAULT false,
			migrated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (schema_name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS analytics_event_schemas (
			id UUID PRIMARY KEY,
			schema_name VARCHAR(100) NOT NULL,
			version INTEGER NOT NULL,
			description TEXT,
			properties JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (schema_name, version)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}
