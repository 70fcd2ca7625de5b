package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements creates every table and index the gateway needs. Each
// statement is idempotent (IF NOT EXISTS) so Bootstrap is safe to run on
// every process start, following the teacher's own migration-runner idiom
// of bootstrapping schema rather than shipping a separate migration tool
// for a handful of tables.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS phone_mappings (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		phone_e164 TEXT NOT NULL,
		is_primary BOOLEAN NOT NULL DEFAULT false,
		is_verified BOOLEAN NOT NULL DEFAULT false,
		verification_method TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS phone_mappings_phone_e164_key ON phone_mappings (phone_e164)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS phone_mappings_one_primary_per_user ON phone_mappings (user_id) WHERE is_primary`,
	`CREATE TABLE IF NOT EXISTS verification_codes (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		phone_e164 TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS verification_codes_user_phone_key ON verification_codes (user_id, phone_e164)`,
	`CREATE TABLE IF NOT EXISTS onboarding_sessions (
		id UUID PRIMARY KEY,
		phone_e164 TEXT NOT NULL,
		current_step TEXT NOT NULL,
		collected_data JSONB NOT NULL DEFAULT '{}',
		last_processed_carrier_id TEXT NOT NULL DEFAULT '',
		last_reply TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS onboarding_sessions_phone_key ON onboarding_sessions (phone_e164)`,
	`CREATE TABLE IF NOT EXISTS sms_attempts (
		id UUID PRIMARY KEY,
		user_id BIGINT REFERENCES users(id),
		phone_e164 TEXT NOT NULL,
		direction TEXT NOT NULL,
		body TEXT NOT NULL,
		carrier_sid TEXT,
		provider_status TEXT,
		final_status TEXT NOT NULL,
		error_code TEXT,
		error_message TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMPTZ,
		cost_cents INT,
		country_code TEXT,
		reply_body TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sms_attempts_carrier_sid_key
		ON sms_attempts (carrier_sid) WHERE carrier_sid IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS sms_attempts_retry_due_idx
		ON sms_attempts (next_retry_at) WHERE next_retry_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
		user_id BIGINT NOT NULL REFERENCES users(id),
		year_month TEXT NOT NULL,
		sms_count_in BIGINT NOT NULL DEFAULT 0,
		sms_count_out BIGINT NOT NULL DEFAULT 0,
		cost_cents_total BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, year_month)
	)`,
	`CREATE TABLE IF NOT EXISTS opt_outs (
		phone_e164 TEXT PRIMARY KEY,
		opted_out_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Bootstrap creates every table this gateway needs if it does not already
// exist. It is idempotent and safe to call on every process start.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: bootstrapping schema: %w", err)
		}
	}
	return nil
}
