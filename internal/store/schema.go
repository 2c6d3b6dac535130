package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// schema is the full DDL for the analysis store. Statements are idempotent
// (IF NOT EXISTS) so Migrate can run on every deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS chains (
		id                 UUID PRIMARY KEY,
		group_key          TEXT NOT NULL UNIQUE,
		subject_hash       TEXT NOT NULL DEFAULT '',
		conversation_id    TEXT NOT NULL DEFAULT '',
		chain_type         TEXT NOT NULL DEFAULT 'general',
		completeness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		email_count        INTEGER NOT NULL DEFAULT 0,
		first_email_at     TIMESTAMPTZ,
		last_email_at      TIMESTAMPTZ,
		primary_workflow   TEXT NOT NULL DEFAULT '',
		recommended_phase  INTEGER NOT NULL DEFAULT 1,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS emails (
		id                  UUID PRIMARY KEY,
		internet_message_id TEXT NOT NULL UNIQUE,
		subject             TEXT NOT NULL DEFAULT '',
		sender_address      TEXT NOT NULL DEFAULT '',
		sender_display      TEXT NOT NULL DEFAULT '',
		body_text           TEXT NOT NULL DEFAULT '',
		body_preview        TEXT NOT NULL DEFAULT '',
		received_at         TIMESTAMPTZ NOT NULL,
		conversation_id     TEXT NOT NULL DEFAULT '',
		importance          TEXT NOT NULL DEFAULT 'normal',
		status              TEXT NOT NULL DEFAULT 'pending',
		phase_completed     INTEGER NOT NULL DEFAULT 0,
		chain_id            UUID REFERENCES chains(id),
		completeness_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
		recommended_phase   INTEGER NOT NULL DEFAULT 1,
		analysis_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		processing_time_ms  BIGINT NOT NULL DEFAULT 0,
		model_used          TEXT NOT NULL DEFAULT '',
		tokens_used         INTEGER NOT NULL DEFAULT 0,
		error_message       TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS email_recipients (
		email_id  UUID NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		kind      TEXT NOT NULL,
		address   TEXT NOT NULL,
		display   TEXT NOT NULL DEFAULT '',
		position  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (email_id, kind, position)
	)`,

	// One row per (email, phase). The composite key is what makes phase
	// result persistence idempotent under at-least-once job delivery.
	`CREATE TABLE IF NOT EXISTS phase_results (
		email_id    UUID NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		phase       INTEGER NOT NULL,
		result      JSONB NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		model_used  TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (email_id, phase)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_emails_status_phase_received
		ON emails (status, recommended_phase, received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_received_desc
		ON emails (received_at DESC, id)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_chain_score
		ON emails (chain_id, completeness_score)`,
	`CREATE INDEX IF NOT EXISTS idx_chains_group_key
		ON chains (group_key)`,
}

// Migrate applies the store schema. Safe to run repeatedly.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	log.Printf("[Store] Schema applied (%d statements)", len(schema))
	return nil
}
