package database

import (
	"context"
	"fmt"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add segments.changes",
		sql:   `ALTER TABLE segments ADD COLUMN IF NOT EXISTS changes jsonb`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'segments' AND column_name = 'changes')`,
	},
	{
		name:  "add jobs.failure_event_seq",
		sql:   `ALTER TABLE jobs ADD COLUMN IF NOT EXISTS failure_event_seq bigint`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'jobs' AND column_name = 'failure_event_seq')`,
	},
	{
		name:  "add correction_rules.anonymize",
		sql:   `ALTER TABLE correction_rules ADD COLUMN IF NOT EXISTS anonymize boolean NOT NULL DEFAULT false`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'correction_rules' AND column_name = 'anonymize')`,
	},
	{
		name:  "add retention_policies.global_rules_opt_in",
		sql:   `ALTER TABLE retention_policies ADD COLUMN IF NOT EXISTS global_rules_opt_in boolean NOT NULL DEFAULT false`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'retention_policies' AND column_name = 'global_rules_opt_in')`,
	},
	{
		// Canonical payload bytes are hashed before storage; jsonb would
		// re-serialize them on read and break chain verification.
		name:  "audit_events.payload jsonb to text",
		sql:   `ALTER TABLE audit_events ALTER COLUMN payload TYPE text USING payload::text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'audit_events' AND column_name = 'payload' AND data_type = 'text')`,
	},
	{
		name:  "add transcripts purge index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_transcripts_purge ON transcripts (purge_after) WHERE purge_after IS NOT NULL`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_transcripts_purge')`,
	},
}

// Migrate runs all pending schema migrations. Failures are fatal to the
// caller since queries depend on the migrated columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		db.log.Debug().Msg("schema up to date")
		return nil
	}

	for _, m := range pending {
		db.log.Info().Str("migration", m.name).Msg("applying migration")
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
	}

	db.log.Info().Int("applied", len(pending)).Msg("migrations complete")
	return nil
}
