package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// RetentionPolicyRow is the per-workspace retention configuration.
type RetentionPolicyRow struct {
	WorkspaceID            string
	RetentionDays          int
	StoreMedia             bool
	StoreTranscript        bool
	AllowAnonymousLearning bool
	GlobalRulesOptIn       bool
	UpdatedAt              time.Time
}

// DefaultPolicy is applied to workspaces without an explicit policy row.
func DefaultPolicy(workspaceID string) RetentionPolicyRow {
	return RetentionPolicyRow{
		WorkspaceID:     workspaceID,
		RetentionDays:   30,
		StoreMedia:      true,
		StoreTranscript: true,
	}
}

// GetPolicy returns the workspace's retention policy, falling back to the
// default when none is stored.
func (db *DB) GetPolicy(ctx context.Context, workspaceID string) (RetentionPolicyRow, error) {
	var p RetentionPolicyRow
	err := db.Pool.QueryRow(ctx, `
		SELECT workspace_id, retention_days, store_media, store_transcript,
			allow_anonymous_learning, global_rules_opt_in, updated_at
		FROM retention_policies WHERE workspace_id = $1
	`, workspaceID).Scan(&p.WorkspaceID, &p.RetentionDays, &p.StoreMedia, &p.StoreTranscript,
		&p.AllowAnonymousLearning, &p.GlobalRulesOptIn, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultPolicy(workspaceID), nil
	}
	if err != nil {
		return p, err
	}
	return p, nil
}

func (db *DB) UpsertPolicy(ctx context.Context, p *RetentionPolicyRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO retention_policies (workspace_id, retention_days, store_media,
			store_transcript, allow_anonymous_learning, global_rules_opt_in, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (workspace_id) DO UPDATE SET
			retention_days = EXCLUDED.retention_days,
			store_media = EXCLUDED.store_media,
			store_transcript = EXCLUDED.store_transcript,
			allow_anonymous_learning = EXCLUDED.allow_anonymous_learning,
			global_rules_opt_in = EXCLUDED.global_rules_opt_in,
			updated_at = now()
	`, p.WorkspaceID, p.RetentionDays, p.StoreMedia, p.StoreTranscript,
		p.AllowAnonymousLearning, p.GlobalRulesOptIn)
	return err
}

// PolicyFromRow freezes a policy row into the snapshot stored on a job.
func PolicyFromRow(p RetentionPolicyRow) PolicySnapshot {
	return PolicySnapshot{
		RetentionDays:          p.RetentionDays,
		StoreMedia:             p.StoreMedia,
		StoreTranscript:        p.StoreTranscript,
		AllowAnonymousLearning: p.AllowAnonymousLearning,
		GlobalRulesOptIn:       p.GlobalRulesOptIn,
	}
}
