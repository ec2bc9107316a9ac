package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GlobalWorkspace holds platform-wide rules shared with workspaces that
// opted in.
const GlobalWorkspace = ""

// RuleRow is a stored correction rule.
type RuleRow struct {
	ID          uuid.UUID
	WorkspaceID string
	Owner       string
	IsGlobal    bool
	Pattern     string
	Replacement string
	Scope       string
	Anonymize   bool
	Priority    int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (db *DB) InsertRule(ctx context.Context, r *RuleRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO correction_rules (id, workspace_id, owner, is_global,
			pattern, replacement, scope, anonymize, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.WorkspaceID, r.Owner, r.IsGlobal,
		r.Pattern, r.Replacement, r.Scope, r.Anonymize, r.Priority, r.Active)
	return err
}

func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (*RuleRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, workspace_id, owner, is_global, pattern, replacement,
			scope, anonymize, priority, active, created_at, updated_at
		FROM correction_rules WHERE id = $1
	`, id)
	return scanRule(row)
}

func scanRule(row pgx.Row) (*RuleRow, error) {
	var r RuleRow
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.Owner, &r.IsGlobal, &r.Pattern, &r.Replacement,
		&r.Scope, &r.Anonymize, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRule rewrites the mutable fields of a rule. In-flight jobs are
// unaffected: the pipeline snapshots its rule set before post-processing.
func (db *DB) UpdateRule(ctx context.Context, r *RuleRow) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE correction_rules SET pattern = $2, replacement = $3, scope = $4,
			anonymize = $5, priority = $6, active = $7, updated_at = now()
		WHERE id = $1
	`, r.ID, r.Pattern, r.Replacement, r.Scope, r.Anonymize, r.Priority, r.Active)
	return err
}

func (db *DB) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE correction_rules SET active = false, updated_at = now() WHERE id = $1`, id)
	return err
}

// ListRules returns one page of a workspace's rules for the management
// API, priority order.
func (db *DB) ListRules(ctx context.Context, workspaceID string, limit, offset int) ([]RuleRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, workspace_id, owner, is_global, pattern, replacement,
			scope, anonymize, priority, active, created_at, updated_at
		FROM correction_rules
		WHERE workspace_id = $1
		ORDER BY priority, created_at
		LIMIT $2 OFFSET $3
	`, workspaceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// SnapshotRules returns the active rule set applicable to a workspace at
// this instant: the workspace's own rules plus, when opted in, the
// platform-wide global rules. The caller holds the returned slice for the
// whole post-processing stage.
func (db *DB) SnapshotRules(ctx context.Context, workspaceID string, globalOptIn bool) ([]RuleRow, error) {
	query := `
		SELECT id, workspace_id, owner, is_global, pattern, replacement,
			scope, anonymize, priority, active, created_at, updated_at
		FROM correction_rules
		WHERE active = true AND workspace_id = $1
		ORDER BY priority, created_at`
	args := []any{workspaceID}
	if globalOptIn {
		query = `
		SELECT id, workspace_id, owner, is_global, pattern, replacement,
			scope, anonymize, priority, active, created_at, updated_at
		FROM correction_rules
		WHERE active = true AND (workspace_id = $1 OR (workspace_id = $2 AND is_global))
		ORDER BY priority, created_at`
		args = append(args, GlobalWorkspace)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]RuleRow, error) {
	var out []RuleRow
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
