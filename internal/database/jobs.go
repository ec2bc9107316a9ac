package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PolicySnapshot is the workspace retention policy frozen onto a job at
// submission time. Later policy edits never affect an in-flight job.
type PolicySnapshot struct {
	RetentionDays          int  `json:"retention_days"`
	StoreMedia             bool `json:"store_media"`
	StoreTranscript        bool `json:"store_transcript"`
	AllowAnonymousLearning bool `json:"allow_anonymous_learning"`
	GlobalRulesOptIn       bool `json:"global_rules_opt_in"`
}

// JobRow is one pipeline run for one media asset.
type JobRow struct {
	ID               uuid.UUID
	WorkspaceID      string
	TranscriptID     uuid.UUID
	MediaKey         string
	OriginalFilename string
	Stage            string
	Status           string
	Attempts         map[string]int
	LastError        *string
	ErrorClass       *string
	FailureEventSeq  *int64
	CancelRequested  bool
	Policy           PolicySnapshot
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (db *DB) InsertJob(ctx context.Context, row *JobRow) error {
	policy, err := json.Marshal(row.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	attempts := row.Attempts
	if attempts == nil {
		attempts = map[string]int{}
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, workspace_id, transcript_id, media_key, original_filename,
			stage, status, attempts, policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, row.ID, row.WorkspaceID, row.TranscriptID, row.MediaKey, row.OriginalFilename,
		row.Stage, row.Status, attemptsJSON, policy)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*JobRow, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, workspace_id, transcript_id, media_key, original_filename,
			stage, status, attempts, last_error, error_class, failure_event_seq,
			cancel_requested, policy, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (*JobRow, error) {
	var j JobRow
	var attempts, policy []byte
	err := row.Scan(
		&j.ID, &j.WorkspaceID, &j.TranscriptID, &j.MediaKey, &j.OriginalFilename,
		&j.Stage, &j.Status, &attempts, &j.LastError, &j.ErrorClass, &j.FailureEventSeq,
		&j.CancelRequested, &policy, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attempts, &j.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	if err := json.Unmarshal(policy, &j.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return &j, nil
}

// UpdateJobProgress records the job's current stage, status, and per-stage
// attempt counters.
func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, stage, status string, attempts map[string]int) error {
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		UPDATE jobs SET stage = $2, status = $3, attempts = $4, updated_at = now()
		WHERE id = $1
	`, id, stage, status, attemptsJSON)
	return err
}

// SetJobFailure moves a job to a terminal failed/cancelled status and
// records the error classification plus the audit event describing it.
func (db *DB) SetJobFailure(ctx context.Context, id uuid.UUID, status, errClass, lastError string, failureEventSeq int64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_class = $3, last_error = $4,
			failure_event_seq = $5, updated_at = now()
		WHERE id = $1
	`, id, status, errClass, lastError, failureEventSeq)
	return err
}

// MarkCancelRequested flags a non-terminal job for cooperative
// cancellation. Returns false if the job is already terminal.
func (db *DB) MarkCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = true, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IsCancelRequested reads the cancellation flag. The orchestrator checks
// this only between stages.
func (db *DB) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := db.Pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return flag, err
}

// ListResumableJobs returns jobs left pending or running by a previous
// process, oldest first, so the worker pool can pick them back up.
func (db *DB) ListResumableJobs(ctx context.Context) ([]JobRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, workspace_id, transcript_id, media_key, original_filename,
			stage, status, attempts, last_error, error_class, failure_event_seq,
			cancel_requested, policy, created_at, updated_at
		FROM jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
