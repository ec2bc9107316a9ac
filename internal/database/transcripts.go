package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TranscriptRow is the finalized output aggregate for one job.
type TranscriptRow struct {
	ID          uuid.UUID
	WorkspaceID string
	JobID       uuid.UUID
	Language    string
	Models      map[string]string // stage name → model identifier
	DurationMs  int64
	Version     int
	PurgeAfter  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SegmentRow is a time-bounded, speaker-attributed span of transcript text.
// BaselineText is the text as produced by alignment/diarization; Text is
// the corrected text. Corrections always re-derive from BaselineText.
type SegmentRow struct {
	TranscriptID uuid.UUID
	Index        int
	Speaker      string
	StartMs      int64
	EndMs        int64
	Text         string
	BaselineText string
	Confidence   *float32
	Words        json.RawMessage
	Changes      json.RawMessage
	Edited       bool
}

// InsertTranscript writes the transcript, its segments, and its speaker
// aliases in one transaction.
func (db *DB) InsertTranscript(ctx context.Context, t *TranscriptRow, segments []SegmentRow, aliases map[string]string) error {
	models, err := json.Marshal(t.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transcripts (id, workspace_id, job_id, language, models, duration_ms, version, purge_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.WorkspaceID, t.JobID, t.Language, models, t.DurationMs, t.Version, t.PurgeAfter)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}

	for _, s := range segments {
		_, err = tx.Exec(ctx, `
			INSERT INTO segments (transcript_id, idx, speaker, start_ms, end_ms,
				text, baseline_text, confidence, words, changes, edited)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, s.TranscriptID, s.Index, s.Speaker, s.StartMs, s.EndMs,
			s.Text, s.BaselineText, s.Confidence, s.Words, s.Changes, s.Edited)
		if err != nil {
			return fmt.Errorf("insert segment %d: %w", s.Index, err)
		}
	}

	for placeholder, alias := range aliases {
		_, err = tx.Exec(ctx, `
			INSERT INTO speaker_aliases (transcript_id, placeholder, alias)
			VALUES ($1, $2, $3)
		`, t.ID, placeholder, alias)
		if err != nil {
			return fmt.Errorf("insert alias %q: %w", placeholder, err)
		}
	}

	return tx.Commit(ctx)
}

func (db *DB) GetTranscript(ctx context.Context, id uuid.UUID) (*TranscriptRow, error) {
	var t TranscriptRow
	var models []byte
	err := db.Pool.QueryRow(ctx, `
		SELECT id, workspace_id, job_id, language, models, duration_ms, version, purge_after, created_at, updated_at
		FROM transcripts WHERE id = $1
	`, id).Scan(&t.ID, &t.WorkspaceID, &t.JobID, &t.Language, &models, &t.DurationMs, &t.Version, &t.PurgeAfter, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(models, &t.Models); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}
	return &t, nil
}

func (db *DB) ListSegments(ctx context.Context, transcriptID uuid.UUID) ([]SegmentRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT transcript_id, idx, speaker, start_ms, end_ms,
			text, baseline_text, confidence, words, changes, edited
		FROM segments WHERE transcript_id = $1 ORDER BY idx
	`, transcriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []SegmentRow
	for rows.Next() {
		var s SegmentRow
		if err := rows.Scan(&s.TranscriptID, &s.Index, &s.Speaker, &s.StartMs, &s.EndMs,
			&s.Text, &s.BaselineText, &s.Confidence, &s.Words, &s.Changes, &s.Edited); err != nil {
			return nil, err
		}
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

func (db *DB) ListAliases(ctx context.Context, transcriptID uuid.UUID) (map[string]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT placeholder, alias FROM speaker_aliases WHERE transcript_id = $1`, transcriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aliases := map[string]string{}
	for rows.Next() {
		var placeholder, alias string
		if err := rows.Scan(&placeholder, &alias); err != nil {
			return nil, err
		}
		aliases[placeholder] = alias
	}
	return aliases, rows.Err()
}

// UpdateSegmentText applies a user edit: the corrected text changes, the
// edited flag sticks, and the transcript version bumps. Returns the new
// version. Joins the caller's transaction when ctx carries one, so the
// edit and its audit event commit together.
func (db *DB) UpdateSegmentText(ctx context.Context, transcriptID uuid.UUID, index int, text string) (int, error) {
	var version int
	err := db.InTx(ctx, func(ctx context.Context) error {
		q := db.q(ctx)
		tag, err := q.Exec(ctx, `
			UPDATE segments SET text = $3, edited = true
			WHERE transcript_id = $1 AND idx = $2
		`, transcriptID, index, text)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("segment %d not found", index)
		}

		return q.QueryRow(ctx, `
			UPDATE transcripts SET version = version + 1, updated_at = now()
			WHERE id = $1 RETURNING version
		`, transcriptID).Scan(&version)
	})
	return version, err
}

// UpsertAlias assigns a human name to a diarization placeholder and bumps
// the transcript version. Returns the new version. Joins the caller's
// transaction when ctx carries one.
func (db *DB) UpsertAlias(ctx context.Context, transcriptID uuid.UUID, placeholder, alias string) (int, error) {
	var version int
	err := db.InTx(ctx, func(ctx context.Context) error {
		q := db.q(ctx)
		_, err := q.Exec(ctx, `
			INSERT INTO speaker_aliases (transcript_id, placeholder, alias)
			VALUES ($1, $2, $3)
			ON CONFLICT (transcript_id, placeholder) DO UPDATE SET alias = EXCLUDED.alias
		`, transcriptID, placeholder, alias)
		if err != nil {
			return err
		}

		return q.QueryRow(ctx, `
			UPDATE transcripts SET version = version + 1, updated_at = now()
			WHERE id = $1 RETURNING version
		`, transcriptID).Scan(&version)
	})
	return version, err
}

// ListPurgeable returns transcripts whose purge_after deadline has passed.
func (db *DB) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]TranscriptRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, workspace_id, job_id, language, models, duration_ms, version, purge_after, created_at, updated_at
		FROM transcripts
		WHERE purge_after IS NOT NULL AND purge_after <= $1
		ORDER BY purge_after
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptRow
	for rows.Next() {
		var t TranscriptRow
		var models []byte
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.JobID, &t.Language, &models,
			&t.DurationMs, &t.Version, &t.PurgeAfter, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(models, &t.Models); err != nil {
			return nil, fmt.Errorf("unmarshal models: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTranscript removes a transcript and, via cascade, its segments and
// aliases. Audit events are intentionally untouched.
func (db *DB) DeleteTranscript(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM transcripts WHERE id = $1`, id)
	return err
}
