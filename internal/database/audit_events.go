package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AuditEventRow is one immutable, hash-linked audit record. Event times are
// stored as unix nanoseconds so the hash input round-trips exactly
// (timestamptz would truncate to microseconds). Payload is written and
// read as an opaque string for the same reason: verification recomputes
// the hash over the stored bytes, so they must come back byte-identical.
type AuditEventRow struct {
	ID           uuid.UUID
	TranscriptID uuid.UUID
	Seq          int64
	EventType    string
	Payload      json.RawMessage
	EventTime    time.Time
	PrevHash     string
	CurrHash     string
}

// LastAuditEvent returns the newest event in a transcript's chain, or
// (nil, nil) for an empty chain.
func (db *DB) LastAuditEvent(ctx context.Context, transcriptID uuid.UUID) (*AuditEventRow, error) {
	var e AuditEventRow
	var ns int64
	var payload string
	err := db.q(ctx).QueryRow(ctx, `
		SELECT id, transcript_id, seq, event_type, payload, event_time_ns, prev_hash, curr_hash
		FROM audit_events
		WHERE transcript_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, transcriptID).Scan(&e.ID, &e.TranscriptID, &e.Seq, &e.EventType, &payload, &ns, &e.PrevHash, &e.CurrHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.EventTime = time.Unix(0, ns).UTC()
	return &e, nil
}

// InsertAuditEvent appends one event. The UNIQUE (transcript_id, seq)
// constraint is the last line of defense against concurrent appends on the
// same chain; the audit.Log serializes writers above this.
func (db *DB) InsertAuditEvent(ctx context.Context, e *AuditEventRow) error {
	_, err := db.q(ctx).Exec(ctx, `
		INSERT INTO audit_events (id, transcript_id, seq, event_type, payload, event_time_ns, prev_hash, curr_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.TranscriptID, e.Seq, e.EventType, string(e.Payload), e.EventTime.UTC().UnixNano(), e.PrevHash, e.CurrHash)
	return err
}

// ListAuditEvents returns a transcript's full chain in sequence order.
func (db *DB) ListAuditEvents(ctx context.Context, transcriptID uuid.UUID) ([]AuditEventRow, error) {
	return db.listAuditEvents(ctx, transcriptID, `
		SELECT id, transcript_id, seq, event_type, payload, event_time_ns, prev_hash, curr_hash
		FROM audit_events
		WHERE transcript_id = $1
		ORDER BY seq
	`)
}

// ListAuditEventsPage returns one page of a transcript's chain in sequence
// order. Verification always uses the full list; pagination is for the
// browse endpoint only.
func (db *DB) ListAuditEventsPage(ctx context.Context, transcriptID uuid.UUID, limit, offset int) ([]AuditEventRow, error) {
	return db.listAuditEvents(ctx, transcriptID, `
		SELECT id, transcript_id, seq, event_type, payload, event_time_ns, prev_hash, curr_hash
		FROM audit_events
		WHERE transcript_id = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3
	`, limit, offset)
}

func (db *DB) listAuditEvents(ctx context.Context, transcriptID uuid.UUID, sql string, extra ...any) ([]AuditEventRow, error) {
	args := append([]any{transcriptID}, extra...)
	rows, err := db.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEventRow
	for rows.Next() {
		var e AuditEventRow
		var ns int64
		var payload string
		if err := rows.Scan(&e.ID, &e.TranscriptID, &e.Seq, &e.EventType, &payload, &ns, &e.PrevHash, &e.CurrHash); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.EventTime = time.Unix(0, ns).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
