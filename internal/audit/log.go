// Package audit maintains the per-transcript chain-of-custody log. Every
// pipeline transition, edit, export, and deletion is recorded as one
// hash-linked event; the chain can be verified without trusting the store.
package audit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/hashchain"
)

// Event types recorded in the chain.
const (
	EventUpload        = "upload"
	EventStageStart    = "stage_start"
	EventStageComplete = "stage_complete"
	EventStageRetry    = "stage_retry"
	EventEdit          = "edit"
	EventSpeakerAssign = "speaker_assign"
	EventExport        = "export"
	EventComplete      = "process_complete"
	EventJobFailed     = "job_failed"
	EventJobCancelled  = "job_cancelled"
	EventDelete        = "delete"
)

// Store is the persistence surface the log writes through. *database.DB
// implements it; tests use an in-memory fake.
type Store interface {
	LastAuditEvent(ctx context.Context, transcriptID uuid.UUID) (*database.AuditEventRow, error)
	InsertAuditEvent(ctx context.Context, e *database.AuditEventRow) error
	ListAuditEvents(ctx context.Context, transcriptID uuid.UUID) ([]database.AuditEventRow, error)
}

// TxRunner is implemented by stores whose writes can join a transaction.
// *database.DB implements it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

const lockStripes = 64

// Log appends and verifies audit chains. Appends to the same transcript
// are serialized by a striped mutex, so memory stays bounded no matter how
// many transcripts pass through; transcripts on different stripes proceed
// independently. The log performs no retries; retry policy belongs to the
// caller, because a state transition is not durable until its audit write
// succeeded.
type Log struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time

	locks [lockStripes]sync.Mutex
}

func NewLog(store Store, log zerolog.Logger) *Log {
	return &Log{
		store: store,
		log:   log.With().Str("component", "audit").Logger(),
		now:   time.Now,
	}
}

func (l *Log) lockFor(transcriptID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(transcriptID[:])
	return &l.locks[h.Sum32()%lockStripes]
}

// Append records one event. The payload is marshaled canonically so hash
// recomputation is reproducible. Store failures surface as TransientError;
// the chain is left untouched.
func (l *Log) Append(ctx context.Context, transcriptID uuid.UUID, eventType string, payload any) (*database.AuditEventRow, error) {
	m := l.lockFor(transcriptID)
	m.Lock()
	defer m.Unlock()
	return l.append(ctx, transcriptID, eventType, payload)
}

// AppendWith runs mutate and then records one event, holding the
// transcript's append lock across both. When the store supports
// transactions the mutation and the chain write commit together: a
// mutation can never become durable without its audit record. mutate
// returns the event payload so it can include values the mutation
// produced.
func (l *Log) AppendWith(ctx context.Context, transcriptID uuid.UUID, eventType string, mutate func(ctx context.Context) (any, error)) (*database.AuditEventRow, error) {
	m := l.lockFor(transcriptID)
	m.Lock()
	defer m.Unlock()

	var ev *database.AuditEventRow
	run := func(ctx context.Context) error {
		payload, err := mutate(ctx)
		if err != nil {
			return err
		}
		e, err := l.append(ctx, transcriptID, eventType, payload)
		if err != nil {
			return err
		}
		ev = e
		return nil
	}

	if txr, ok := l.store.(TxRunner); ok {
		if err := txr.InTx(ctx, run); err != nil {
			return nil, err
		}
		return ev, nil
	}
	if err := run(ctx); err != nil {
		return nil, err
	}
	return ev, nil
}

// append assumes the caller holds the transcript's stripe lock.
func (l *Log) append(ctx context.Context, transcriptID uuid.UUID, eventType string, payload any) (*database.AuditEventRow, error) {
	canonical, err := hashchain.MarshalCanonical(payload)
	if err != nil {
		return nil, fault.Integrity("canonicalize payload", err)
	}

	last, err := l.store.LastAuditEvent(ctx, transcriptID)
	if err != nil {
		return nil, fault.Transient("read chain head", err)
	}

	prevHash := hashchain.Genesis
	seq := int64(1)
	if last != nil {
		prevHash = last.CurrHash
		seq = last.Seq + 1
	}

	ev := &database.AuditEventRow{
		ID:           uuid.New(),
		TranscriptID: transcriptID,
		Seq:          seq,
		EventType:    eventType,
		Payload:      canonical,
		EventTime:    l.now().UTC(),
		PrevHash:     prevHash,
	}
	ev.CurrHash = hashchain.Compute(ev.PrevHash, ev.EventType, ev.Payload, ev.EventTime)

	if err := l.store.InsertAuditEvent(ctx, ev); err != nil {
		return nil, fault.Transient("append audit event", err)
	}

	l.log.Debug().
		Str("transcript_id", transcriptID.String()).
		Str("event_type", eventType).
		Int64("seq", seq).
		Msg("audit event appended")
	return ev, nil
}

// Verify recomputes a transcript's full chain.
func (l *Log) Verify(ctx context.Context, transcriptID uuid.UUID) (hashchain.VerifyResult, error) {
	events, err := l.store.ListAuditEvents(ctx, transcriptID)
	if err != nil {
		return hashchain.VerifyResult{}, fault.Transient("list audit events", err)
	}

	links := make([]hashchain.Link, len(events))
	for i, e := range events {
		links[i] = hashchain.Link{
			EventType: e.EventType,
			Payload:   e.Payload,
			EventTime: e.EventTime,
			PrevHash:  e.PrevHash,
			CurrHash:  e.CurrHash,
		}
	}

	res := hashchain.Verify(links)
	if !res.OK {
		l.log.Error().
			Str("transcript_id", transcriptID.String()).
			Int("bad_index", res.BadIndex).
			Str("reason", res.Reason).
			Msg("audit chain verification FAILED")
	}
	return res, nil
}

// Summary is the integrity digest included in exported artifacts.
type Summary struct {
	TranscriptID uuid.UUID `json:"transcript_id"`
	EventCount   int       `json:"event_count"`
	HeadHash     string    `json:"head_hash"`
	FirstEvent   time.Time `json:"first_event"`
	LastEvent    time.Time `json:"last_event"`
}

// Summarize returns the chain's integrity summary after verifying it. A
// broken chain yields an IntegrityError, never a summary.
func (l *Log) Summarize(ctx context.Context, transcriptID uuid.UUID) (*Summary, error) {
	events, err := l.store.ListAuditEvents(ctx, transcriptID)
	if err != nil {
		return nil, fault.Transient("list audit events", err)
	}
	res, err := l.Verify(ctx, transcriptID)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fault.Integrity("summarize",
			fmt.Errorf("chain broken at event %d: %s", res.BadIndex, res.Reason))
	}

	s := &Summary{TranscriptID: transcriptID, EventCount: len(events), HeadHash: res.HeadHash}
	if len(events) > 0 {
		s.FirstEvent = events[0].EventTime
		s.LastEvent = events[len(events)-1].EventTime
	}
	return s, nil
}
