package retention

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/database"
)

type fakeStore struct {
	mu          sync.Mutex
	transcripts map[uuid.UUID]database.TranscriptRow
	jobs        map[uuid.UUID]database.JobRow
	deleteErr   error
}

func (s *fakeStore) ListPurgeable(_ context.Context, now time.Time, limit int) ([]database.TranscriptRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.TranscriptRow
	for _, t := range s.transcripts {
		if t.PurgeAfter != nil && !t.PurgeAfter.After(now) {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*database.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	return &j, nil
}

func (s *fakeStore) DeleteTranscript(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.transcripts, id)
	return nil
}

type auditMemStore struct {
	mu     sync.Mutex
	events []database.AuditEventRow
	fail   error
}

func (s *auditMemStore) LastAuditEvent(_ context.Context, id uuid.UUID) (*database.AuditEventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].TranscriptID == id {
			e := s.events[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *auditMemStore) InsertAuditEvent(_ context.Context, e *database.AuditEventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, *e)
	return nil
}

func (s *auditMemStore) ListAuditEvents(_ context.Context, id uuid.UUID) ([]database.AuditEventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.AuditEventRow
	for _, e := range s.events {
		if e.TranscriptID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeMedia struct {
	mu      sync.Mutex
	removed []string
}

func (m *fakeMedia) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, key)
	return nil
}

func seed(store *fakeStore, purgeAfter time.Time, storeMedia bool) uuid.UUID {
	tid := uuid.New()
	jid := uuid.New()
	pa := purgeAfter
	store.transcripts[tid] = database.TranscriptRow{ID: tid, JobID: jid, WorkspaceID: "ws-1", PurgeAfter: &pa}
	store.jobs[jid] = database.JobRow{
		ID: jid, TranscriptID: tid, MediaKey: "ws-1/" + jid.String() + ".wav",
		Policy: database.PolicySnapshot{StoreMedia: storeMedia},
	}
	return tid
}

func newTestEnforcer(store *fakeStore, as *auditMemStore, media *fakeMedia) *Enforcer {
	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewEnforcer(store, media, audit.NewLog(as, log), time.Minute, log)
}

func TestSweepPurgesExpired(t *testing.T) {
	store := &fakeStore{transcripts: map[uuid.UUID]database.TranscriptRow{}, jobs: map[uuid.UUID]database.JobRow{}}
	as := &auditMemStore{}
	media := &fakeMedia{}
	e := newTestEnforcer(store, as, media)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	expired := seed(store, now.Add(-time.Hour), true)
	fresh := seed(store, now.Add(time.Hour), true)

	n, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	if _, ok := store.transcripts[expired]; ok {
		t.Error("expired transcript still present")
	}
	if _, ok := store.transcripts[fresh]; !ok {
		t.Error("fresh transcript purged")
	}
	if len(media.removed) != 1 {
		t.Errorf("media removed: %v", media.removed)
	}

	events, _ := as.ListAuditEvents(context.Background(), expired)
	if len(events) != 1 || events[0].EventType != audit.EventDelete {
		t.Errorf("audit events for purged transcript: %+v", events)
	}
}

func TestSweepSkipsMediaWhenNotStored(t *testing.T) {
	store := &fakeStore{transcripts: map[uuid.UUID]database.TranscriptRow{}, jobs: map[uuid.UUID]database.JobRow{}}
	as := &auditMemStore{}
	media := &fakeMedia{}
	e := newTestEnforcer(store, as, media)
	now := time.Now()
	e.now = func() time.Time { return now }

	seed(store, now.Add(-time.Minute), false)

	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(media.removed) != 0 {
		t.Errorf("media removed despite store_media=false: %v", media.removed)
	}
}

func TestSweepAuditFailureLeavesDataIntact(t *testing.T) {
	store := &fakeStore{transcripts: map[uuid.UUID]database.TranscriptRow{}, jobs: map[uuid.UUID]database.JobRow{}}
	as := &auditMemStore{fail: errors.New("store down")}
	media := &fakeMedia{}
	e := newTestEnforcer(store, as, media)
	now := time.Now()
	e.now = func() time.Time { return now }

	tid := seed(store, now.Add(-time.Minute), true)

	n, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d, want 0", n)
	}
	if _, ok := store.transcripts[tid]; !ok {
		t.Error("transcript deleted despite audit append failure")
	}
	if len(media.removed) != 0 {
		t.Error("media removed despite audit append failure")
	}
}
