package intake

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/storage"
)

type fakeStore struct {
	policy    database.RetentionPolicyRow
	insertErr error
	inserted  *database.JobRow
}

func (s *fakeStore) GetPolicy(_ context.Context, workspaceID string) (database.RetentionPolicyRow, error) {
	if s.policy.WorkspaceID == "" {
		return database.DefaultPolicy(workspaceID), nil
	}
	return s.policy, nil
}

func (s *fakeStore) InsertJob(_ context.Context, row *database.JobRow) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = row
	return nil
}

type auditMemStore struct {
	mu     sync.Mutex
	events []database.AuditEventRow
}

func (s *auditMemStore) LastAuditEvent(_ context.Context, id uuid.UUID) (*database.AuditEventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

type fakePool struct {
	jobs []database.JobRow
}

func (p *fakePool) Enqueue(job database.JobRow) bool {
	p.jobs = append(p.jobs, job)
	return true
}

func newTestIntake(t *testing.T, store *fakeStore) (*Intake, *storage.LocalStore, *auditMemStore, *fakePool) {
	t.Helper()
	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	media := storage.NewLocalStore(t.TempDir())
	as := &auditMemStore{}
	pool := &fakePool{}
	return New(store, media, audit.NewLog(as, log), pool, log), media, as, pool
}

func TestSubmit(t *testing.T) {
	store := &fakeStore{policy: database.RetentionPolicyRow{
		WorkspaceID: "ws-1", RetentionDays: 7, StoreMedia: true, StoreTranscript: true, GlobalRulesOptIn: true,
	}}
	in, media, as, pool := newTestIntake(t, store)
	ctx := context.Background()

	job, err := in.Submit(ctx, "ws-1", "deposition.wav", bytes.NewReader([]byte("RIFF")), "audio/wav")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if job.Status != "pending" || job.Stage != "pending" {
		t.Errorf("job state: stage=%q status=%q", job.Stage, job.Status)
	}
	if job.Policy.RetentionDays != 7 || !job.Policy.GlobalRulesOptIn {
		t.Errorf("policy snapshot: %+v", job.Policy)
	}
	if !media.Exists(ctx, job.MediaKey) {
		t.Error("media not stored")
	}
	if store.inserted == nil || store.inserted.ID != job.ID {
		t.Error("job not inserted")
	}

	events, _ := as.ListAuditEvents(ctx, job.TranscriptID)
	if len(events) != 1 || events[0].EventType != audit.EventUpload {
		t.Errorf("audit events: %+v", events)
	}
	if len(pool.jobs) != 1 || pool.jobs[0].ID != job.ID {
		t.Error("job not enqueued")
	}
}

func TestSubmitRejectsUnsupportedType(t *testing.T) {
	in, _, _, pool := newTestIntake(t, &fakeStore{})

	_, err := in.Submit(context.Background(), "ws-1", "notes.txt", bytes.NewReader([]byte("x")), "")
	if !fault.IsValidation(err) {
		t.Errorf("error = %v, want validation", err)
	}
	if len(pool.jobs) != 0 {
		t.Error("rejected submission enqueued")
	}
}

func TestSubmitRequiresWorkspace(t *testing.T) {
	in, _, _, _ := newTestIntake(t, &fakeStore{})

	_, err := in.Submit(context.Background(), "", "a.wav", bytes.NewReader([]byte("x")), "")
	if !fault.IsValidation(err) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestSubmitCleansUpMediaOnInsertFailure(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("db down")}
	in, media, _, pool := newTestIntake(t, store)
	ctx := context.Background()

	_, err := in.Submit(ctx, "ws-1", "a.wav", bytes.NewReader([]byte("RIFF")), "")
	if !fault.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	// No orphaned media object may remain.
	var files int
	filepath.WalkDir(media.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files++
		}
		return nil
	})
	if files != 0 {
		t.Errorf("%d media files left behind after failed insert", files)
	}
	if len(pool.jobs) != 0 {
		t.Error("failed submission enqueued")
	}
}
