package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/hashchain"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu     sync.Mutex
	chains map[uuid.UUID][]database.AuditEventRow
	fail   error // when set, all operations fail
}

func newMemStore() *memStore {
	return &memStore{chains: make(map[uuid.UUID][]database.AuditEventRow)}
}

func (s *memStore) LastAuditEvent(_ context.Context, id uuid.UUID) (*database.AuditEventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	chain := s.chains[id]
	if len(chain) == 0 {
		return nil, nil
	}
	e := chain[len(chain)-1]
	return &e, nil
}

func (s *memStore) InsertAuditEvent(_ context.Context, e *database.AuditEventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	chain := s.chains[e.TranscriptID]
	if len(chain) > 0 && chain[len(chain)-1].Seq >= e.Seq {
		return fmt.Errorf("duplicate seq %d", e.Seq)
	}
	s.chains[e.TranscriptID] = append(chain, *e)
	return nil
}

func (s *memStore) ListAuditEvents(_ context.Context, id uuid.UUID) ([]database.AuditEventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	return append([]database.AuditEventRow(nil), s.chains[id]...), nil
}

// normalizingStore re-serializes payloads on write the way a jsonb column
// would: decoded without number preservation and re-encoded. Used to pin
// down the requirement that stored payload bytes stay exactly as hashed.
type normalizingStore struct {
	*memStore
}

func (s *normalizingStore) InsertAuditEvent(ctx context.Context, e *database.AuditEventRow) error {
	var v any
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return err
	}
	normalized, err := json.Marshal(v)
	if err != nil {
		return err
	}
	copied := *e
	copied.Payload = normalized
	return s.memStore.InsertAuditEvent(ctx, &copied)
}

// txMemStore adds transactional semantics to memStore: on error the chain
// and the mutable cell roll back together. The cell stands in for the
// row an audited mutation would touch.
type txMemStore struct {
	*memStore
	cell string
}

func (s *txMemStore) InTx(_ context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	savedChains := make(map[uuid.UUID][]database.AuditEventRow, len(s.chains))
	for id, chain := range s.chains {
		savedChains[id] = append([]database.AuditEventRow(nil), chain...)
	}
	savedCell := s.cell
	s.mu.Unlock()

	if err := fn(context.Background()); err != nil {
		s.mu.Lock()
		s.chains = savedChains
		s.cell = savedCell
		s.mu.Unlock()
		return err
	}
	return nil
}

func testLog(store Store) *Log {
	return NewLog(store, zerolog.New(os.Stderr).Level(zerolog.Disabled))
}

func TestAppendBuildsChain(t *testing.T) {
	store := newMemStore()
	l := testLog(store)
	id := uuid.New()
	ctx := context.Background()

	first, err := l.Append(ctx, id, EventUpload, map[string]any{"media_key": "a.wav"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 1 || first.PrevHash != hashchain.Genesis {
		t.Errorf("first event: seq=%d prev=%s", first.Seq, first.PrevHash)
	}

	second, err := l.Append(ctx, id, EventStageComplete, map[string]any{"stage": "validating"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Seq != 2 || second.PrevHash != first.CurrHash {
		t.Errorf("second event not linked: %+v", second)
	}

	res, err := l.Verify(ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK || res.Events != 2 || res.HeadHash != second.CurrHash {
		t.Errorf("verify result: %+v", res)
	}
}

func TestAppendCanonicalizesPayload(t *testing.T) {
	store := newMemStore()
	l := testLog(store)
	id := uuid.New()

	ev, err := l.Append(context.Background(), id, EventEdit, map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(ev.Payload) != `{"a":1,"b":2}` {
		t.Errorf("payload not canonical: %s", ev.Payload)
	}
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	store := newMemStore()
	l := testLog(store)
	id := uuid.New()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.Append(ctx, id, EventStageComplete, map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	store.chains[id][2].Payload = []byte(`{"n":99}`)

	res, err := l.Verify(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.BadIndex != 2 {
		t.Errorf("verify result: %+v", res)
	}

	if _, err := l.Summarize(ctx, id); !fault.IsIntegrity(err) {
		t.Errorf("Summarize on broken chain: %v", err)
	}
}

func TestVerifyDetectsReserializedPayload(t *testing.T) {
	store := &normalizingStore{memStore: newMemStore()}
	l := testLog(store)
	id := uuid.New()
	ctx := context.Background()

	// 1e2 survives canonicalization verbatim but normalizes to 100 on a
	// decode/encode round trip, so the stored bytes differ from the
	// hashed bytes.
	if _, err := l.Append(ctx, id, EventStageComplete, map[string]any{"gain": json.Number("1e2")}); err != nil {
		t.Fatal(err)
	}

	res, err := l.Verify(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.BadIndex != 0 {
		t.Errorf("re-serialized payload not detected: %+v", res)
	}
}

func TestAppendWithCommitsMutationAndEvent(t *testing.T) {
	store := &txMemStore{memStore: newMemStore(), cell: "original"}
	l := testLog(store)
	id := uuid.New()

	ev, err := l.AppendWith(context.Background(), id, EventEdit, func(ctx context.Context) (any, error) {
		store.cell = "corrected"
		return map[string]any{"after": "corrected"}, nil
	})
	if err != nil {
		t.Fatalf("append with mutation: %v", err)
	}
	if store.cell != "corrected" {
		t.Errorf("mutation not applied: %q", store.cell)
	}
	if ev.Seq != 1 || ev.PrevHash != hashchain.Genesis {
		t.Errorf("event not chained: %+v", ev)
	}
}

func TestAppendWithRollsBackMutationOnAuditFailure(t *testing.T) {
	store := &txMemStore{memStore: newMemStore(), cell: "original"}
	l := testLog(store)
	id := uuid.New()

	store.fail = errors.New("disk gone")
	_, err := l.AppendWith(context.Background(), id, EventEdit, func(ctx context.Context) (any, error) {
		store.cell = "corrected"
		return map[string]any{"after": "corrected"}, nil
	})
	if !fault.IsTransient(err) {
		t.Fatalf("audit failure classified as %q, want transient", fault.Class(err))
	}

	if store.cell != "original" {
		t.Errorf("mutation survived audit failure: %q", store.cell)
	}
	if len(store.chains[id]) != 0 {
		t.Errorf("chain has %d events after rollback", len(store.chains[id]))
	}
}

func TestAppendWithoutTxStoreStillAppends(t *testing.T) {
	store := newMemStore()
	l := testLog(store)
	id := uuid.New()

	applied := false
	if _, err := l.AppendWith(context.Background(), id, EventSpeakerAssign, func(ctx context.Context) (any, error) {
		applied = true
		return map[string]any{"alias": "Det. Reyes"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if !applied || len(store.chains[id]) != 1 {
		t.Errorf("applied=%v events=%d", applied, len(store.chains[id]))
	}
}

func TestLockForIsStablePerTranscript(t *testing.T) {
	l := testLog(newMemStore())
	id := uuid.New()
	if l.lockFor(id) != l.lockFor(id) {
		t.Error("same transcript mapped to different stripes")
	}
}

func TestAppendSurfacesStoreFailureAsTransient(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("connection refused")
	l := testLog(store)

	_, err := l.Append(context.Background(), uuid.New(), EventUpload, map[string]any{})
	if !fault.IsTransient(err) {
		t.Errorf("store failure classified as %q, want transient", fault.Class(err))
	}
}

func TestConcurrentAppendsSameTranscriptSerialized(t *testing.T) {
	store := newMemStore()
	l := testLog(store)
	id := uuid.New()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, id, EventStageRetry, map[string]any{"attempt": i})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	res, err := l.Verify(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Events != n {
		t.Errorf("verify after concurrent appends: %+v", res)
	}
}

func TestConcurrentAppendsDifferentTranscriptsIndependent(t *testing.T) {
	store := newMemStore()
	l := testLog(store)
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				l.Append(ctx, id, EventStageComplete, map[string]any{})
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		res, err := l.Verify(ctx, id)
		if err != nil || !res.OK || res.Events != 10 {
			t.Errorf("transcript %s: res=%+v err=%v", id, res, err)
		}
	}
}

func TestSummarize(t *testing.T) {
	store := newMemStore()
	l := testLog(store)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	step := 0
	l.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	id := uuid.New()
	ctx := context.Background()

	l.Append(ctx, id, EventUpload, map[string]any{})
	l.Append(ctx, id, EventComplete, map[string]any{})

	s, err := l.Summarize(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if s.EventCount != 2 || s.HeadHash == "" {
		t.Errorf("summary: %+v", s)
	}
	if !s.FirstEvent.Equal(base.Add(time.Minute)) || !s.LastEvent.Equal(base.Add(2*time.Minute)) {
		t.Errorf("summary times: %+v", s)
	}
}
