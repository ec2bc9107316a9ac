// Package retention enforces per-workspace data lifetimes. A background
// sweep removes transcripts (and their media) whose purge deadline has
// passed. Audit chains are never purged: the record that data existed and
// was deleted outlives the data.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/metrics"
)

// Store is the persistence surface the enforcer sweeps. *database.DB
// implements it.
type Store interface {
	ListPurgeable(ctx context.Context, now time.Time, limit int) ([]database.TranscriptRow, error)
	GetJob(ctx context.Context, id uuid.UUID) (*database.JobRow, error)
	DeleteTranscript(ctx context.Context, id uuid.UUID) error
}

// MediaRemover deletes stored media objects.
type MediaRemover interface {
	Remove(ctx context.Context, key string) error
}

const sweepBatchSize = 100

// Enforcer runs the periodic purge sweep.
type Enforcer struct {
	store    Store
	media    MediaRemover
	audit    *audit.Log
	interval time.Duration
	log      zerolog.Logger

	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewEnforcer(store Store, media MediaRemover, auditLog *audit.Log, interval time.Duration, log zerolog.Logger) *Enforcer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Enforcer{
		store:    store,
		media:    media,
		audit:    auditLog,
		interval: interval,
		log:      log.With().Str("component", "retention").Logger(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (e *Enforcer) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		e.log.Info().Dur("interval", e.interval).Msg("retention enforcer started")
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), e.interval)
				if n, err := e.Sweep(ctx); err != nil {
					e.log.Error().Err(err).Msg("retention sweep failed")
				} else if n > 0 {
					e.log.Info().Int("purged", n).Msg("retention sweep done")
				}
				cancel()
			case <-e.stop:
				return
			}
		}
	}()
}

func (e *Enforcer) Stop() {
	e.once.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Sweep purges every transcript past its deadline, one batch per call.
// The delete event is appended to the audit chain before any data is
// removed, so a crash mid-purge leaves evidence of intent, never a silent
// disappearance.
func (e *Enforcer) Sweep(ctx context.Context) (int, error) {
	expired, err := e.store.ListPurgeable(ctx, e.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, t := range expired {
		if err := e.purgeOne(ctx, t); err != nil {
			e.log.Error().Err(err).Str("transcript_id", t.ID.String()).Msg("purge failed, will retry next sweep")
			continue
		}
		purged++
	}
	return purged, nil
}

func (e *Enforcer) purgeOne(ctx context.Context, t database.TranscriptRow) error {
	job, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		return err
	}

	if _, err := e.audit.Append(ctx, t.ID, audit.EventDelete, map[string]any{
		"transcript_id": t.ID.String(),
		"job_id":        t.JobID.String(),
		"reason":        "retention",
		"purge_after":   t.PurgeAfter.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}

	if err := e.store.DeleteTranscript(ctx, t.ID); err != nil {
		return err
	}

	if job.Policy.StoreMedia {
		if err := e.media.Remove(ctx, job.MediaKey); err != nil {
			// Transcript rows are gone; media removal retries are the
			// operator's problem now, so log loudly.
			e.log.Error().Err(err).Str("media_key", job.MediaKey).Msg("media removal failed after transcript purge")
			return err
		}
	}

	metrics.TranscriptsPurgedTotal.Inc()
	e.log.Info().
		Str("transcript_id", t.ID.String()).
		Str("workspace_id", t.WorkspaceID).
		Msg("transcript purged")
	return nil
}
