// Package intake turns incoming media into pipeline jobs. Both intake
// paths (HTTP upload and the inbox watcher) converge here, so every job
// gets the same policy snapshot, media placement, and upload audit event.
package intake

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/pipeline"
	"github.com/snarg/custody-engine/internal/storage"
)

// Store is the persistence surface intake needs. *database.DB implements it.
type Store interface {
	GetPolicy(ctx context.Context, workspaceID string) (database.RetentionPolicyRow, error)
	InsertJob(ctx context.Context, row *database.JobRow) error
}

// Enqueuer hands accepted jobs to the worker pool.
type Enqueuer interface {
	Enqueue(job database.JobRow) bool
}

type Intake struct {
	store Store
	media storage.MediaStore
	audit *audit.Log
	pool  Enqueuer
	log   zerolog.Logger
}

func New(store Store, media storage.MediaStore, auditLog *audit.Log, pool Enqueuer, log zerolog.Logger) *Intake {
	return &Intake{
		store: store,
		media: media,
		audit: auditLog,
		pool:  pool,
		log:   log.With().Str("component", "intake").Logger(),
	}
}

var mediaExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
}

// Submit accepts one media stream and returns the created job. The job
// exists with a recorded upload event before the worker pool ever sees it;
// a crash between the two leaves a resumable pending job, not a lost file.
func (in *Intake) Submit(ctx context.Context, workspaceID, filename string, r io.Reader, contentType string) (*database.JobRow, error) {
	if workspaceID == "" {
		return nil, fault.Validation("workspace_id is required")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !mediaExts[ext] {
		return nil, fault.Validation("unsupported media type %q", ext)
	}

	policyRow, err := in.store.GetPolicy(ctx, workspaceID)
	if err != nil {
		return nil, fault.Transient("load policy", err)
	}

	job := &database.JobRow{
		ID:               uuid.New(),
		WorkspaceID:      workspaceID,
		TranscriptID:     uuid.New(),
		OriginalFilename: filepath.Base(filename),
		Stage:            string(pipeline.StagePending),
		Status:           string(pipeline.StatusPending),
		Attempts:         map[string]int{},
		Policy:           database.PolicyFromRow(policyRow),
	}
	job.MediaKey = workspaceID + "/" + job.ID.String() + ext

	if err := in.media.Save(ctx, job.MediaKey, r, contentType); err != nil {
		return nil, fault.Transient("store media", err)
	}

	if err := in.store.InsertJob(ctx, job); err != nil {
		// Leave no orphaned media behind.
		if rmErr := in.media.Remove(ctx, job.MediaKey); rmErr != nil {
			in.log.Error().Err(rmErr).Str("media_key", job.MediaKey).Msg("orphan cleanup failed")
		}
		return nil, fault.Transient("insert job", err)
	}

	if _, err := in.audit.Append(ctx, job.TranscriptID, audit.EventUpload, map[string]any{
		"job_id":            job.ID.String(),
		"workspace_id":      workspaceID,
		"media_key":         job.MediaKey,
		"original_filename": job.OriginalFilename,
	}); err != nil {
		return nil, err
	}

	in.pool.Enqueue(*job)
	in.log.Info().
		Str("job_id", job.ID.String()).
		Str("workspace_id", workspaceID).
		Str("media_key", job.MediaKey).
		Msg("job submitted")
	return job, nil
}

// SubmitFile adapts a local file to Submit; the inbox watcher uses this.
func (in *Intake) SubmitFile(ctx context.Context, workspaceID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open inbox file: %w", err)
	}
	defer f.Close()

	_, err = in.Submit(ctx, workspaceID, filepath.Base(path), f, "")
	return err
}
