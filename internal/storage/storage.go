// Package storage holds the evidence media. A media object lives in
// exactly one backend; there is no tiering or caching layer, because the
// chain of custody needs a single authoritative copy whose deletion is an
// observable event.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/config"
)

// MediaStore abstracts the media storage backend.
type MediaStore interface {
	// Save stores a media object. key format: {workspace_id}/{job_id}{ext}
	Save(ctx context.Context, key string, r io.Reader, contentType string) error

	// Open returns a reader for the media object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether the object is present.
	Exists(ctx context.Context, key string) bool

	// Remove deletes the object. Removal is permanent; the caller records
	// the audit event first.
	Remove(ctx context.Context, key string) error

	// URL returns a presigned URL for direct download. Returns "" for
	// backends without URL support.
	URL(ctx context.Context, key string) (string, error)

	// Type returns "local" or "s3".
	Type() string
}

// New creates a MediaStore based on config. S3 configuration is verified
// at startup; a misconfigured bucket fails fast instead of failing the
// first job.
func New(cfg config.S3Config, mediaDir string, log zerolog.Logger) (MediaStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(mediaDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	return s3store, nil
}
