package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/speaker-diarizer/internal/config"
)

// Store receives archived runs. Keys are {mode}/{YYYY-MM-DD}/{run_id}{ext},
// one audio object and one JSON record per run. The archive is write-only
// from the service's point of view; recalibration tooling reads it offline.
type Store interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) bool

	// Kind names the backend for logs: "disk", "s3" or "mirror".
	Kind() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// New picks the archive backend from config:
//
//	no bucket               disk only
//	bucket                  S3 only
//	bucket + S3_LOCAL_CACHE disk first, mirrored to S3 in the background
//
// The returned services must be started and stopped by the caller. An
// unreachable bucket is an error so a bad credential fails at startup.
func New(cfg config.S3Config, archiveDir string, log zerolog.Logger) (Store, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewDiskStore(archiveDir), nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := NewBucketStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("s3 archive: %w", err)
	}
	if err := bucket.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("s3 archive: bucket %q at %q: %w", cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("archive bucket reachable")

	if !cfg.LocalCache {
		return bucket, nil, nil
	}

	disk := NewDiskStore(archiveDir)
	uploads := NewAsyncUploader(bucket, 2, 256, log)
	services := []BackgroundService{uploads, NewUploadReconciler(archiveDir, bucket, log)}
	if cfg.CacheRetention > 0 || cfg.CacheMaxGB > 0 {
		services = append(services, NewRunEvictor(archiveDir, cfg.CacheRetention, cfg.CacheMaxGB, bucket, log))
	}
	return NewMirrorStore(disk, bucket, uploads, log), services, nil
}
