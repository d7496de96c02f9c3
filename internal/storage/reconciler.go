package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UploadReconciler copies archived files that never reached the bucket:
// uploads dropped from a full queue, or lost to a crash or restart. Only the
// most recent days are scanned.
type UploadReconciler struct {
	root     string
	bucket   remoteStore
	delay    time.Duration
	interval time.Duration
	window   time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewUploadReconciler creates a reconciler over the archive at root.
func NewUploadReconciler(root string, bucket remoteStore, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		root:     root,
		bucket:   bucket,
		delay:    2 * time.Minute,
		interval: 5 * time.Minute,
		window:   24 * time.Hour,
		log:      log.With().Str("component", "upload-reconciler").Logger(),
		stop:     make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.loop() }
func (r *UploadReconciler) Stop()  { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *UploadReconciler) loop() {
	// Give the async uploader a head start after boot.
	select {
	case <-time.After(r.delay):
	case <-r.stop:
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.reconcile()
		select {
		case <-ticker.C:
		case <-r.stop:
			return
		}
	}
}

// reconcile returns the number of files uploaded.
func (r *UploadReconciler) reconcile() int {
	cutoff := time.Now().Add(-r.window)
	// Day directories are UTC dates; a day stays in scope until it ends
	// before the cutoff.
	outside := func(day string) bool {
		d, err := time.Parse(dateLayout, day)
		return err == nil && d.Add(24*time.Hour).Before(cutoff)
	}

	var uploaded, failed, checked int
	walkArchive(r.root, outside, func(key, p string, _ os.FileInfo) {
		checked++
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		present := r.bucket.Exists(ctx, key)
		cancel()
		if present {
			return
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return
		}
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.bucket.Save(ctx, key, data, contentTypeFromExt(filepath.Ext(key))); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("reconcile upload failed")
			failed++
			return
		}
		uploaded++
	})

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", checked).
			Msg("reconcile complete")
	}
	return uploaded
}

// contentTypeFromExt returns the MIME type for an archived file extension.
func contentTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".json":
		return "application/json"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".webm":
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}
