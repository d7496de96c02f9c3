package storage

import (
	"context"

	"github.com/rs/zerolog"
)

// remoteStore is the bucket side of the mirror, reconciler and evictor.
type remoteStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) bool
}

// MirrorStore writes every run to disk and copies it to the bucket in the
// background. The disk write decides success; a missed bucket copy is
// retried later by the UploadReconciler.
type MirrorStore struct {
	disk    *DiskStore
	bucket  remoteStore
	uploads *AsyncUploader
	log     zerolog.Logger
}

// NewMirrorStore creates a mirrored store. With a nil uploader the bucket
// copy happens inline.
func NewMirrorStore(disk *DiskStore, bucket remoteStore, uploads *AsyncUploader, log zerolog.Logger) *MirrorStore {
	return &MirrorStore{
		disk:    disk,
		bucket:  bucket,
		uploads: uploads,
		log:     log.With().Str("component", "mirror-store").Logger(),
	}
}

func (m *MirrorStore) Kind() string { return "mirror" }

func (m *MirrorStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	if err := m.disk.Save(ctx, key, data, contentType); err != nil {
		return err
	}
	if m.uploads != nil {
		if !m.uploads.Enqueue(key, data, contentType) {
			m.log.Debug().Str("key", key).Msg("bucket copy deferred to reconciler")
		}
		return nil
	}
	if err := m.bucket.Save(ctx, key, data, contentType); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("bucket copy failed, reconciler will retry")
	}
	return nil
}

func (m *MirrorStore) Exists(ctx context.Context, key string) bool {
	return m.disk.Exists(ctx, key) || m.bucket.Exists(ctx, key)
}
