package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader copies archive objects to S3 in the background so that a
// diarization response never waits on the object store. Objects are already
// on local disk before being enqueued here.
type AsyncUploader struct {
	bucket   remoteStore
	workers  int
	ch       chan uploadJob
	wg       sync.WaitGroup
	log      zerolog.Logger
	stopped  atomic.Bool
	stopOnce sync.Once
}

type uploadJob struct {
	key         string
	data        []byte
	contentType string
}

// NewAsyncUploader creates an async S3 uploader with the given worker count
// and buffer size.
func NewAsyncUploader(bucket remoteStore, workers, bufferSize int, log zerolog.Logger) *AsyncUploader {
	if workers < 1 {
		workers = 1
	}
	return &AsyncUploader{
		bucket:  bucket,
		workers: workers,
		ch:      make(chan uploadJob, bufferSize),
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue adds an S3 upload job. Non-blocking: drops with a warning if full
// or stopped. The local copy stays and the reconciler picks it up later.
func (u *AsyncUploader) Enqueue(key string, data []byte, contentType string) bool {
	if u.stopped.Load() {
		return false
	}
	job := uploadJob{key: key, data: data, contentType: contentType}
	select {
	case u.ch <- job:
		return true
	default:
		u.log.Warn().Str("key", key).Msg("async upload queue full, skipping (object safe on disk)")
		return false
	}
}

// Start launches worker goroutines.
func (u *AsyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop closes the queue and waits for queued uploads to finish.
func (u *AsyncUploader) Stop() {
	u.stopped.Store(true)
	u.stopOnce.Do(func() { close(u.ch) })
	u.wg.Wait()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := u.bucket.Save(ctx, job.key, job.data, job.contentType); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("async S3 upload failed (object safe on disk)")
		}
		cancel()
	}
}
