// Package watch diarizes recordings dropped into a folder. A FileWatcher
// notices new audio files and a WorkerPool runs them through the diarization
// service, writing the result next to the recording.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/diarize"
	"github.com/snarg/speaker-diarizer/internal/metrics"
)

const (
	segmentsSuffix = ".segments.json"
	resultSuffix   = ".diarized.json"
)

// Job is one recording found in the watch folder.
type Job struct {
	ID        string
	AudioPath string
}

// SegmentsPath returns the optional transcript sidecar of the recording.
func (j Job) SegmentsPath() string { return sidecar(j.AudioPath, segmentsSuffix) }

// ResultPath returns where the diarization result is written.
func (j Job) ResultPath() string { return sidecar(j.AudioPath, resultSuffix) }

func sidecar(audioPath, suffix string) string {
	return filepath.Join(filepath.Dir(audioPath), audio.BaseName(audioPath)+suffix)
}

// Diarizer runs one diarization. *diarize.Service satisfies it.
type Diarizer interface {
	Diarize(ctx context.Context, req diarize.Request) (*diarize.Result, error)
}

// QueueStats reports the current state of the watch queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// WorkerPoolOptions configures the watch worker pool.
type WorkerPoolOptions struct {
	Diarizer  Diarizer
	Workers   int
	QueueSize int
	Timeout   time.Duration // per job; 0 = none
	Log       zerolog.Logger
}

// WorkerPool manages diarization workers for the watch folder.
type WorkerPool struct {
	jobs   chan Job
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a new watch worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().Int("workers", wp.opts.Workers).Int("queue_size", wp.opts.QueueSize).Msg("watch worker pool started")
}

// Stop signals workers to drain and waits for completion.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Msg("watch worker pool stopped")
}

// Enqueue adds a job to the queue. Returns false if the queue is full or the
// pool is stopped.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	select {
	case wp.jobs <- j:
		return true
	default:
		metrics.WatchFilesTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   wp.Pending(),
		Completed: wp.Completed(),
		Failed:    wp.Failed(),
	}
}

func (wp *WorkerPool) Pending() int     { return len(wp.jobs) }
func (wp *WorkerPool) Completed() int64 { return wp.completed.Load() }
func (wp *WorkerPool) Failed() int64    { return wp.failed.Load() }

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int { return wp.opts.Workers }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		if err := wp.processJob(log, job); err != nil {
			wp.failed.Add(1)
			metrics.WatchFilesTotal.WithLabelValues("failed").Inc()
			log.Warn().Err(err).
				Str("job_id", job.ID).
				Str("path", job.AudioPath).
				Msg("watch diarization failed")
		} else {
			wp.completed.Add(1)
			metrics.WatchFilesTotal.WithLabelValues("completed").Inc()
		}
	}
}

func (wp *WorkerPool) processJob(log zerolog.Logger, job Job) error {
	ctx := wp.ctx
	if wp.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.opts.Timeout)
		defer cancel()
	}

	segs, err := readSegments(job.SegmentsPath())
	if err != nil {
		return err
	}

	res, err := wp.opts.Diarizer.Diarize(ctx, diarize.Request{
		ID:        job.ID,
		Source:    "watch",
		AudioPath: job.AudioPath,
		Segments:  segs,
	})
	if err != nil {
		return fmt.Errorf("diarize: %w", err)
	}

	if err := writeResult(job.ResultPath(), res); err != nil {
		return err
	}
	log.Debug().
		Str("job_id", job.ID).
		Str("result", job.ResultPath()).
		Int("speakers", res.NumSpeakers).
		Msg("watch diarization complete")
	return nil
}

// readSegments loads the transcript sidecar. A missing sidecar means the
// whole recording is one segment.
func readSegments(path string) ([]diarize.Segment, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segments: %w", err)
	}
	segs, err := diarize.ParseSegments(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return segs, nil
}

// writeResult writes res atomically so a reader never sees a partial file.
func writeResult(path string, res *diarize.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".diarized-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// isSidecar reports whether name is one of the JSON files the pool reads or
// writes.
func isSidecar(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, segmentsSuffix) || strings.HasSuffix(lower, resultSuffix)
}
