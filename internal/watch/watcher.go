package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/metrics"
)

const debounceDelay = 500 * time.Millisecond

// Enqueuer accepts jobs. *WorkerPool satisfies it.
type Enqueuer interface {
	Enqueue(j Job) bool
}

// FileWatcher monitors a directory tree for new recordings and enqueues them
// for diarization. A recording is skipped once its result file exists.
type FileWatcher struct {
	queue    Enqueuer
	watchDir string
	log      zerolog.Logger

	watcher *fsnotify.Watcher

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	delay          time.Duration

	// Stats
	filesQueued  atomic.Int64
	filesSkipped atomic.Int64
	status       atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// NewFileWatcher creates a watcher for dir feeding queue.
func NewFileWatcher(dir string, queue Enqueuer, log zerolog.Logger) *FileWatcher {
	fw := &FileWatcher{
		queue:          queue,
		watchDir:       dir,
		log:            log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		delay:          debounceDelay,
	}
	fw.status.Store("starting")
	return fw
}

// Start initializes the fsnotify watcher, adds all existing directories, and
// begins watching for new files. Recordings already present without a result
// are queued in a background goroutine.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(fw.watchDir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w

	// Walk the directory tree and add all directories to fsnotify.
	dirCount := 0
	err = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil // continue walking
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.watchDir).
		Msg("file watcher initialized")

	go fw.watchLoop(ctx)
	go fw.backfill(ctx)
	return nil
}

// Stop closes the fsnotify watcher and cancels pending debounced files.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.watcher != nil {
		fw.watcher.Close()
	}
	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()
	fw.log.Info().
		Int64("files_queued", fw.filesQueued.Load()).
		Int64("files_skipped", fw.filesSkipped.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FileWatcher) Status() string {
	s, _ := fw.status.Load().(string)
	return s
}

// watchLoop is the main event loop that processes fsnotify events.
func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New directory: add it to the watch set.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					fw.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if !audio.Supported(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing. This coalesces rapid
// Create+Write events and waits for the file to be fully written.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(fw.delay)
		return
	}

	fw.debounceTimers[path] = time.AfterFunc(fw.delay, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		fw.processFile(path)
	})
}

// processFile enqueues a recording unless it was already diarized.
func (fw *FileWatcher) processFile(path string) bool {
	job := Job{AudioPath: path}
	if _, err := os.Stat(job.ResultPath()); err == nil {
		fw.filesSkipped.Add(1)
		metrics.WatchFilesTotal.WithLabelValues("skipped").Inc()
		return false
	}
	if !fw.queue.Enqueue(job) {
		fw.log.Warn().Str("path", path).Msg("watch queue full, file will be retried on restart")
		return false
	}
	fw.filesQueued.Add(1)
	return true
}

// backfill queues recordings that were already in the folder, oldest first.
func (fw *FileWatcher) backfill(ctx context.Context) {
	fw.status.Store("backfilling")
	start := time.Now()

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry

	_ = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || isSidecar(d.Name()) || !audio.Supported(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	queued := 0
	for _, f := range files {
		if ctx.Err() != nil {
			fw.log.Info().Int("queued", queued).Msg("backfill interrupted by shutdown")
			return
		}
		if fw.processFile(f.path) {
			queued++
		}
	}

	fw.status.Store("watching")
	fw.log.Info().
		Int("found", len(files)).
		Int("queued", queued).
		Dur("elapsed", time.Since(start)).
		Msg("backfill complete")
}
