package storage

import (
	"context"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// RunEvictor keeps the local side of a mirrored archive bounded. Runs are
// evicted whole, audio and record together, oldest first, once they are past
// retention or the archive is over its size cap. A run is only evicted when
// every one of its files has a bucket copy.
type RunEvictor struct {
	root      string
	retention time.Duration
	maxBytes  int64
	interval  time.Duration
	bucket    remoteStore
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// archivedRun is one run's files on disk, keyed by {mode}/{day}/{run_id}.
type archivedRun struct {
	id     string
	keys   []string
	paths  []string
	size   int64
	newest time.Time
}

// NewRunEvictor creates an evictor over root. Zero retention or maxGB
// disables that limit. A nil bucket skips the copy check.
func NewRunEvictor(root string, retention time.Duration, maxGB int, bucket remoteStore, log zerolog.Logger) *RunEvictor {
	return &RunEvictor{
		root:      root,
		retention: retention,
		maxBytes:  int64(maxGB) << 30,
		interval:  time.Hour,
		bucket:    bucket,
		log:       log.With().Str("component", "run-evictor").Logger(),
		stop:      make(chan struct{}),
	}
}

func (e *RunEvictor) Start() { go e.loop() }
func (e *RunEvictor) Stop()  { e.stopOnce.Do(func() { close(e.stop) }) }

func (e *RunEvictor) loop() {
	// Catch up on anything that aged out while the service was down.
	e.evict()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.evict()
		case <-e.stop:
			return
		}
	}
}

// runs groups archived files by run, oldest run first, and returns the
// total size on disk.
func (e *RunEvictor) runs() ([]*archivedRun, int64) {
	byID := make(map[string]*archivedRun)
	var total int64
	walkArchive(e.root, nil, func(key, p string, info os.FileInfo) {
		id := key[:len(key)-len(path.Ext(key))]
		r := byID[id]
		if r == nil {
			r = &archivedRun{id: id}
			byID[id] = r
		}
		r.keys = append(r.keys, key)
		r.paths = append(r.paths, p)
		r.size += info.Size()
		if info.ModTime().After(r.newest) {
			r.newest = info.ModTime()
		}
		total += info.Size()
	})

	out := make([]*archivedRun, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].newest.Equal(out[j].newest) {
			return out[i].id < out[j].id
		}
		return out[i].newest.Before(out[j].newest)
	})
	return out, total
}

// mirrored reports whether every file of r is in the bucket.
func (e *RunEvictor) mirrored(r *archivedRun) bool {
	if e.bucket == nil {
		return true
	}
	for _, key := range r.keys {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok := e.bucket.Exists(ctx, key)
		cancel()
		if !ok {
			return false
		}
	}
	return true
}

// evict returns the number of runs removed.
func (e *RunEvictor) evict() int {
	if e.retention <= 0 && e.maxBytes <= 0 {
		return 0
	}

	runs, total := e.runs()
	cutoff := time.Now().Add(-e.retention)
	var evicted, unmirrored int
	var freed int64

	for _, r := range runs {
		expired := e.retention > 0 && r.newest.Before(cutoff)
		oversize := e.maxBytes > 0 && total > e.maxBytes
		if !expired && !oversize {
			// Oldest first: nothing later qualifies either.
			break
		}
		if !e.mirrored(r) {
			unmirrored++
			e.log.Warn().Str("run", r.id).Msg("keeping run without a bucket copy")
			continue
		}
		for _, p := range r.paths {
			info, err := os.Stat(p)
			if err != nil {
				continue
			}
			if err := os.Remove(p); err != nil {
				e.log.Warn().Err(err).Str("path", p).Msg("evict failed")
				continue
			}
			freed += info.Size()
			total -= info.Size()
		}
		evicted++
	}

	if evicted > 0 {
		removeEmptyDirs(e.root)
	}
	if evicted > 0 || unmirrored > 0 {
		e.log.Info().
			Int("evicted", evicted).
			Int("unmirrored", unmirrored).
			Str("freed", humanize.IBytes(uint64(freed))).
			Str("remaining", humanize.IBytes(uint64(max(total, 0)))).
			Msg("archive eviction complete")
	}
	return evicted
}
