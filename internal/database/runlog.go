package database

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/diarize"
)

// batchWriter sends a batch of queued statements. *pgxpool.Pool satisfies it.
type batchWriter interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// RunLog buffers run log entries and writes them in batches, when maxSize
// entries are queued or interval has passed since the first one, whichever
// comes first. RecordRun never blocks on the database.
type RunLog struct {
	conn     batchWriter
	maxSize  int
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending []*diarize.Run
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewRunLog creates a batched run log writing through db.
func NewRunLog(db *DB, maxSize int, interval time.Duration, log zerolog.Logger) *RunLog {
	return newRunLog(db.Pool, maxSize, interval, log)
}

func newRunLog(conn batchWriter, maxSize int, interval time.Duration, log zerolog.Logger) *RunLog {
	if maxSize < 1 {
		maxSize = 1
	}
	return &RunLog{conn: conn, maxSize: maxSize, interval: interval, log: log}
}

// RecordRun queues run. It satisfies diarize.Recorder; entries arriving
// after Stop are dropped.
func (l *RunLog) RecordRun(_ context.Context, run *diarize.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		l.log.Warn().Str("request_id", run.ID).Msg("run log stopped, entry dropped")
		return nil
	}

	l.pending = append(l.pending, run)
	if len(l.pending) >= l.maxSize {
		l.flushLocked()
		return nil
	}
	// Start timer on first entry
	if len(l.pending) == 1 {
		l.timer = time.AfterFunc(l.interval, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if len(l.pending) > 0 {
				l.flushLocked()
			}
		})
	}
	return nil
}

// Stop writes what is queued, waits for in-flight writes and rejects
// further entries.
func (l *RunLog) Stop() {
	l.mu.Lock()
	l.stopped = true
	if len(l.pending) > 0 {
		l.flushLocked()
	} else if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *RunLog) flushLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	runs := l.pending
	l.pending = nil
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.write(runs)
	}()
}

func (l *RunLog) write(runs []*diarize.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, run := range runs {
		batch.Queue(insertRunSQL, runArgs(run)...)
	}
	br := l.conn.SendBatch(ctx, batch)
	defer br.Close()
	for _, run := range runs {
		if _, err := br.Exec(); err != nil {
			l.log.Warn().Err(err).Str("request_id", run.ID).Msg("failed to record run")
		}
	}
	l.log.Debug().Int("runs", len(runs)).Msg("run log flushed")
}
