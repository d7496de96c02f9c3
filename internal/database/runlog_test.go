package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/diarize"
)

// fakeBatchWriter records the run ids of every batch it receives.
type fakeBatchWriter struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeBatchWriter) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	var ids []string
	for _, q := range b.QueuedQueries {
		ids = append(ids, q.Arguments[0].(string))
	}
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	f.mu.Unlock()
	return &fakeResults{n: len(ids), err: f.err}
}

func (f *fakeBatchWriter) snapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

type fakeResults struct {
	pgx.BatchResults
	n   int
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.n == 0 {
		return pgconn.CommandTag{}, errors.New("no more results")
	}
	r.n--
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func (r *fakeResults) Close() error { return nil }

func testRun(id string) *diarize.Run {
	return &diarize.Run{ID: id, Source: "api", Mode: diarize.ModeUnsupervised, CreatedAt: time.Now()}
}

func TestRunLog_SizeThreshold(t *testing.T) {
	w := &fakeBatchWriter{}
	l := newRunLog(w, 3, time.Hour, zerolog.Nop())
	for _, id := range []string{"a", "b", "c", "d"} {
		l.RecordRun(context.Background(), testRun(id))
	}
	l.Stop()

	got := w.snapshot()
	if len(got) != 2 {
		t.Fatalf("batches = %v, want 2", got)
	}
	if len(got[0]) != 3 || got[0][0] != "a" || got[0][2] != "c" {
		t.Errorf("first batch = %v, want [a b c]", got[0])
	}
	if len(got[1]) != 1 || got[1][0] != "d" {
		t.Errorf("second batch = %v, want [d]", got[1])
	}
}

func TestRunLog_IntervalFlush(t *testing.T) {
	w := &fakeBatchWriter{}
	l := newRunLog(w, 100, 20*time.Millisecond, zerolog.Nop())
	defer l.Stop()

	l.RecordRun(context.Background(), testRun("x"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.snapshot()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batches = %v, want one timed flush", w.snapshot())
}

func TestRunLog_StopDropsLateEntries(t *testing.T) {
	w := &fakeBatchWriter{}
	l := newRunLog(w, 10, time.Hour, zerolog.Nop())
	l.Stop()
	if err := l.RecordRun(context.Background(), testRun("late")); err != nil {
		t.Errorf("RecordRun after Stop: %v", err)
	}
	l.Stop()
	if got := w.snapshot(); len(got) != 0 {
		t.Errorf("batches = %v, want none", got)
	}
}

func TestRunLog_WriteErrorsAreLogged(t *testing.T) {
	w := &fakeBatchWriter{err: errors.New("constraint violation")}
	l := newRunLog(w, 2, time.Hour, zerolog.Nop())
	l.RecordRun(context.Background(), testRun("a"))
	l.RecordRun(context.Background(), testRun("b"))
	l.Stop()
	if got := w.snapshot(); len(got) != 1 || len(got[0]) != 2 {
		t.Errorf("batches = %v", got)
	}
}

func TestRunArgs(t *testing.T) {
	run := testRun("r1")
	run.Mode = diarize.ModePersonalized
	run.Threshold = 0.5
	run.ProfileID = "not-a-uuid"
	run.Elapsed = 1500 * time.Millisecond

	args := runArgs(run)
	if len(args) != 15 {
		t.Fatalf("len(args) = %d, want 15", len(args))
	}
	if thr, ok := args[4].(*float64); !ok || thr == nil || *thr != 0.5 {
		t.Errorf("threshold arg = %v, want 0.5", args[4])
	}
	if p := args[3].(*uuid.UUID); p != nil {
		t.Errorf("invalid profile id should map to NULL, got %v", p)
	}
	if sp, ok := args[8].([]string); !ok || sp == nil {
		t.Errorf("speakers arg = %#v, want empty slice", args[8])
	}
	if ms := args[13].(int64); ms != 1500 {
		t.Errorf("elapsed_ms = %d, want 1500", ms)
	}

	run.Mode = diarize.ModeUnsupervised
	if thr := runArgs(run)[4].(*float64); thr != nil {
		t.Errorf("unsupervised threshold = %v, want nil", *thr)
	}
}
