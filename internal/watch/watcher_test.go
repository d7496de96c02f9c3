package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// chanQueue forwards jobs to a channel.
type chanQueue struct {
	ch   chan Job
	full bool
}

func (q *chanQueue) Enqueue(j Job) bool {
	if q.full {
		return false
	}
	q.ch <- j
	return true
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProcessFile(t *testing.T) {
	dir := t.TempDir()
	done := filepath.Join(dir, "done.wav")
	touch(t, done)
	touch(t, filepath.Join(dir, "done.diarized.json"))
	fresh := filepath.Join(dir, "fresh.wav")
	touch(t, fresh)

	q := &chanQueue{ch: make(chan Job, 4)}
	fw := NewFileWatcher(dir, q, zerolog.Nop())

	if fw.processFile(done) {
		t.Error("already diarized recording queued")
	}
	if !fw.processFile(fresh) {
		t.Error("fresh recording not queued")
	}
	if j := <-q.ch; j.AudioPath != fresh {
		t.Errorf("queued %q, want %q", j.AudioPath, fresh)
	}
	if fw.filesSkipped.Load() != 1 || fw.filesQueued.Load() != 1 {
		t.Errorf("skipped=%d queued=%d, want 1/1", fw.filesSkipped.Load(), fw.filesQueued.Load())
	}

	q.full = true
	if fw.processFile(fresh) {
		t.Error("processFile = true with a full queue")
	}
}

func TestFileWatcher_BackfillAndWatch(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "2026-10-16", "old.wav")
	touch(t, existing)
	touch(t, filepath.Join(dir, "2026-10-16", "old.segments.json"))
	touch(t, filepath.Join(dir, "notes.txt"))

	q := &chanQueue{ch: make(chan Job, 8)}
	fw := NewFileWatcher(dir, q, zerolog.Nop())
	fw.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fw.Stop()

	select {
	case j := <-q.ch:
		if j.AudioPath != existing {
			t.Errorf("backfill queued %q, want %q", j.AudioPath, existing)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backfill did not queue the existing recording")
	}

	// A new recording in a new subdirectory.
	sub := filepath.Join(dir, "2026-10-17")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // let the watcher add the directory
	fresh := filepath.Join(sub, "new.m4a")
	touch(t, fresh)
	touch(t, filepath.Join(sub, "new.segments.json"))

	select {
	case j := <-q.ch:
		if j.AudioPath != fresh {
			t.Errorf("watch queued %q, want %q", j.AudioPath, fresh)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("new recording was not queued")
	}

	select {
	case j := <-q.ch:
		t.Errorf("unexpected job %q", j.AudioPath)
	case <-time.After(200 * time.Millisecond):
	}
}
