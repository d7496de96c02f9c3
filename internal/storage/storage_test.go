package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/diarize"
)

// fakeRemote stands in for the archive bucket.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failAll bool
}

func newFakeRemote(keys ...string) *fakeRemote {
	f := &fakeRemote{objects: make(map[string][]byte), types: make(map[string]string)}
	for _, k := range keys {
		f.objects[k] = nil
	}
	return f
}

func (f *fakeRemote) Save(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("remote unavailable")
	}
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeRemote) Exists(ctx context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeRemote) has(key string) bool { return f.Exists(context.Background(), key) }

func writeFile(t *testing.T, root, key, content string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if !mod.IsZero() {
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestDiskStore(t *testing.T) {
	dir := t.TempDir()
	s := NewDiskStore(dir)
	ctx := context.Background()
	key := "unsupervised/2026-10-16/run-1.wav"

	if s.Exists(ctx, key) {
		t.Fatal("Exists before Save")
	}
	if err := s.Save(ctx, key, []byte("RIFF"), "audio/wav"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(ctx, key) {
		t.Error("Exists after Save = false")
	}
	if s.Exists(ctx, "unsupervised/2026-10-16") {
		t.Error("Exists reports a directory")
	}

	path := filepath.Join(dir, "unsupervised", "2026-10-16", "run-1.wav")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archived file: %v", err)
	}
	if string(data) != "RIFF" {
		t.Errorf("content = %q, want RIFF", data)
	}

	// Overwrite keeps a single, complete file.
	if err := s.Save(ctx, key, []byte("RIFF2"), "audio/wav"); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
	for _, e := range entries {
		if isPartial(e.Name()) {
			t.Errorf("partial file left behind: %s", e.Name())
		}
	}
	if s.Kind() != "disk" || s.Root() != dir {
		t.Errorf("Kind = %q, Root = %q", s.Kind(), s.Root())
	}
}

func TestMirrorStore(t *testing.T) {
	ctx := context.Background()
	key := "personalized/2026-10-16/run-7.json"

	t.Run("inline_copy", func(t *testing.T) {
		remote := newFakeRemote()
		m := NewMirrorStore(NewDiskStore(t.TempDir()), remote, nil, zerolog.Nop())
		if err := m.Save(ctx, key, []byte("{}"), "application/json"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if !remote.has(key) || remote.types[key] != "application/json" {
			t.Errorf("bucket copy missing or mistyped: %q", remote.types[key])
		}
		if m.Kind() != "mirror" {
			t.Errorf("Kind = %q", m.Kind())
		}
	})

	t.Run("bucket_down_still_saves", func(t *testing.T) {
		remote := newFakeRemote()
		remote.failAll = true
		disk := NewDiskStore(t.TempDir())
		m := NewMirrorStore(disk, remote, nil, zerolog.Nop())
		if err := m.Save(ctx, key, []byte("{}"), "application/json"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if !disk.Exists(ctx, key) || !m.Exists(ctx, key) {
			t.Error("disk copy missing")
		}
	})

	t.Run("queued_copy", func(t *testing.T) {
		remote := newFakeRemote()
		u := NewAsyncUploader(remote, 1, 4, zerolog.Nop())
		u.Start()
		m := NewMirrorStore(NewDiskStore(t.TempDir()), remote, u, zerolog.Nop())
		if err := m.Save(ctx, key, []byte("{}"), "application/json"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		u.Stop()
		if !remote.has(key) {
			t.Error("queued copy not uploaded")
		}
	})

	t.Run("exists_in_bucket_only", func(t *testing.T) {
		remote := newFakeRemote(key)
		m := NewMirrorStore(NewDiskStore(t.TempDir()), remote, nil, zerolog.Nop())
		if !m.Exists(ctx, key) {
			t.Error("Exists = false for a bucket-only object")
		}
	})
}

func TestKeys(t *testing.T) {
	created := time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	tests := []struct {
		name      string
		run       diarize.Run
		audioPath string
		wantAudio string
		wantRec   string
	}{
		{
			"personalized_utc_day",
			diarize.Run{ID: "abc", Mode: diarize.ModePersonalized, CreatedAt: created},
			"/tmp/upload-1.MP3",
			"personalized/2026-03-15/abc.mp3",
			"personalized/2026-03-15/abc.json",
		},
		{
			"no_extension",
			diarize.Run{ID: "def", Mode: diarize.ModeUnsupervised, CreatedAt: created},
			"/tmp/upload",
			"unsupervised/2026-03-15/def.bin",
			"unsupervised/2026-03-15/def.json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audio, rec := Keys(&tt.run, tt.audioPath)
			if audio != tt.wantAudio || rec != tt.wantRec {
				t.Errorf("Keys = %q, %q; want %q, %q", audio, rec, tt.wantAudio, tt.wantRec)
			}
		})
	}
}

func TestArchiver(t *testing.T) {
	archiveDir := t.TempDir()
	src := writeFile(t, t.TempDir(), "call.wav", "RIFF....WAVE", time.Time{})

	run := &diarize.Run{
		ID:        "run-42",
		Source:    "api",
		Mode:      diarize.ModePersonalized,
		Threshold: 0.45,
		Segments:  2,
		Embedded:  2,
		Elapsed:   1500 * time.Millisecond,
		CreatedAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	res := &diarize.Result{
		Speakers:    []string{"OTHER", "YOU"},
		NumSpeakers: 2,
		Segments: []diarize.LabeledSegment{
			{Start: 0, End: 1, Speaker: "YOU"},
			{Start: 1, End: 2, Speaker: "OTHER"},
		},
	}

	a := NewArchiver(NewDiskStore(archiveDir), zerolog.Nop())
	if err := a.Archive(context.Background(), run, src, res); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	audio, err := os.ReadFile(filepath.Join(archiveDir, "personalized", "2026-10-16", "run-42.wav"))
	if err != nil {
		t.Fatalf("archived audio: %v", err)
	}
	if string(audio) != "RIFF....WAVE" {
		t.Errorf("archived audio = %q", audio)
	}

	data, err := os.ReadFile(filepath.Join(archiveDir, "personalized", "2026-10-16", "run-42.json"))
	if err != nil {
		t.Fatalf("archived record: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.RunID != "run-42" || rec.Mode != diarize.ModePersonalized || rec.ElapsedMs != 1500 {
		t.Errorf("record = %+v", rec)
	}
	if rec.AudioKey != "personalized/2026-10-16/run-42.wav" {
		t.Errorf("AudioKey = %q", rec.AudioKey)
	}
	if rec.Result == nil || rec.Result.NumSpeakers != 2 || len(rec.Result.Segments) != 2 {
		t.Errorf("Result = %+v", rec.Result)
	}
}

func TestArchiver_MissingAudio(t *testing.T) {
	a := NewArchiver(NewDiskStore(t.TempDir()), zerolog.Nop())
	run := &diarize.Run{ID: "x", Mode: diarize.ModeUnsupervised, CreatedAt: time.Now()}
	if err := a.Archive(context.Background(), run, "/nonexistent/input.wav", &diarize.Result{}); err == nil {
		t.Error("expected error for unreadable audio")
	}
}

func TestRunEvictor_Retention(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	writeFile(t, dir, "unsupervised/2026-01-01/a.wav", "a", old)
	writeFile(t, dir, "unsupervised/2026-01-01/a.json", "{}", old)
	writeFile(t, dir, "personalized/2026-01-02/b.wav", "b", old)
	writeFile(t, dir, "personalized/2026-01-02/b.json", "{}", old)
	writeFile(t, dir, "personalized/2026-10-16/c.wav", "c", time.Time{})

	// b.json never reached the bucket, so run b stays whole.
	remote := newFakeRemote(
		"unsupervised/2026-01-01/a.wav",
		"unsupervised/2026-01-01/a.json",
		"personalized/2026-01-02/b.wav",
	)
	e := NewRunEvictor(dir, 24*time.Hour, 0, remote, zerolog.Nop())

	if got := e.evict(); got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "unsupervised")); !os.IsNotExist(err) {
		t.Errorf("empty mode dir not removed: %v", err)
	}
	for _, key := range []string{
		"personalized/2026-01-02/b.wav",
		"personalized/2026-01-02/b.json",
		"personalized/2026-10-16/c.wav",
	} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(key))); err != nil {
			t.Errorf("%s removed: %v", key, err)
		}
	}
}

func TestRunEvictor_SizeCap(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, dir, "unsupervised/2026-10-14/old.wav", "0123456789", now.Add(-3*time.Hour))
	writeFile(t, dir, "unsupervised/2026-10-14/old.json", "{}", now.Add(-3*time.Hour))
	writeFile(t, dir, "unsupervised/2026-10-15/mid.wav", "0123456789", now.Add(-2*time.Hour))
	writeFile(t, dir, "unsupervised/2026-10-16/new.wav", "0123456789", now.Add(-time.Hour))

	e := NewRunEvictor(dir, 0, 0, nil, zerolog.Nop())
	e.maxBytes = 25

	// 32 bytes on disk: dropping the oldest run (12 bytes) is enough.
	if got := e.evict(); got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "unsupervised", "2026-10-14")); !os.IsNotExist(err) {
		t.Errorf("oldest run not evicted: %v", err)
	}
	for _, key := range []string{"unsupervised/2026-10-15/mid.wav", "unsupervised/2026-10-16/new.wav"} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(key))); err != nil {
			t.Errorf("%s removed: %v", key, err)
		}
	}
}

func TestRunEvictor_Disabled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "unsupervised/2026-01-01/a.wav", "a", time.Now().Add(-1000*time.Hour))
	e := NewRunEvictor(dir, 0, 0, nil, zerolog.Nop())
	if got := e.evict(); got != 0 {
		t.Errorf("evicted = %d, want 0", got)
	}
}

func TestUploadReconciler(t *testing.T) {
	dir := t.TempDir()
	today := time.Now().UTC().Format(dateLayout)
	writeFile(t, dir, "unsupervised/"+today+"/a.wav", "a", time.Time{})
	writeFile(t, dir, "unsupervised/"+today+"/a.json", "{}", time.Time{})
	writeFile(t, dir, "unsupervised/"+today+"/.partial-123", "partial", time.Time{})
	writeFile(t, dir, "unsupervised/2020-01-01/old.wav", "old", time.Time{})

	remote := newFakeRemote("unsupervised/" + today + "/a.json")
	r := NewUploadReconciler(dir, remote, zerolog.Nop())

	if got := r.reconcile(); got != 1 {
		t.Errorf("uploaded = %d, want 1", got)
	}
	key := "unsupervised/" + today + "/a.wav"
	if !remote.has(key) {
		t.Errorf("%s not uploaded", key)
	}
	if ct := remote.types[key]; ct != "audio/wav" {
		t.Errorf("content type = %q, want audio/wav", ct)
	}
	if remote.has("unsupervised/2020-01-01/old.wav") {
		t.Error("object outside the window uploaded")
	}
	if remote.has("unsupervised/" + today + "/.partial-123") {
		t.Error("temp file uploaded")
	}
	r.Stop()
	r.Stop()
}

func TestAsyncUploader(t *testing.T) {
	remote := newFakeRemote()
	u := NewAsyncUploader(remote, 2, 8, zerolog.Nop())
	u.Start()

	for _, key := range []string{"m/d/1.wav", "m/d/2.wav", "m/d/3.json"} {
		if !u.Enqueue(key, []byte(key), contentTypeFromExt(filepath.Ext(key))) {
			t.Errorf("Enqueue(%s) = false", key)
		}
	}
	u.Stop()

	for _, key := range []string{"m/d/1.wav", "m/d/2.wav", "m/d/3.json"} {
		if !remote.has(key) {
			t.Errorf("%s not uploaded", key)
		}
	}
	if u.Enqueue("m/d/4.wav", nil, "audio/wav") {
		t.Error("Enqueue after Stop = true")
	}
}

func TestAsyncUploader_QueueFull(t *testing.T) {
	u := NewAsyncUploader(newFakeRemote(), 1, 1, zerolog.Nop())
	// Not started: the single slot fills and the next job is dropped.
	if !u.Enqueue("a", nil, "") {
		t.Fatal("first Enqueue = false")
	}
	if u.Enqueue("b", nil, "") {
		t.Error("Enqueue on full queue = true")
	}
}

func TestContentTypeFromExt(t *testing.T) {
	tests := map[string]string{
		".json": "application/json",
		".WAV":  "audio/wav",
		".mp3":  "audio/mpeg",
		".opus": "audio/ogg",
		".xyz":  "application/octet-stream",
	}
	for ext, want := range tests {
		if got := contentTypeFromExt(ext); got != want {
			t.Errorf("contentTypeFromExt(%q) = %q, want %q", ext, got, want)
		}
	}
}
