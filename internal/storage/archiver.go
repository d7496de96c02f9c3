package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/diarize"
)

const dateLayout = "2006-01-02"

// Record is the JSON document archived next to each recording.
type Record struct {
	RunID        string          `json:"run_id"`
	Source       string          `json:"source"`
	Mode         string          `json:"mode"`
	ProfileID    string          `json:"profile_id,omitempty"`
	Threshold    float64         `json:"threshold,omitempty"`
	Segments     int             `json:"segments"`
	Embedded     int             `json:"embedded"`
	MaxDistance  float64         `json:"max_distance"`
	Score        float64         `json:"score"`
	Suspect      bool            `json:"suspect"`
	AudioSeconds float64         `json:"audio_seconds"`
	ElapsedMs    int64           `json:"elapsed_ms"`
	AudioKey     string          `json:"audio_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Result       *diarize.Result `json:"result"`
}

// Archiver keeps each request's audio and result so thresholds can be
// recalibrated against real traffic. It implements diarize.Archiver.
type Archiver struct {
	store Store
	log   zerolog.Logger
}

// NewArchiver creates an archiver writing to store.
func NewArchiver(store Store, log zerolog.Logger) *Archiver {
	return &Archiver{
		store: store,
		log:   log.With().Str("component", "archiver").Logger(),
	}
}

// Keys returns the audio and record keys for a run. The audio keeps the
// uploaded file's extension.
func Keys(run *diarize.Run, audioPath string) (audioKey, recordKey string) {
	mode := run.Mode
	if mode == "" {
		mode = diarize.ModeUnsupervised
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	base := mode + "/" + created.UTC().Format(dateLayout) + "/" + run.ID
	ext := strings.ToLower(filepath.Ext(audioPath))
	if ext == "" {
		ext = ".bin"
	}
	return base + ext, base + ".json"
}

// Archive stores the recording and a JSON record of the run.
func (a *Archiver) Archive(ctx context.Context, run *diarize.Run, audioPath string, result *diarize.Result) error {
	audioKey, recordKey := Keys(run, audioPath)

	if audioPath != "" {
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if err := a.store.Save(ctx, audioKey, data, contentTypeFromExt(filepath.Ext(audioKey))); err != nil {
			return fmt.Errorf("save audio %s: %w", audioKey, err)
		}
	} else {
		audioKey = ""
	}

	rec := Record{
		RunID:        run.ID,
		Source:       run.Source,
		Mode:         run.Mode,
		ProfileID:    run.ProfileID,
		Threshold:    run.Threshold,
		Segments:     run.Segments,
		Embedded:     run.Embedded,
		MaxDistance:  run.MaxDistance,
		Score:        run.Score,
		Suspect:      run.Suspect,
		AudioSeconds: run.AudioSeconds,
		ElapsedMs:    run.Elapsed.Milliseconds(),
		AudioKey:     audioKey,
		CreatedAt:    run.CreatedAt,
		Result:       result,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := a.store.Save(ctx, recordKey, data, "application/json"); err != nil {
		return fmt.Errorf("save record %s: %w", recordKey, err)
	}

	a.log.Debug().
		Str("run_id", run.ID).
		Str("store", a.store.Kind()).
		Str("key", recordKey).
		Msg("run archived")
	return nil
}
