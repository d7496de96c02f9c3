package diarize

import (
	"context"
	"time"
)

// Mode names the clustering mode of a run.
const (
	ModeUnsupervised = "unsupervised"
	ModePersonalized = "personalized"
)

// Run summarizes one completed diarization for the hooks.
type Run struct {
	ID           string
	Source       string // "api" or "watch"
	Mode         string
	ProfileID    string
	Threshold    float64
	Segments     int
	Embedded     int
	NumSpeakers  int
	Speakers     []string
	MaxDistance  float64
	Score        float64
	Suspect      bool
	AudioSeconds float64
	Elapsed      time.Duration
	CreatedAt    time.Time
}

// Recorder persists a run log entry.
type Recorder interface {
	RecordRun(ctx context.Context, run *Run) error
}

// Archiver keeps the request audio and result for later recalibration.
type Archiver interface {
	Archive(ctx context.Context, run *Run, audioPath string, result *Result) error
}

// Publisher announces completed runs.
type Publisher interface {
	PublishResult(ctx context.Context, run *Run, result *Result) error
}
