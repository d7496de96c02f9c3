package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/snarg/speaker-diarizer/internal/diarize"
)

const insertRunSQL = `
	INSERT INTO diarization_runs (
		id, source, mode, profile_id, threshold, segments, embedded,
		num_speakers, speakers, max_distance, score, suspect,
		audio_seconds, elapsed_ms, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO NOTHING`

// RecordRun inserts a diarization run log entry. It satisfies
// diarize.Recorder.
func (db *DB) RecordRun(ctx context.Context, run *diarize.Run) error {
	_, err := db.Pool.Exec(ctx, insertRunSQL, runArgs(run)...)
	return err
}

func runArgs(run *diarize.Run) []any {
	var profileID *uuid.UUID
	if run.ProfileID != "" {
		if id, err := uuid.Parse(run.ProfileID); err == nil {
			profileID = &id
		}
	}
	var threshold *float64
	if run.Mode == diarize.ModePersonalized {
		threshold = &run.Threshold
	}
	speakers := run.Speakers
	if speakers == nil {
		speakers = []string{}
	}
	return []any{
		run.ID, run.Source, run.Mode, profileID, threshold, run.Segments, run.Embedded,
		run.NumSpeakers, speakers, run.MaxDistance, run.Score, run.Suspect,
		run.AudioSeconds, run.Elapsed.Milliseconds(), run.CreatedAt,
	}
}

// RunStats aggregates the run log over a time window.
type RunStats struct {
	Runs           int64   `json:"runs"`
	Personalized   int64   `json:"personalized"`
	Suspect        int64   `json:"suspect"`
	AvgSpeakers    float64 `json:"avg_speakers"`
	AvgElapsedMs   float64 `json:"avg_elapsed_ms"`
	AudioSecondsIn float64 `json:"audio_seconds"`
}

// GetRunStats summarizes runs created since the given time.
func (db *DB) GetRunStats(ctx context.Context, since time.Time) (*RunStats, error) {
	var s RunStats
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE mode = 'personalized'),
		       count(*) FILTER (WHERE suspect),
		       coalesce(avg(num_speakers), 0),
		       coalesce(avg(elapsed_ms), 0),
		       coalesce(sum(audio_seconds), 0)
		FROM diarization_runs WHERE created_at >= $1
	`, since).Scan(&s.Runs, &s.Personalized, &s.Suspect, &s.AvgSpeakers, &s.AvgElapsedMs, &s.AudioSecondsIn)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PruneRuns deletes run log entries older than the given duration and
// returns how many were removed.
func (db *DB) PruneRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM diarization_runs WHERE created_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
