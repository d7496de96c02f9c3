package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations returns the ordered list of schema migrations for embeddings of
// dimension dim. Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
func migrations(dim int) []migration {
	return []migration{
		{
			name:  "create extension vector",
			sql:   `CREATE EXTENSION IF NOT EXISTS vector`,
			check: `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`,
		},
		{
			name: "create voice_profiles",
			sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS voice_profiles (
    id         uuid PRIMARY KEY,
    name       text NOT NULL,
    embedding  %s NOT NULL,
    model      text NOT NULL DEFAULT '',
    created_at timestamptz NOT NULL DEFAULT now(),
    updated_at timestamptz NOT NULL DEFAULT now()
)`, vectorType(dim)),
			check: `SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'voice_profiles')`,
		},
		{
			name:  "add voice_profiles name index",
			sql:   `CREATE UNIQUE INDEX IF NOT EXISTS uq_voice_profiles_name ON voice_profiles (lower(name))`,
			check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'uq_voice_profiles_name')`,
		},
		{
			name: "create diarization_runs",
			sql: `CREATE TABLE IF NOT EXISTS diarization_runs (
    id            text PRIMARY KEY,
    source        text NOT NULL DEFAULT '',
    mode          text NOT NULL,
    profile_id    uuid REFERENCES voice_profiles (id) ON DELETE SET NULL,
    threshold     double precision,
    segments      int NOT NULL,
    embedded      int NOT NULL,
    num_speakers  int NOT NULL,
    speakers      text[] NOT NULL DEFAULT '{}',
    max_distance  double precision NOT NULL DEFAULT 0,
    score         double precision NOT NULL DEFAULT 0,
    suspect       boolean NOT NULL DEFAULT false,
    audio_seconds double precision NOT NULL DEFAULT 0,
    elapsed_ms    bigint NOT NULL DEFAULT 0,
    created_at    timestamptz NOT NULL DEFAULT now()
)`,
			check: `SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'diarization_runs')`,
		},
		{
			name:  "add diarization_runs time index",
			sql:   `CREATE INDEX IF NOT EXISTS idx_diarization_runs_created ON diarization_runs (created_at DESC)`,
			check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_diarization_runs_created')`,
		},
	}
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned and the caller should treat it as fatal,
// since the queries depend on these tables existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations(db.dim) {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	// Try to apply each pending migration
	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart the diarizer.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
