package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/snarg/speaker-diarizer/internal/cluster"
)

var (
	// ErrNotFound is returned when a voice profile does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when a profile name is already taken.
	ErrDuplicateName = errors.New("profile name already exists")
)

// VoiceProfile is an enrolled speaker's reference embedding.
type VoiceProfile struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Embedding cluster.Embedding `json:"embedding,omitempty"`
	Model     string            `json:"model"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ProfileMatch is a profile ranked by cosine similarity.
type ProfileMatch struct {
	VoiceProfile
	Similarity float64 `json:"similarity"`
}

// CreateProfile stores a new profile. Names are unique, case-insensitively.
func (db *DB) CreateProfile(ctx context.Context, name, model string, emb cluster.Embedding) (*VoiceProfile, error) {
	p := &VoiceProfile{ID: uuid.New(), Name: name, Model: model, Embedding: emb}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO voice_profiles (id, name, embedding, model)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, p.ID, name, pgvector.NewVector(emb), model).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		return nil, err
	}
	return p, nil
}

// GetProfile returns a profile with its embedding.
func (db *DB) GetProfile(ctx context.Context, id uuid.UUID) (*VoiceProfile, error) {
	var p VoiceProfile
	var vec pgvector.Vector
	err := db.Pool.QueryRow(ctx, `
		SELECT id, name, embedding, model, created_at, updated_at
		FROM voice_profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &vec, &p.Model, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Embedding = vec.Slice()
	return &p, nil
}

// ListProfiles returns all profiles ordered by name, without embeddings.
func (db *DB) ListProfiles(ctx context.Context) ([]VoiceProfile, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, model, created_at, updated_at
		FROM voice_profiles ORDER BY lower(name)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []VoiceProfile{}
	for rows.Next() {
		var p VoiceProfile
		if err := rows.Scan(&p.ID, &p.Name, &p.Model, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateProfileEmbedding replaces the reference embedding of a profile
// (re-enrollment).
func (db *DB) UpdateProfileEmbedding(ctx context.Context, id uuid.UUID, model string, emb cluster.Embedding) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE voice_profiles SET embedding = $2, model = $3, updated_at = now()
		WHERE id = $1
	`, id, pgvector.NewVector(emb), model)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProfile removes a profile.
func (db *DB) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM voice_profiles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MatchProfiles returns up to limit profiles closest to emb by cosine
// similarity, best first.
func (db *DB) MatchProfiles(ctx context.Context, emb cluster.Embedding, limit int) ([]ProfileMatch, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, model, created_at, updated_at, 1 - (embedding <=> $1) AS similarity
		FROM voice_profiles
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(emb), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []ProfileMatch{}
	for rows.Next() {
		var m ProfileMatch
		if err := rows.Scan(&m.ID, &m.Name, &m.Model, &m.CreatedAt, &m.UpdatedAt, &m.Similarity); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
