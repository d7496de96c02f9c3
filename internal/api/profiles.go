package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/cluster"
	"github.com/snarg/speaker-diarizer/internal/database"
)

// ProfileStore persists voice profiles and run history. *database.DB
// satisfies it.
type ProfileStore interface {
	CreateProfile(ctx context.Context, name, model string, emb cluster.Embedding) (*database.VoiceProfile, error)
	GetProfile(ctx context.Context, id uuid.UUID) (*database.VoiceProfile, error)
	ListProfiles(ctx context.Context) ([]database.VoiceProfile, error)
	UpdateProfileEmbedding(ctx context.Context, id uuid.UUID, model string, emb cluster.Embedding) error
	DeleteProfile(ctx context.Context, id uuid.UUID) error
	MatchProfiles(ctx context.Context, emb cluster.Embedding, limit int) ([]database.ProfileMatch, error)
	GetRunStats(ctx context.Context, since time.Time) (*database.RunStats, error)
}

type ProfilesHandler struct {
	store ProfileStore
	log   zerolog.Logger
}

func NewProfilesHandler(store ProfileStore, log zerolog.Logger) *ProfilesHandler {
	return &ProfilesHandler{store: store, log: log.With().Str("handler", "profiles").Logger()}
}

func (h *ProfilesHandler) Routes(r chi.Router) {
	r.Get("/profiles", h.ListProfiles)
	r.Get("/profiles/{id}", h.GetProfile)
	r.Delete("/profiles/{id}", h.DeleteProfile)
	r.Get("/stats", h.GetStats)
}

func (h *ProfilesHandler) available(w http.ResponseWriter) bool {
	if h.store == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "voice profiles require a database")
		return false
	}
	return true
}

// ListProfiles returns all stored profiles without their embeddings.
func (h *ProfilesHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list profiles")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to list profiles")
		return
	}
	if profiles == nil {
		profiles = []database.VoiceProfile{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"profiles": profiles,
		"total":    len(profiles),
	})
}

// GetProfile returns one profile including its embedding.
func (h *ProfilesHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id, err := PathUUID(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	p, err := h.store.GetProfile(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "profile not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("profile_id", id.String()).Msg("failed to get profile")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to get profile")
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *ProfilesHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id, err := PathUUID(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	err = h.store.DeleteProfile(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "profile not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("profile_id", id.String()).Msg("failed to delete profile")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to delete profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetStats summarizes recorded runs. ?since= accepts RFC 3339; the default
// window is the last 24 hours.
func (h *ProfilesHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if r.URL.Query().Get("since") != "" {
		t, ok := QueryTime(r, "since")
		if !ok {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	stats, err := h.store.GetRunStats(r.Context(), since)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get run stats")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to get run stats")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"since": since.UTC(),
		"stats": stats,
	})
}
