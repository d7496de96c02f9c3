package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/cluster"
	"github.com/snarg/speaker-diarizer/internal/database"
	"github.com/snarg/speaker-diarizer/internal/diarize"
)

// Diarizer runs diarizations and enrollments. *diarize.Service satisfies it.
type Diarizer interface {
	Diarize(ctx context.Context, req diarize.Request) (*diarize.Result, error)
	Enroll(ctx context.Context, audioPath string) (cluster.Embedding, error)
}

// DiarizeHandler serves the diarization and enrollment endpoints.
type DiarizeHandler struct {
	svc      Diarizer
	profiles ProfileStore // nil without a database
	dim      int
	model    string
	maxBytes int64
	tempDir  string
	log      zerolog.Logger
}

// DiarizeHandlerOptions configures a DiarizeHandler.
type DiarizeHandlerOptions struct {
	Service   Diarizer
	Profiles  ProfileStore
	Dimension int    // expected reference embedding length
	Model     string // recorded with enrolled profiles
	MaxBytes  int64
	TempDir   string
	Log       zerolog.Logger
}

// NewDiarizeHandler creates the diarization handler.
func NewDiarizeHandler(opts DiarizeHandlerOptions) *DiarizeHandler {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 200 << 20
	}
	return &DiarizeHandler{
		svc:      opts.Service,
		profiles: opts.Profiles,
		dim:      opts.Dimension,
		model:    opts.Model,
		maxBytes: opts.MaxBytes,
		tempDir:  opts.TempDir,
		log:      opts.Log.With().Str("handler", "diarize").Logger(),
	}
}

// Routes registers the diarization endpoints.
func (h *DiarizeHandler) Routes(r chi.Router) {
	r.Post("/diarize", h.Diarize)
	r.Post("/enroll", h.Enroll)
	r.Post("/identify", h.Identify)
}

// Diarize handles POST /api/v1/diarize.
// Multipart fields: audio (file, required), segments (JSON array),
// user_embedding (JSON array) or profile_id, threshold.
func (h *DiarizeHandler) Diarize(w http.ResponseWriter, r *http.Request) {
	if !parseUpload(w, r, h.maxBytes) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := diarize.Request{
		ID:     w.Header().Get("X-Request-ID"),
		Source: "api",
	}

	segs, err := diarize.ParseSegments([]byte(r.FormValue("segments")))
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	req.Segments = segs

	rawEmb := strings.TrimSpace(r.FormValue("user_embedding"))
	rawProfile := strings.TrimSpace(r.FormValue("profile_id"))
	switch {
	case rawEmb != "" && rawProfile != "":
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "send either user_embedding or profile_id, not both")
		return
	case rawEmb != "":
		emb, err := h.parseEmbedding(rawEmb)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
			return
		}
		req.Reference = emb
	case rawProfile != "":
		p, status, code, err := h.lookupProfile(r.Context(), rawProfile)
		if err != nil {
			WriteErrorWithCode(w, status, code, err.Error())
			return
		}
		req.Reference = p.Embedding
		req.ProfileID = p.ID.String()
	}

	if raw := strings.TrimSpace(r.FormValue("threshold")); raw != "" {
		thr, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(thr) || thr < -1 || thr > 1 {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, fmt.Sprintf("threshold must be a number in [-1, 1], got %q", raw))
			return
		}
		req.Threshold = &thr
	}

	path, cleanup, ok := h.saveAudio(w, r)
	if !ok {
		return
	}
	defer cleanup()
	req.AudioPath = path

	res, err := h.svc.Diarize(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// EnrollResponse is returned by the enrollment endpoint.
type EnrollResponse struct {
	Embedding cluster.Embedding `json:"embedding"`
	Dimension int               `json:"dimension"`
	ProfileID string            `json:"profile_id,omitempty"`
	Name      string            `json:"name,omitempty"`
}

// Enroll handles POST /api/v1/enroll.
// Multipart fields: audio (file, required), name (stores a new profile) or
// profile_id (replaces the embedding of an existing profile).
func (h *DiarizeHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	if !parseUpload(w, r, h.maxBytes) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	name := strings.TrimSpace(r.FormValue("name"))
	rawProfile := strings.TrimSpace(r.FormValue("profile_id"))
	var profileID uuid.UUID
	if rawProfile != "" {
		if h.profiles == nil {
			WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "voice profiles require a database")
			return
		}
		id, err := uuid.Parse(rawProfile)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, fmt.Sprintf("invalid profile_id %q", rawProfile))
			return
		}
		profileID = id
	}

	path, cleanup, ok := h.saveAudio(w, r)
	if !ok {
		return
	}
	defer cleanup()

	emb, err := h.svc.Enroll(r.Context(), path)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	resp := EnrollResponse{Embedding: emb, Dimension: len(emb)}

	switch {
	case profileID != uuid.Nil:
		if err := h.profiles.UpdateProfileEmbedding(r.Context(), profileID, h.model, emb); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "profile not found")
				return
			}
			h.log.Error().Err(err).Str("profile_id", rawProfile).Msg("profile update failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to update profile")
			return
		}
		resp.ProfileID = profileID.String()
	case name != "" && h.profiles != nil:
		p, err := h.profiles.CreateProfile(r.Context(), name, h.model, emb)
		if err != nil {
			if errors.Is(err, database.ErrDuplicateName) {
				WriteErrorWithCode(w, http.StatusConflict, ErrConflict, err.Error())
				return
			}
			h.log.Error().Err(err).Str("name", name).Msg("profile create failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to store profile")
			return
		}
		resp.ProfileID = p.ID.String()
		resp.Name = p.Name
	case name != "":
		h.log.Warn().Str("name", name).Msg("no database configured, profile not stored")
	}

	status := http.StatusOK
	if resp.ProfileID != "" && profileID == uuid.Nil {
		status = http.StatusCreated
	}
	WriteJSON(w, status, resp)
}

// Identify handles POST /api/v1/identify?limit=N: it embeds the uploaded
// recording and returns the closest stored profiles.
func (h *DiarizeHandler) Identify(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "voice profiles require a database")
		return
	}
	if !parseUpload(w, r, h.maxBytes) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	limit := 3
	if r.URL.Query().Has("limit") {
		n, ok := QueryInt(r, "limit")
		if !ok || n < 1 || n > 100 {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "limit must be an integer in [1, 100]")
			return
		}
		limit = n
	}

	path, cleanup, ok := h.saveAudio(w, r)
	if !ok {
		return
	}
	defer cleanup()

	emb, err := h.svc.Enroll(r.Context(), path)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	matches, err := h.profiles.MatchProfiles(r.Context(), emb, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("profile match failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to match profiles")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (h *DiarizeHandler) saveAudio(w http.ResponseWriter, r *http.Request) (string, func(), bool) {
	path, cleanup, err := saveAudio(r, h.tempDir)
	if err != nil {
		if errors.Is(err, errNoAudio) || errors.Is(err, errUnsupportedAudio) {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		} else {
			h.log.Error().Err(err).Msg("failed to store upload")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to store upload")
		}
		return "", nil, false
	}
	return path, cleanup, true
}

// parseEmbedding decodes a JSON number array and checks its length.
func (h *DiarizeHandler) parseEmbedding(raw string) (cluster.Embedding, error) {
	var emb cluster.Embedding
	if err := json.Unmarshal([]byte(raw), &emb); err != nil {
		return nil, fmt.Errorf("user_embedding: %w", err)
	}
	if h.dim > 0 && len(emb) != h.dim {
		return nil, fmt.Errorf("user_embedding has %d values, want %d", len(emb), h.dim)
	}
	if len(emb) == 0 {
		return nil, errors.New("user_embedding is empty")
	}
	return emb, nil
}

func (h *DiarizeHandler) lookupProfile(ctx context.Context, raw string) (*database.VoiceProfile, int, string, error) {
	if h.profiles == nil {
		return nil, http.StatusServiceUnavailable, ErrUnavailable, errors.New("voice profiles require a database")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, http.StatusBadRequest, ErrBadRequest, fmt.Errorf("invalid profile_id %q", raw)
	}
	p, err := h.profiles.GetProfile(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, http.StatusNotFound, ErrNotFound, errors.New("profile not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("profile_id", raw).Msg("profile lookup failed")
		return nil, http.StatusInternalServerError, ErrInternal, errors.New("failed to load profile")
	}
	return p, 0, "", nil
}

// writeServiceError maps pipeline errors to HTTP responses.
func (h *DiarizeHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, diarize.ErrInvalidSegments),
		errors.Is(err, cluster.ErrDimensionMismatch),
		errors.Is(err, cluster.ErrInvalidEmbedding),
		errors.Is(err, cluster.ErrInvalidThreshold),
		errors.Is(err, diarize.ErrNoEmbedding):
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
	case errors.Is(err, audio.ErrNoConverter), errors.Is(err, audio.ErrNotWAV):
		WriteErrorWithCode(w, http.StatusUnsupportedMediaType, ErrBadRequest, err.Error())
	case errors.Is(err, diarize.ErrModelUnavailable):
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		WriteErrorWithCode(w, http.StatusGatewayTimeout, ErrUnavailable, "diarization timed out")
	default:
		h.log.Error().Err(err).Msg("diarization failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "diarization failed")
	}
}
