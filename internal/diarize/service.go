// Package diarize runs the diarization pipeline: it prepares the recording,
// splits it per transcript segment, extracts an embedding per clip and hands
// the embeddings to the clustering engine.
package diarize

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/cluster"
	"github.com/snarg/speaker-diarizer/internal/embedding"
	"github.com/snarg/speaker-diarizer/internal/metrics"
)

// Options configures a Service.
type Options struct {
	Engine      *cluster.Engine
	Provider    *embedding.Shared
	Splitter    Splitter
	Concurrency int     // parallel embedding requests per diarization
	Threshold   float64 // default similarity threshold for personalized runs
	TempDir     string
	Timeout     time.Duration // 0 = no limit beyond the caller's context

	// Optional hooks. Failures are logged and never fail a request.
	Recorder  Recorder
	Archiver  Archiver
	Publisher Publisher

	Log zerolog.Logger
}

// Request is one diarization job.
type Request struct {
	ID        string // generated when empty
	Source    string
	AudioPath string
	Segments  []Segment

	// Reference enables personalized mode. ProfileID names the stored
	// profile it came from, if any.
	Reference cluster.Embedding
	ProfileID string

	// Threshold overrides the default similarity threshold when set.
	Threshold *float64
}

// Service sequences the pipeline stages. It is safe for concurrent use.
type Service struct {
	opts Options
	log  zerolog.Logger
}

// NewService creates a diarization service.
func NewService(opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Threshold == 0 {
		opts.Threshold = cluster.DefaultSimilarityThreshold
	}
	if opts.Engine == nil {
		opts.Engine = cluster.New(cluster.DefaultConfig())
	}
	return &Service{opts: opts, log: opts.Log}
}

// Diarize labels every segment of req with a speaker.
func (s *Service) Diarize(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	mode := ModeUnsupervised
	if req.Reference != nil {
		mode = ModePersonalized
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := s.log.With().Str("request_id", req.ID).Str("mode", mode).Logger()

	res, run, err := s.diarize(ctx, req, mode, log)
	if err != nil {
		metrics.DiarizationsTotal.WithLabelValues(mode, "error").Inc()
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("diarization failed")
		return nil, err
	}
	run.Elapsed = time.Since(start)
	metrics.DiarizationsTotal.WithLabelValues(mode, "ok").Inc()
	metrics.SpeakersDetected.Observe(float64(res.NumSpeakers))

	log.Info().
		Int("segments", run.Segments).
		Int("embedded", run.Embedded).
		Strs("speakers", res.Speakers).
		Float64("max_distance", run.MaxDistance).
		Dur("elapsed", run.Elapsed).
		Msg("diarization complete")

	s.runHooks(ctx, run, req.AudioPath, res, log)
	return res, nil
}

func (s *Service) diarize(ctx context.Context, req Request, mode string, log zerolog.Logger) (*Result, *Run, error) {
	if err := ValidateSegments(req.Segments); err != nil {
		return nil, nil, err
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	p, err := s.opts.Provider.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	info := p.Info()
	if req.Reference != nil && len(req.Reference) != info.Dimension {
		return nil, nil, fmt.Errorf("%w: reference has %d components, model produces %d",
			cluster.ErrDimensionMismatch, len(req.Reference), info.Dimension)
	}

	stage := time.Now()
	buf, err := audio.Load(ctx, req.AudioPath, info.SampleRate, s.opts.TempDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load audio: %w", err)
	}
	observeStage("decode", stage)

	// A nil list means the caller sent none; an empty one means nothing to label.
	segs := req.Segments
	switch {
	case segs == nil:
		segs = []Segment{{Start: 0, End: buf.Duration()}}
		log.Debug().Float64("duration", buf.Duration()).Msg("no segments supplied, using whole recording")
	case len(segs) == 0:
		log.Debug().Msg("empty segment list, nothing to label")
		return emptyResult(), &Run{
			ID:           req.ID,
			Source:       req.Source,
			Mode:         mode,
			ProfileID:    req.ProfileID,
			Speakers:     []string{},
			AudioSeconds: buf.Duration(),
			CreatedAt:    time.Now(),
		}, nil
	}

	clips := s.opts.Splitter.Split(buf, segs)

	stage = time.Now()
	embs, err := s.embedAll(ctx, p, clips, log)
	if err != nil {
		return nil, nil, err
	}
	observeStage("embed", stage)

	stage = time.Now()
	threshold := s.opts.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	var cr *cluster.Result
	if mode == ModePersonalized {
		cr, err = s.opts.Engine.ClusterPersonalized(embs, req.Reference, threshold)
	} else {
		cr, err = s.opts.Engine.Cluster(embs)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: %w", err)
	}
	observeStage("cluster", stage)

	if st := cr.Similarity; st != nil {
		log.Debug().
			Int("you", st.You.Count).
			Int("other", st.Other.Count).
			Float64("mean", st.All.Mean).
			Float64("min", st.All.Min).
			Float64("max", st.All.Max).
			Msg("similarity to reference")
		if st.Suspect {
			metrics.ThresholdWarningsTotal.Inc()
			log.Warn().
				Int("near_threshold", st.NearThreshold).
				Int("scored", st.All.Count).
				Float64("threshold", threshold).
				Msg("many segments close to the similarity threshold; consider re-enrolling or recalibrating")
		}
	}

	res := assemble(segs, cr)
	run := &Run{
		ID:           req.ID,
		Source:       req.Source,
		Mode:         mode,
		ProfileID:    req.ProfileID,
		Segments:     len(segs),
		Embedded:     cr.Valid,
		NumSpeakers:  res.NumSpeakers,
		Speakers:     res.Speakers,
		MaxDistance:  cr.MaxDistance,
		Score:        cr.Score,
		AudioSeconds: buf.Duration(),
		CreatedAt:    time.Now(),
	}
	if mode == ModePersonalized {
		run.Threshold = threshold
		run.Suspect = cr.Similarity.Suspect
	}
	return res, run, nil
}

// embedAll extracts embeddings for the clips concurrently. The result is
// index-aligned with clips; nil clips and failed extractions stay nil.
func (s *Service) embedAll(ctx context.Context, p embedding.Provider, clips []*audio.Buffer, log zerolog.Logger) ([]cluster.Embedding, error) {
	out := make([]cluster.Embedding, len(clips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for i, clip := range clips {
		if clip == nil {
			metrics.SegmentsTotal.WithLabelValues("too_short").Inc()
			continue
		}
		g.Go(func() error {
			emb, err := p.Embed(gctx, clip)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				metrics.EmbeddingFailuresTotal.Inc()
				metrics.SegmentsTotal.WithLabelValues("failed").Inc()
				log.Warn().Err(err).Int("segment", i).Msg("embedding failed, segment left unlabeled")
				return nil
			}
			if emb == nil {
				metrics.SegmentsTotal.WithLabelValues("no_embedding").Inc()
			} else {
				metrics.SegmentsTotal.WithLabelValues("embedded").Inc()
			}
			out[i] = emb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extract embeddings: %w", err)
	}
	return out, nil
}

// Enroll returns the embedding of a whole recording, to be used later as a
// personalized reference.
func (s *Service) Enroll(ctx context.Context, audioPath string) (cluster.Embedding, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	p, err := s.opts.Provider.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	buf, err := audio.Load(ctx, audioPath, p.Info().SampleRate, s.opts.TempDir)
	if err != nil {
		return nil, fmt.Errorf("load audio: %w", err)
	}
	emb, err := p.Embed(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("extract embedding: %w", err)
	}
	if emb == nil {
		return nil, fmt.Errorf("%w (%.1fs of audio)", ErrNoEmbedding, buf.Duration())
	}
	s.log.Info().Float64("duration", buf.Duration()).Int("dimension", len(emb)).Msg("voice enrolled")
	return emb, nil
}

func (s *Service) runHooks(ctx context.Context, run *Run, audioPath string, res *Result, log zerolog.Logger) {
	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordRun(ctx, run); err != nil {
			log.Warn().Err(err).Msg("failed to record run")
		}
	}
	if s.opts.Archiver != nil {
		if err := s.opts.Archiver.Archive(ctx, run, audioPath, res); err != nil {
			log.Warn().Err(err).Msg("failed to archive run")
		}
	}
	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.PublishResult(ctx, run, res); err != nil {
			log.Warn().Err(err).Msg("failed to publish result")
		}
	}
}

// assemble zips segments with their labels.
func assemble(segs []Segment, cr *cluster.Result) *Result {
	res := &Result{
		Segments:   make([]LabeledSegment, len(segs)),
		Similarity: cr.Similarity,
	}
	seen := make(map[string]bool)
	for i, seg := range segs {
		label := cr.Labels[i]
		res.Segments[i] = LabeledSegment{Start: seg.Start, End: seg.End, Speaker: label, Text: seg.Text}
		if !seen[label] {
			seen[label] = true
			res.Speakers = append(res.Speakers, label)
		}
	}
	sort.Strings(res.Speakers)
	if res.Speakers == nil {
		res.Speakers = []string{}
	}
	res.NumSpeakers = len(res.Speakers)
	return res
}

func emptyResult() *Result {
	return &Result{Speakers: []string{}, Segments: []LabeledSegment{}}
}

func observeStage(stage string, since time.Time) {
	metrics.DiarizationStageDuration.WithLabelValues(stage).Observe(time.Since(since).Seconds())
}
