// Package cluster assigns speaker labels to a sequence of voice embeddings.
//
// Two modes are provided:
//
//   - [Engine.Cluster] partitions embeddings into speakers without any prior
//     knowledge and labels them "speaker_<id>".
//   - [Engine.ClusterPersonalized] first separates an enrolled speaker ("YOU")
//     from everyone else by cosine similarity against a reference embedding,
//     then sub-clusters the remainder into "OTHER" / "OTHER_<id>".
//
// Both modes standardize the embeddings, short-circuit to a single cluster
// when the largest pairwise distance is below a calibrated threshold, and
// otherwise select the number of clusters by the mean silhouette score of
// Ward-linkage partitions.
//
// A nil (or empty) Embedding marks a segment whose embedding could not be
// extracted. Missing embeddings never fail a call; they are labelled by a
// fallback policy so that the output always has the same length and order
// as the input.
//
// The engine is pure and CPU-bound. An Engine is immutable after New and is
// safe for concurrent use.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Label vocabulary.
const (
	LabelYou   = "YOU"
	LabelOther = "OTHER"

	speakerPrefix = "speaker_"
	otherPrefix   = "OTHER_"
)

// Defaults tuned for the 512-dimensional speaker embedding model the service
// was calibrated against. Other models need their own values.
const (
	DefaultDistanceThreshold   = 19.0
	DefaultMaxSpeakers         = 10
	DefaultMaxOtherSpeakers    = 5
	DefaultSilhouetteGate      = 0.2
	DefaultSimilarityThreshold = 0.45
	DefaultNearThresholdBand   = 0.05
	DefaultNearThresholdRatio  = 0.3
)

var (
	// ErrDimensionMismatch is returned when embeddings (or the reference
	// embedding) do not share the expected dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidEmbedding is returned for embeddings containing NaN or Inf.
	ErrInvalidEmbedding = errors.New("embedding contains non-finite values")

	// ErrInvalidThreshold is returned for a NaN similarity threshold.
	ErrInvalidThreshold = errors.New("invalid similarity threshold")
)

// Embedding is a fixed-dimension voice embedding. A nil or empty Embedding
// means "no embedding" for the corresponding segment.
type Embedding []float32

// Missing reports whether the embedding is absent.
func (e Embedding) Missing() bool { return len(e) == 0 }

// Config holds the tunable parameters of the engine. Zero fields fall back
// to the package defaults.
type Config struct {
	// Dimension is the expected embedding length. 0 infers it from the
	// first present embedding of each call.
	Dimension int

	// DistanceThreshold is the maximum standardized pairwise distance below
	// which all embeddings are assumed to come from a single speaker.
	DistanceThreshold float64

	// MaxSpeakers caps the cluster count searched in unsupervised mode.
	MaxSpeakers int

	// MaxOtherSpeakers caps the cluster count searched among non-YOU
	// embeddings in personalized mode.
	MaxOtherSpeakers int

	// SilhouetteGate is the score a multi-cluster OTHER partition must
	// exceed to be kept in personalized mode. Nil uses the default; any
	// value in [-1, 1], including 0, is taken as given.
	SilhouetteGate *float64

	// NearThresholdBand and NearThresholdRatio control the similarity
	// warning: more than Ratio of the scores within ±Band of the threshold
	// marks the run as suspect.
	NearThresholdBand  float64
	NearThresholdRatio float64
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		DistanceThreshold:  DefaultDistanceThreshold,
		MaxSpeakers:        DefaultMaxSpeakers,
		MaxOtherSpeakers:   DefaultMaxOtherSpeakers,
		SilhouetteGate:     Float(DefaultSilhouetteGate),
		NearThresholdBand:  DefaultNearThresholdBand,
		NearThresholdRatio: DefaultNearThresholdRatio,
	}
}

// Float returns a pointer to v, for optional Config fields.
func Float(v float64) *float64 { return &v }

// Engine runs the clustering algorithms with a fixed configuration.
type Engine struct {
	cfg Config
}

// New creates an Engine. Zero-valued fields of cfg take their defaults.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DistanceThreshold <= 0 {
		cfg.DistanceThreshold = def.DistanceThreshold
	}
	if cfg.MaxSpeakers <= 0 {
		cfg.MaxSpeakers = def.MaxSpeakers
	}
	if cfg.MaxOtherSpeakers <= 0 {
		cfg.MaxOtherSpeakers = def.MaxOtherSpeakers
	}
	if cfg.SilhouetteGate == nil {
		cfg.SilhouetteGate = def.SilhouetteGate
	} else {
		gate := *cfg.SilhouetteGate
		cfg.SilhouetteGate = &gate
	}
	if cfg.NearThresholdBand <= 0 {
		cfg.NearThresholdBand = def.NearThresholdBand
	}
	if cfg.NearThresholdRatio <= 0 {
		cfg.NearThresholdRatio = def.NearThresholdRatio
	}
	return &Engine{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Result is the outcome of a clustering call.
type Result struct {
	// Labels has one entry per input embedding, in input order.
	Labels []string

	// Clusters is the number of clusters found: speakers in unsupervised
	// mode, OTHER sub-clusters in personalized mode.
	Clusters int

	// Valid is the number of present embeddings.
	Valid int

	// MaxDistance is the largest standardized pairwise distance among the
	// clustered embeddings (0 when fewer than two were clustered).
	MaxDistance float64

	// Score is the silhouette score of the selected partition. Scored is
	// false when no partition was scored.
	Score  float64
	Scored bool

	// Similarity is set in personalized mode only.
	Similarity *SimilarityStats
}

// speakerLabel formats an unsupervised label.
func speakerLabel(id int) string { return speakerPrefix + strconv.Itoa(id) }

// otherLabel formats a personalized sub-cluster label.
func otherLabel(id int) string { return otherPrefix + strconv.Itoa(id) }

// checkShape validates that all present embeddings have dimension dim (or,
// when dim is 0, the dimension of the first present embedding) and are
// finite. It returns the dimension in use.
func checkShape(embeddings []Embedding, dim int) (int, error) {
	for i, emb := range embeddings {
		if emb.Missing() {
			continue
		}
		if dim == 0 {
			dim = len(emb)
		}
		if len(emb) != dim {
			return 0, fmt.Errorf("%w: embedding %d has %d components, want %d", ErrDimensionMismatch, i, len(emb), dim)
		}
		if !finite(emb) {
			return 0, fmt.Errorf("%w: embedding %d", ErrInvalidEmbedding, i)
		}
	}
	return dim, nil
}

func finite(v Embedding) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// fill sets every element of labels to label.
func fill(labels []string, label string) {
	for i := range labels {
		labels[i] = label
	}
}
