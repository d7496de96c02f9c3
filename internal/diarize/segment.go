package diarize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/snarg/speaker-diarizer/internal/cluster"
)

var (
	// ErrInvalidSegments is returned for malformed segment lists.
	ErrInvalidSegments = errors.New("invalid segments")

	// ErrNoEmbedding is returned by Enroll when the model yields no
	// embedding for the recording.
	ErrNoEmbedding = errors.New("no voice embedding could be extracted")

	// ErrModelUnavailable wraps a failure to load the embedding model.
	ErrModelUnavailable = errors.New("embedding model unavailable")
)

// Segment is a time range of the recording, in seconds, with its
// transcript text.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// LabeledSegment is a Segment with its assigned speaker.
type LabeledSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

// Result is the response of a diarization. Speakers holds the distinct
// labels in sorted order.
type Result struct {
	Speakers    []string                 `json:"speakers"`
	Segments    []LabeledSegment         `json:"segments"`
	NumSpeakers int                      `json:"num_speakers"`
	Similarity  *cluster.SimilarityStats `json:"similarity,omitempty"`
}

// ParseSegments decodes and validates a JSON segment array. Empty input
// yields nil; "[]" yields an empty, non-nil slice.
func ParseSegments(data []byte) ([]Segment, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var segs []Segment
	if err := json.Unmarshal(data, &segs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSegments, err)
	}
	if err := ValidateSegments(segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// ValidateSegments checks that every segment has finite, non-negative
// bounds with Start < End. Order is not checked; it is preserved as given.
func ValidateSegments(segs []Segment) error {
	for i, s := range segs {
		if math.IsNaN(s.Start) || math.IsNaN(s.End) || math.IsInf(s.Start, 0) || math.IsInf(s.End, 0) {
			return fmt.Errorf("%w: segment %d has non-finite bounds", ErrInvalidSegments, i)
		}
		if s.Start < 0 {
			return fmt.Errorf("%w: segment %d starts before 0 (%.3f)", ErrInvalidSegments, i, s.Start)
		}
		if s.End <= s.Start {
			return fmt.Errorf("%w: segment %d ends at %.3f, not after its start %.3f", ErrInvalidSegments, i, s.End, s.Start)
		}
	}
	return nil
}
