package diarize

import (
	"math"

	"github.com/snarg/speaker-diarizer/internal/audio"
)

// DefaultMinSegmentDuration is the shortest sub-buffer, in seconds, that is
// worth embedding.
const DefaultMinSegmentDuration = 0.3

// Splitter cuts a recording into one clip per segment.
type Splitter struct {
	MinDuration float64
}

// Split returns one clip per segment, in order. Clips reference buf's
// samples without copying. Bounds past the end of the recording are clamped,
// and a clip shorter than MinDuration is returned as nil so that indexes
// keep lining up with segs.
func (s Splitter) Split(buf *audio.Buffer, segs []Segment) []*audio.Buffer {
	minDur := s.MinDuration
	if minDur <= 0 {
		minDur = DefaultMinSegmentDuration
	}
	rate := float64(buf.SampleRate)
	minSamples := minDur * rate
	total := float64(len(buf.Samples))

	clips := make([]*audio.Buffer, len(segs))
	for i, seg := range segs {
		// Clamp before converting so huge bounds cannot overflow int.
		from := math.Min(seg.Start*rate, total)
		to := math.Min(seg.End*rate, total)
		clip := buf.Slice(int(from), int(to))
		if float64(len(clip.Samples)) < minSamples {
			continue
		}
		clips[i] = clip
	}
	return clips
}
