package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts b to the given sample rate. The input is returned
// unchanged when the rates already match.
func Resample(b *Buffer, rate int) (*Buffer, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("resample: invalid target rate %d", rate)
	}
	if b.SampleRate == rate || len(b.Samples) == 0 {
		return &Buffer{Samples: b.Samples, SampleRate: rate}, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(b.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	in := make([]float64, len(b.Samples))
	for i, s := range b.Samples {
		in[i] = float64(s)
	}
	out, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample %d -> %d Hz: %w", b.SampleRate, rate, err)
	}

	samples := make([]float32, len(out))
	for i, s := range out {
		samples[i] = float32(s)
	}
	return &Buffer{Samples: samples, SampleRate: rate}, nil
}
