// Package audio holds the mono PCM buffer used throughout the diarizer and
// the helpers that get arbitrary input files into that shape: format
// conversion via ffmpeg or sox, WAV decoding, resampling and PCM16 encoding.
package audio

import (
	"encoding/binary"
	"math"
)

// Buffer is mono audio as float32 samples in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Slice returns samples [from, to) as a new Buffer sharing the underlying
// array. Bounds are clamped to the buffer.
func (b *Buffer) Slice(from, to int) *Buffer {
	from = min(max(from, 0), len(b.Samples))
	to = min(max(to, from), len(b.Samples))
	return &Buffer{Samples: b.Samples[from:to:to], SampleRate: b.SampleRate}
}

// EncodePCM16 returns the samples as 16-bit signed little-endian PCM.
// Out-of-range samples are clipped.
func EncodePCM16(b *Buffer) []byte {
	out := make([]byte, 2*len(b.Samples))
	for i, s := range b.Samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v*math.MaxInt16))))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16.
func DecodePCM16(pcm []byte, sampleRate int) *Buffer {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / math.MaxInt16
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate}
}
