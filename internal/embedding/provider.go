// Package embedding extracts speaker embeddings from audio through an
// external inference service.
package embedding

import (
	"context"

	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/cluster"
)

// Provider is the interface for speaker embedding backends.
//
// Embed returns (nil, nil) when the model produced no embedding for the clip
// (too short, silence, rejected input). A non-nil error means the backend
// could not be reached or answered with garbage.
type Provider interface {
	Embed(ctx context.Context, buf *audio.Buffer) (cluster.Embedding, error)
	Info() ModelInfo
}

// ModelInfo describes the loaded embedding model.
type ModelInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Dimension  int    `json:"dimension"`
	SampleRate int    `json:"sample_rate"`
}
