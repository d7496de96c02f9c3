package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/cluster"
)

// DefaultMinDuration is the shortest clip sent to the model, in seconds.
// Shorter clips yield no embedding without a request.
const DefaultMinDuration = 0.5

// ClientOptions configures the HTTP embedding client.
type ClientOptions struct {
	URL         string
	Timeout     time.Duration
	Dimension   int     // expected embedding length; 0 accepts what the model reports
	MinDuration float64 // seconds; 0 uses DefaultMinDuration
	Log         zerolog.Logger
}

// Client calls an embedding inference sidecar:
//
//	GET  {url}/v1/model  -> ModelInfo
//	POST {url}/v1/embed  body audio/L16 mono PCM -> {"embedding": [...] | null}
//
// A 422 answer means the model rejected the clip and is treated as no
// embedding.
type Client struct {
	url    string
	info   ModelInfo
	minDur float64
	client *http.Client
	log    zerolog.Logger
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewClient fetches the model description and returns a ready client. It
// fails when the service is unreachable or reports a dimension other than
// opts.Dimension.
func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("embedding URL is required")
	}
	if opts.MinDuration <= 0 {
		opts.MinDuration = DefaultMinDuration
	}
	c := &Client{
		url:    strings.TrimRight(opts.URL, "/"),
		minDur: opts.MinDuration,
		client: &http.Client{Timeout: opts.Timeout},
		log:    opts.Log,
	}

	info, err := c.fetchInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.Dimension <= 0 || info.SampleRate <= 0 {
		return nil, fmt.Errorf("embedding model reported dimension %d, sample rate %d", info.Dimension, info.SampleRate)
	}
	if opts.Dimension > 0 && info.Dimension != opts.Dimension {
		return nil, fmt.Errorf("%w: model %q produces %d-dimensional embeddings, configured %d",
			cluster.ErrDimensionMismatch, info.Name, info.Dimension, opts.Dimension)
	}
	c.info = info
	return c, nil
}

func (c *Client) fetchInfo(ctx context.Context) (ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/v1/model", nil)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("model info request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ModelInfo{}, fmt.Errorf("model info error (status %d): %s", resp.StatusCode, string(body))
	}
	var info ModelInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return ModelInfo{}, fmt.Errorf("decode model info: %w", err)
	}
	return info, nil
}

// Info returns the model description fetched at construction.
func (c *Client) Info() ModelInfo { return c.info }

// Embed sends the clip to the model and returns its embedding.
func (c *Client) Embed(ctx context.Context, buf *audio.Buffer) (cluster.Embedding, error) {
	if buf == nil || buf.Duration() < c.minDur {
		return nil, nil
	}
	if buf.SampleRate != c.info.SampleRate {
		var err error
		if buf, err = audio.Resample(buf, c.info.SampleRate); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/embed", bytes.NewReader(audio.EncodePCM16(buf)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf("audio/L16;rate=%d;channels=1", buf.SampleRate))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		return nil, nil
	default:
		return nil, fmt.Errorf("embed API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Embedding == nil {
		return nil, nil
	}
	if len(result.Embedding) != c.info.Dimension {
		c.log.Warn().Int("got", len(result.Embedding)).Int("want", c.info.Dimension).
			Msg("embedding has wrong dimension, discarding")
		return nil, nil
	}

	emb := make(cluster.Embedding, len(result.Embedding))
	for i, v := range result.Embedding {
		// Values beyond the float32 range become ±Inf on conversion.
		f := float32(v)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			c.log.Warn().Int("index", i).Float64("value", v).Msg("embedding has non-finite component, discarding")
			return nil, nil
		}
		emb[i] = f
	}
	return emb, nil
}
