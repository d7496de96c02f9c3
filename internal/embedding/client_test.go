package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/cluster"
)

type fakeModel struct {
	info     ModelInfo
	calls    atomic.Int64
	status   int
	response string
	lastType atomic.Value
	lastLen  atomic.Int64
}

func (m *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/model":
		json.NewEncoder(w).Encode(m.info)
	case "/v1/embed":
		m.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		m.lastLen.Store(int64(len(body)))
		m.lastType.Store(r.Header.Get("Content-Type"))
		if m.status != 0 {
			w.WriteHeader(m.status)
		}
		io.WriteString(w, m.response)
	default:
		http.NotFound(w, r)
	}
}

func newFakeModel(response string) *fakeModel {
	return &fakeModel{
		info:     ModelInfo{Name: "test-ecapa", Version: "1", Dimension: 3, SampleRate: 16000},
		response: response,
	}
}

func newTestClient(t *testing.T, m *fakeModel) *Client {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), ClientOptions{URL: srv.URL + "/", Dimension: 3, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func clip(seconds float64, rate int) *audio.Buffer {
	return &audio.Buffer{Samples: make([]float32, int(seconds*float64(rate))), SampleRate: rate}
}

func TestNewClient_Info(t *testing.T) {
	c := newTestClient(t, newFakeModel(`{}`))
	info := c.Info()
	if info.Name != "test-ecapa" || info.Dimension != 3 || info.SampleRate != 16000 {
		t.Errorf("Info() = %+v", info)
	}
}

func TestNewClient_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(newFakeModel(`{}`))
	defer srv.Close()
	_, err := NewClient(context.Background(), ClientOptions{URL: srv.URL, Dimension: 512})
	if !errors.Is(err, cluster.ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	if _, err := NewClient(context.Background(), ClientOptions{URL: srv.URL}); err == nil {
		t.Error("expected error for closed server")
	}
	if _, err := NewClient(context.Background(), ClientOptions{}); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestEmbed(t *testing.T) {
	m := newFakeModel(`{"embedding":[0.1,0.2,0.3]}`)
	c := newTestClient(t, m)

	emb, err := c.Embed(context.Background(), clip(1, 16000))
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb) != 3 || emb[1] != float32(0.2) {
		t.Errorf("Embed = %v", emb)
	}
	if got := m.lastType.Load(); got != "audio/L16;rate=16000;channels=1" {
		t.Errorf("Content-Type = %v", got)
	}
	if got := m.lastLen.Load(); got != 32000 {
		t.Errorf("body length = %d, want 32000", got)
	}
}

func TestEmbed_NoEmbedding(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
	}{
		{"null", 0, `{"embedding":null}`},
		{"unprocessable", http.StatusUnprocessableEntity, `{"error":"too short"}`},
		{"wrong_dimension", 0, `{"embedding":[1,2]}`},
		{"overflows_float32", 0, `{"embedding":[1e39,0.5,0.25]}`},
		{"negative_overflow", 0, `{"embedding":[0.5,-3.5e38,0.25]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeModel(tt.response)
			m.status = tt.status
			c := newTestClient(t, m)
			emb, err := c.Embed(context.Background(), clip(1, 16000))
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}
			if emb != nil {
				t.Errorf("Embed = %v, want nil", emb)
			}
		})
	}
}

func TestEmbed_ShortClipSkipsRequest(t *testing.T) {
	m := newFakeModel(`{"embedding":[1,2,3]}`)
	c := newTestClient(t, m)

	emb, err := c.Embed(context.Background(), clip(0.4, 16000))
	if err != nil || emb != nil {
		t.Errorf("Embed = %v, %v, want nil, nil", emb, err)
	}
	if n := m.calls.Load(); n != 0 {
		t.Errorf("embed calls = %d, want 0", n)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	m := newFakeModel(`boom`)
	m.status = http.StatusInternalServerError
	c := newTestClient(t, m)
	if _, err := c.Embed(context.Background(), clip(1, 16000)); err == nil {
		t.Error("expected error for 500")
	}
}

func TestEmbed_Resamples(t *testing.T) {
	m := newFakeModel(`{"embedding":[1,2,3]}`)
	c := newTestClient(t, m)
	if _, err := c.Embed(context.Background(), clip(1, 8000)); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := m.lastType.Load(); got != "audio/L16;rate=16000;channels=1" {
		t.Errorf("Content-Type = %v", got)
	}
}
