package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snarg/speaker-diarizer/internal/audio"
	"github.com/snarg/speaker-diarizer/internal/cluster"
)

type stubProvider struct{}

func (stubProvider) Embed(context.Context, *audio.Buffer) (cluster.Embedding, error) {
	return cluster.Embedding{1}, nil
}
func (stubProvider) Info() ModelInfo { return ModelInfo{Dimension: 1, SampleRate: 16000} }

func TestShared_LoadsOnce(t *testing.T) {
	var loads atomic.Int64
	s := NewShared(func(context.Context) (Provider, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return stubProvider{}, nil
	})
	if s.Loaded() {
		t.Fatal("Loaded() = true before first Get")
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Get(context.Background())
			if err != nil || p == nil {
				t.Errorf("Get = %v, %v", p, err)
			}
		}()
	}
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Errorf("loader ran %d times, want 1", n)
	}
	if !s.Loaded() {
		t.Error("Loaded() = false after Get")
	}
}

func TestShared_ErrorIsRetained(t *testing.T) {
	var loads atomic.Int64
	boom := errors.New("model unavailable")
	s := NewShared(func(context.Context) (Provider, error) {
		loads.Add(1)
		return nil, boom
	})
	for i := 0; i < 3; i++ {
		if _, err := s.Get(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Get err = %v, want %v", err, boom)
		}
	}
	if loads.Load() != 1 {
		t.Errorf("loader ran %d times, want 1", loads.Load())
	}
	if s.Loaded() {
		t.Error("Loaded() = true after failed load")
	}
}
