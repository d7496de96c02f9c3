package embedding

import (
	"context"
	"sync"
	"sync/atomic"
)

// Loader constructs the provider. It runs at most once per Shared.
type Loader func(ctx context.Context) (Provider, error)

// Shared is a lazily initialized, process-wide provider. The first Get runs
// the loader; concurrent callers wait for that same load and every later
// call returns its outcome, error included.
type Shared struct {
	load   Loader
	once   sync.Once
	p      Provider
	err    error
	loaded atomic.Bool
}

// NewShared returns a Shared that will build its provider with load.
func NewShared(load Loader) *Shared {
	return &Shared{load: load}
}

// Get returns the provider, loading it on first use. The context of the
// first caller bounds the load.
func (s *Shared) Get(ctx context.Context) (Provider, error) {
	s.once.Do(func() {
		s.p, s.err = s.load(ctx)
		if s.err == nil {
			s.loaded.Store(true)
		}
	})
	return s.p, s.err
}

// Loaded reports whether a provider was loaded successfully.
func (s *Shared) Loaded() bool { return s.loaded.Load() }
