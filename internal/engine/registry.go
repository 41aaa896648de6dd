package engine

import (
	"sync"

	"github.com/pitabwire/fabrica/model"
)

// Registry hands out one engine per client, created lazily from that
// client's settings. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
	opts    []Option
}

// NewRegistry creates an empty engine registry. The given options are
// applied to every engine it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{engines: make(map[string]*Engine), opts: opts}
}

// For returns the engine for the client, creating it on first use.
func (r *Registry) For(clientID string, settings model.EngineSettings) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[clientID]; ok {
		return e
	}
	e := New(settings, r.opts...)
	r.engines[clientID] = e
	return e
}

// Get returns the engine for the client if one was already created.
func (r *Registry) Get(clientID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[clientID]
	return e, ok
}

// Each calls fn for every engine created so far.
func (r *Registry) Each(fn func(clientID string, e *Engine)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.engines {
		fn(id, e)
	}
}

// CloseAll closes every engine. The first error is returned; remaining
// engines are still closed.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, e := range r.engines {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
