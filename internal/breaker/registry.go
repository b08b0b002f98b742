package breaker

import (
	"sort"
	"sync"

	genbaErrors "github.com/harunnryd/genba/internal/errors"
)

// Registry maps dependency keys to breaker instances, created lazily
// with process-wide defaults. Constructed at startup and injected,
// never an ambient global.
type Registry struct {
	defaults Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(defaults Settings) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first reference.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.defaults)
		r.breakers[key] = b
	}
	return b
}

// Snapshots returns the operator view of every known breaker, sorted by
// key for stable output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset resets one breaker by key.
func (r *Registry) Reset(key string) error {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()

	if !ok {
		return genbaErrors.NotFound("breaker " + key)
	}
	b.Reset()
	return nil
}

// Call runs fn under the breaker for key: fast-rejects when the breaker
// refuses the call, records the outcome otherwise.
func (r *Registry) Call(key string, fn func() error) error {
	b := r.Get(key)
	if !b.Allow() {
		return genbaErrors.BreakerOpen(key)
	}

	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}
