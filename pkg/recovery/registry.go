package recovery

import (
	"context"
	"sort"
	"sync"
)

// Strategy attempts recovery for one classification.
//
// A non-empty Outcome means the failure is recoverable. An empty outcome with
// a nil error means no immediate recovery; the attempt is counted and the
// handler may try again after backoff. ErrDeclined stops handling without
// counting an attempt. Any other error is a failed attempt.
type Strategy interface {
	Attempt(ctx context.Context, ec *ErrorContext) (Outcome, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, ec *ErrorContext) (Outcome, error)

// Attempt calls f.
func (f StrategyFunc) Attempt(ctx context.Context, ec *ErrorContext) (Outcome, error) {
	return f(ctx, ec)
}

// Registry maps classifications to strategies. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[Classification]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[Classification]Strategy)}
}

// Register binds s to class, replacing any existing binding.
func (r *Registry) Register(class Classification, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[class] = s
}

// Unregister removes the binding for class.
func (r *Registry) Unregister(class Classification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.strategies, class)
}

// Lookup returns the strategy bound to class.
func (r *Registry) Lookup(class Classification) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[class]
	return s, ok
}

// Classes returns the registered classifications in sorted order.
func (r *Registry) Classes() []Classification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Classification, 0, len(r.strategies))
	for c := range r.strategies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
