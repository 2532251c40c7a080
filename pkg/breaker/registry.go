package breaker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry hands out one breaker per downstream server. Repeated Get calls
// for the same name return the same instance, so every request to a server
// shares that server's failure history.
type Registry struct {
	mu        sync.Mutex
	defaults  Options
	overrides map[string]Options
	breakers  map[string]*Breaker
	onEvent   func(Event)
}

func NewRegistry(defaults Options, onEvent func(Event)) *Registry {
	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Options),
		breakers:  make(map[string]*Breaker),
		onEvent:   onEvent,
	}
}

// Configure pins per-server options ahead of the first Get. Calling it
// after the breaker exists is an error so a running breaker never changes
// thresholds mid-flight.
func (r *Registry) Configure(name string, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; ok {
		return fmt.Errorf("breaker %q already created", name)
	}
	r.overrides[name] = opts.withDefaults()
	return nil
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	opts, ok := r.overrides[name]
	if !ok {
		opts = r.defaults
	}
	b := New(name, opts, r.onEvent)
	r.breakers[name] = b
	return b
}

// Lookup returns an existing breaker without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StatsAll snapshots every known breaker, keyed by server name.
func (r *Registry) StatsAll() map[string]Stats {
	out := make(map[string]Stats)
	for _, name := range r.Names() {
		if b, ok := r.Lookup(name); ok {
			out[name] = b.Stats()
		}
	}
	return out
}

// AllHealthy reports whether every known breaker is CLOSED. A registry
// with no breakers yet is healthy.
func (r *Registry) AllHealthy() bool {
	for _, name := range r.Names() {
		if b, ok := r.Lookup(name); ok && !b.IsHealthy() {
			return false
		}
	}
	return true
}

// UnhealthyServerNames lists servers whose breaker is not CLOSED, sorted.
func (r *Registry) UnhealthyServerNames() []string {
	var unhealthy []string
	for _, name := range r.Names() {
		if b, ok := r.Lookup(name); ok && !b.IsHealthy() {
			unhealthy = append(unhealthy, name)
		}
	}
	return unhealthy
}

func (r *Registry) ForceOpen(name string)  { r.Get(name).ForceOpen() }
func (r *Registry) ForceClose(name string) { r.Get(name).ForceClose() }
