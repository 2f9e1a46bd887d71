package relay

import (
	"sync"

	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
)

type registryEntry struct {
	method web3.Method
	cb     func(web3.Response)
}

// Registry maps outstanding wallet request ids to their one-shot callbacks. An entry
// is removed before its callback runs, so each request resolves at most once.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]registryEntry{}}
}

func (r *Registry) Register(id string, method web3.Method, cb func(web3.Response)) {
	r.mu.Lock()
	r.entries[id] = registryEntry{method: method, cb: cb}
	r.mu.Unlock()
}

// Resolve runs the callback for id. It reports false when id is unknown or already
// resolved.
func (r *Registry) Resolve(id string, resp web3.Response) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cb(resp)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Abandon resolves every outstanding request with the response built for its method.
func (r *Registry) Abandon(build func(web3.Method) web3.Response) int {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]registryEntry{}
	r.mu.Unlock()

	for _, e := range entries {
		e.cb(build(e.method))
	}
	return len(entries)
}
