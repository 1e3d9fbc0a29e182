package relay

import (
	"fmt"
	"sync"
)

// ErrNameInUse is returned by Registry.Register when the requested tunnel
// name is already live.
var ErrNameInUse = fmt.Errorf("tunnel name already in use")

// Registry maps tunnel name to Tunnel, enforcing name uniqueness and
// resource ownership.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	vconns  *VConnTable
	dynamic *DynamicPortManager
}

// NewRegistry creates an empty tunnel registry.
func NewRegistry(vconns *VConnTable, dynamic *DynamicPortManager) *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
		vconns:  vconns,
		dynamic: dynamic,
	}
}

// Register adds a new tunnel under name. Fails with ErrNameInUse if a live
// tunnel already holds that name.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tunnels[t.Name]; exists {
		return ErrNameInUse
	}
	r.tunnels[t.Name] = t
	return nil
}

// Lookup returns the tunnel registered under name, if any.
func (r *Registry) Lookup(name string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[name]
	return t, ok
}

// LookupByNameAndPort implements the public-router tie-break precedence:
// exact (name, port) match first, then name alone, then
// (for callers that allow it, i.e. upgrade requests arriving on a dynamic
// listener) port alone.
func (r *Registry) LookupByNameAndPort(name string, port int, allowPortOnly bool) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tunnels[name]; ok && t.TargetPort == port {
		return t, true
	}
	if t, ok := r.tunnels[name]; ok {
		return t, true
	}
	if allowPortOnly {
		for _, t := range r.tunnels {
			if t.TargetPort == port {
				return t, true
			}
		}
	}
	return nil, false
}

// List returns a snapshot slice of all live tunnels.
func (r *Registry) List() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// Unregister tears a tunnel down: closes its TCP listeners (before removing
// the registry entry, so no new connection can bind to a dying tunnel),
// deletes the registry entry, removes all of its in-flight virtual
// connections, then releases its dynamic listener refcount.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	t, ok := r.tunnels[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	t.closeTCPListeners()

	r.mu.Lock()
	delete(r.tunnels, name)
	r.mu.Unlock()

	r.vconns.RemoveAll(func(v *VConn) bool { return v.Tunnel == t })
	if r.dynamic != nil && t.Mode == ModeWeb {
		r.dynamic.Release(t.TargetPort)
	}
}
