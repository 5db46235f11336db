// Package registry indexes usage state by isolation domain and unit.
//
// # Layout
//
//	Registry
//	  └─ domain (held weakly) ──► domainRegistry
//	                                └─ unit (held weakly) ──► *state.State
//
// Neither level keeps a domain or a unit alive. When the last reference to
// a domain goes away the garbage collector reclaims it together with its
// units, and a cleanup registered with runtime.AddCleanup removes the
// corresponding entry, making its domainRegistry and every State inside it
// unreachable. No explicit unregister call exists; reclamation timing is
// therefore whatever the collector decides.
//
// Thread Safety: Both levels use sync.Map, so concurrent insert-if-absent on
// different domains or units never serialises on a global lock.
package registry

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/kolkov/usagetrace/internal/usage/state"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// ErrDomainMismatch is returned when a unit is looked up under a domain it
// does not belong to. It always indicates a programming error.
var ErrDomainMismatch = errors.New("unit does not belong to domain")

// Registry is the two-level index from domain to unit to usage state.
type Registry struct {
	// domains: weak.Pointer[unit.Domain] -> *domainRegistry.
	domains sync.Map

	// bootstrap holds the states of platform-owned units (nil domain).
	bootstrap *domainRegistry

	domainCount atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bootstrap: newDomainRegistry()}
}

// GetOrCreate returns the usage state of u, creating it on first access.
//
// Exactly one State exists per unit even when several goroutines race to
// create it. Returns ErrDomainMismatch if u is not owned by domain.
func (r *Registry) GetOrCreate(domain *unit.Domain, u *unit.Unit) (*state.State, error) {
	if u.Domain() != domain {
		return nil, fmt.Errorf("%w: unit %s is owned by %s, looked up in %s",
			ErrDomainMismatch, u, u.Domain(), domain)
	}
	return r.domainRegistry(domain).getOrCreate(u), nil
}

// Lookup returns the usage state of u without creating it.
func (r *Registry) Lookup(u *unit.Unit) *state.State {
	dr := r.lookupDomain(u.Domain())
	if dr == nil {
		return nil
	}
	return dr.lookup(u)
}

// Domains returns the number of domains currently indexed, excluding the
// bootstrap domain.
func (r *Registry) Domains() int {
	return int(r.domainCount.Load())
}

// Units returns the number of units indexed under domain.
func (r *Registry) Units(domain *unit.Domain) int {
	dr := r.lookupDomain(domain)
	if dr == nil {
		return 0
	}
	return int(dr.count.Load())
}

func (r *Registry) lookupDomain(domain *unit.Domain) *domainRegistry {
	if domain == nil {
		return r.bootstrap
	}
	v, ok := r.domains.Load(weak.Make(domain))
	if !ok {
		return nil
	}
	return v.(*domainRegistry)
}

func (r *Registry) domainRegistry(domain *unit.Domain) *domainRegistry {
	if domain == nil {
		return r.bootstrap
	}

	key := weak.Make(domain)
	if v, ok := r.domains.Load(key); ok {
		return v.(*domainRegistry)
	}

	v, loaded := r.domains.LoadOrStore(key, newDomainRegistry())
	if !loaded {
		r.domainCount.Add(1)
		// The cleanup must not reference domain itself, only its weak key.
		runtime.AddCleanup(domain, func(k weak.Pointer[unit.Domain]) {
			if _, ok := r.domains.LoadAndDelete(k); ok {
				r.domainCount.Add(-1)
			}
		}, key)
	}
	return v.(*domainRegistry)
}

// domainRegistry indexes the usage states of one domain.
type domainRegistry struct {
	// states: weak.Pointer[unit.Unit] -> *state.State.
	states sync.Map
	count  atomic.Int64
}

func newDomainRegistry() *domainRegistry {
	return &domainRegistry{}
}

func (dr *domainRegistry) getOrCreate(u *unit.Unit) *state.State {
	key := weak.Make(u)
	if v, ok := dr.states.Load(key); ok {
		return v.(*state.State)
	}

	v, loaded := dr.states.LoadOrStore(key, state.New(u))
	if !loaded {
		dr.count.Add(1)
		runtime.AddCleanup(u, func(k weak.Pointer[unit.Unit]) {
			if _, ok := dr.states.LoadAndDelete(k); ok {
				dr.count.Add(-1)
			}
		}, key)
	}
	return v.(*state.State)
}

func (dr *domainRegistry) lookup(u *unit.Unit) *state.State {
	v, ok := dr.states.Load(weak.Make(u))
	if !ok {
		return nil
	}
	return v.(*state.State)
}
