package unit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrDuplicateUnit is returned by Domain.Define when a unit with the same
// name is already loaded in the domain.
var ErrDuplicateUnit = errors.New("unit already defined in domain")

// nextID hands out process-unique identifiers for domains and units.
// Identifiers are only used for display; identity is the pointer.
var nextID atomic.Uint64

// Domain is an isolation domain owning a set of units.
//
// Thread Safety: All methods are safe for concurrent use.
type Domain struct {
	name string
	id   uint64

	mu    sync.Mutex
	units map[string]*Unit
	anon  []*Unit // Units defined without a name.
}

// NewDomain creates an empty isolation domain.
//
// Two domains created with the same name are still distinct: state tracked
// for one of them is never visible through the other.
func NewDomain(name string) *Domain {
	return &Domain{
		name:  name,
		id:    nextID.Add(1),
		units: make(map[string]*Unit),
	}
}

// Name returns the display name of the domain.
// The nil domain is the platform (bootstrap) domain.
func (d *Domain) Name() string {
	if d == nil {
		return "<bootstrap>"
	}
	return d.name
}

// ID returns the process-unique identifier of the domain.
func (d *Domain) ID() uint64 {
	if d == nil {
		return 0
	}
	return d.id
}

// String implements fmt.Stringer.
func (d *Domain) String() string {
	if d == nil {
		return "<bootstrap>"
	}
	return fmt.Sprintf("%s#%d", d.name, d.id)
}

// Define creates a new unit owned by this domain.
//
// Named units are unique per domain; defining the same name twice returns
// ErrDuplicateUnit. Unnamed units (empty name) are always created.
func (d *Domain) Define(name string) (*Unit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name == "" {
		u := newUnit(name, d)
		d.anon = append(d.anon, u)
		return u, nil
	}
	if _, ok := d.units[name]; ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrDuplicateUnit, name, d)
	}
	u := newUnit(name, d)
	d.units[name] = u
	return u, nil
}

// DefineOrGet returns the unit with the given name, defining it on first use.
//
// This is used by compiled programs where every instrumented file registers
// its unit from a package-level variable initializer.
func (d *Domain) DefineOrGet(name string) *Unit {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.units[name]; ok {
		return u
	}
	u := newUnit(name, d)
	if name == "" {
		d.anon = append(d.anon, u)
		return u
	}
	d.units[name] = u
	return u
}

// Unit returns the named unit, or nil if it is not loaded in this domain.
func (d *Domain) Unit(name string) *Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.units[name]
}

// Units returns all named units of the domain sorted by name.
func (d *Domain) Units() []*Unit {
	d.mu.Lock()
	units := make([]*Unit, 0, len(d.units))
	for _, u := range d.units {
		units = append(units, u)
	}
	d.mu.Unlock()

	sort.Slice(units, func(i, j int) bool { return units[i].name < units[j].name })
	return units
}

// Unit is one loaded code unit.
//
// The unit's identity is the pointer. Its current Code is replaced atomically
// by Redefine; readers always observe a complete Code value.
type Unit struct {
	name   string
	domain *Domain
	id     uint64

	code atomic.Pointer[Code]

	// redefineMu serialises re-derivation of this unit.
	redefineMu sync.Mutex
}

func newUnit(name string, d *Domain) *Unit {
	return &Unit{name: name, domain: d, id: nextID.Add(1)}
}

// NewBootstrapUnit creates a platform-owned unit that belongs to no domain.
func NewBootstrapUnit(name string) *Unit {
	return newUnit(name, nil)
}

// Name returns the unit's defining name. Empty for unnamed units.
func (u *Unit) Name() string { return u.name }

// Domain returns the owning domain, nil for platform-owned units.
func (u *Unit) Domain() *Domain { return u.domain }

// ID returns the process-unique identifier of the unit.
func (u *Unit) ID() uint64 { return u.id }

// String implements fmt.Stringer.
func (u *Unit) String() string {
	name := u.name
	if name == "" {
		name = fmt.Sprintf("<unnamed#%d>", u.id)
	}
	return name
}

// Code returns the code currently in effect, or nil before the first load.
func (u *Unit) Code() *Code {
	return u.code.Load()
}

// Redefine derives new code for the unit and swaps it in place.
//
// fn receives the code currently in effect (nil on first load) and returns
// the replacement. Returning nil means "no change": the current code stays in
// effect and Redefine reports false. Calls are serialised per unit so two
// derivations of the same unit never interleave.
func (u *Unit) Redefine(fn func(current *Code) (*Code, error)) (bool, error) {
	u.redefineMu.Lock()
	defer u.redefineMu.Unlock()

	current := u.code.Load()
	next, err := fn(current)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}

	next.Version = 1
	if current != nil {
		next.Version = current.Version + 1
	}
	u.code.Store(next)
	return true, nil
}

// Code is one immutable version of a unit's executable definition.
type Code struct {
	// Source is the byte-level representation (Go source) in effect.
	Source []byte

	// Functions lists every function defined by Source.
	Functions SignatureSet

	// Hooks lists the functions whose entry currently reports a call.
	Hooks SignatureSet

	// Version starts at 1 on first load and grows with every swap.
	Version int
}
