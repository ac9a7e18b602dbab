package topology

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/gaissmai/bart"

	"github.com/pobradovic08/isis-bfd/internal/liveness"
)

var (
	ErrUnknownCircuit   = errors.New("unknown circuit")
	ErrUnknownAdjacency = errors.New("unknown adjacency")
	ErrDuplicateCircuit = errors.New("duplicate circuit")
	ErrDuplicateSystem  = errors.New("system already adjacent on another level")
	ErrInvalidAddress   = errors.New("invalid address")
)

// Observer is told about adjacency changes after they are committed.
// Observers run in registration order on the caller's goroutine.
type Observer interface {
	// AdjacencyChanged reports new addresses on an existing adjacency.
	AdjacencyChanged(adj *Adjacency)
	// AdjacencyStateChanged reports a state transition.
	AdjacencyStateChanged(adj *Adjacency, state liveness.AdjState)
}

// CircuitSpec describes a circuit to add.
type CircuitSpec struct {
	Name        string
	Kind        liveness.CircuitKind
	IPv4        bool
	IPv6        bool
	Prefixes    []netip.Prefix
	Timers      liveness.Timers
	TimersValid bool
}

// AdjacencyUpdate is the desired state of one adjacency.
type AdjacencyUpdate struct {
	SystemID string
	Level    liveness.Level
	State    liveness.AdjState
	IPv4     []netip.Addr
	IPv6     []netip.Addr
	Source   string
}

// Registry is the set of areas and circuits known to the daemon. Lookups
// are safe for concurrent use. Adjacency mutation and observer callbacks
// belong to the event loop goroutine.
type Registry struct {
	mu        sync.RWMutex
	areas     []*Area
	areaIdx   map[string]*Area
	circuits  map[string]*Circuit
	prefixes  bart.Table[*Circuit]
	observers []Observer
	now       func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		areaIdx:  make(map[string]*Area),
		circuits: make(map[string]*Circuit),
		now:      time.Now,
	}
}

// AddObserver appends o to the observer list.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// AddArea returns the area called name, creating it if needed.
func (r *Registry) AddArea(name string) *Area {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addAreaLocked(name)
}

func (r *Registry) addAreaLocked(name string) *Area {
	if a, ok := r.areaIdx[name]; ok {
		return a
	}
	a := &Area{name: name}
	r.areas = append(r.areas, a)
	r.areaIdx[name] = a
	return a
}

// AddCircuit adds a circuit to an area. Circuit names are unique across
// areas since they name the interface.
func (r *Registry) AddCircuit(area string, spec CircuitSpec) (*Circuit, error) {
	if spec.Kind != liveness.CircuitBroadcast && spec.Kind != liveness.CircuitPointToPoint {
		return nil, fmt.Errorf("circuit %q: invalid kind %d", spec.Name, spec.Kind)
	}
	for _, p := range spec.Prefixes {
		if !p.IsValid() {
			return nil, fmt.Errorf("circuit %q: %w: %s", spec.Name, ErrInvalidAddress, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.circuits[spec.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateCircuit, spec.Name)
	}
	a := r.addAreaLocked(area)
	c := &Circuit{
		name:      spec.Name,
		area:      a,
		kind:      spec.Kind,
		routing:   [2]bool{spec.IPv4, spec.IPv6},
		prefixes:  slices.Clone(spec.Prefixes),
		timers:    spec.Timers,
		timersSet: spec.TimersValid,
	}
	a.circuits = append(a.circuits, c)
	r.circuits[c.name] = c
	r.indexLocked(c)
	return c, nil
}

// indexLocked adds the circuit's prefixes to the lookup table. Link-local
// prefixes are shared by every link and are left out.
func (r *Registry) indexLocked(c *Circuit) {
	for _, p := range c.prefixes {
		if p.Addr().IsLinkLocalUnicast() {
			continue
		}
		r.prefixes.Insert(p.Masked(), c)
	}
}

// SetCircuitPrefixes replaces the connected prefixes of a circuit.
func (r *Registry) SetCircuitPrefixes(name string, prefixes []netip.Prefix) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCircuit, name)
	}
	for _, p := range c.prefixes {
		if cur, ok := r.prefixes.Get(p.Masked()); ok && cur == c {
			r.prefixes.Delete(p.Masked())
		}
	}
	c.prefixes = slices.Clone(prefixes)
	r.indexLocked(c)
	return nil
}

// LookupCircuit returns the circuit on interface name, or nil.
func (r *Registry) LookupCircuit(name string) *Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circuits[name]
}

// Areas implements liveness.Topology.
func (r *Registry) Areas() []liveness.Area {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]liveness.Area, 0, len(r.areas))
	for _, a := range r.areas {
		out = append(out, a)
	}
	return out
}

// CircuitByInterface implements liveness.Topology.
func (r *Registry) CircuitByInterface(name string) liveness.Circuit {
	if c := r.LookupCircuit(name); c != nil {
		return c
	}
	return nil
}

// CircuitByAddress returns the circuit whose connected prefix is the longest
// match for addr.
func (r *Registry) CircuitByAddress(addr netip.Addr) liveness.Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.prefixes.Lookup(addr.Unmap()); ok {
		return c
	}
	return nil
}

// Circuits returns all circuits in area and configuration order.
func (r *Registry) Circuits() []*Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Circuit
	for _, a := range r.areas {
		out = append(out, a.circuits...)
	}
	return out
}

// Adjacencies returns every adjacency of every circuit.
func (r *Registry) Adjacencies() []*Adjacency {
	var out []*Adjacency
	for _, c := range r.Circuits() {
		out = append(out, c.Adjacencies()...)
	}
	return out
}

// FindAdjacency looks up an adjacency by circuit and system ID. On a
// broadcast circuit level 1 is searched before level 2.
func (r *Registry) FindAdjacency(circuit, systemID string) (*Adjacency, error) {
	c := r.LookupCircuit(circuit)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCircuit, circuit)
	}
	for _, l := range [...]liveness.Level{liveness.Level1, liveness.Level2} {
		if a := c.find(systemID, l); a != nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrUnknownAdjacency, systemID, circuit)
}

// UpdateAdjacency creates or updates an adjacency on circuit. Changes are
// committed before observers are told: a transition to down is reported
// first, then new addresses, then a transition to up.
func (r *Registry) UpdateAdjacency(circuit string, u AdjacencyUpdate) (*Adjacency, error) {
	c := r.LookupCircuit(circuit)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCircuit, circuit)
	}
	if u.SystemID == "" {
		return nil, fmt.Errorf("circuit %q: empty system id", circuit)
	}
	if u.Level == 0 || c.kind == liveness.CircuitPointToPoint {
		u.Level = liveness.Level1
	}
	if u.Level != liveness.Level1 && u.Level != liveness.Level2 {
		return nil, fmt.Errorf("adjacency %s: invalid level %d", u.SystemID, u.Level)
	}
	addrs, err := validateAddresses(u)
	if err != nil {
		return nil, fmt.Errorf("adjacency %s: %w", u.SystemID, err)
	}

	adj := c.find(u.SystemID, u.Level)
	created := adj == nil
	if created && c.kind == liveness.CircuitBroadcast {
		// Both levels would monitor the same neighbor address.
		other := liveness.Level1
		if u.Level == liveness.Level1 {
			other = liveness.Level2
		}
		if c.find(u.SystemID, other) != nil {
			return nil, fmt.Errorf("%w: %s on %s level %d", ErrDuplicateSystem, u.SystemID, circuit, other)
		}
	}
	if created {
		if c.kind == liveness.CircuitPointToPoint && c.neighbor != nil {
			// A new system on a point-to-point link replaces the old one.
			r.remove(c.neighbor)
		}
		adj = &Adjacency{
			systemID:  u.SystemID,
			circuit:   c,
			level:     u.Level,
			source:    u.Source,
			state:     liveness.AdjDown,
			changedAt: r.now(),
		}
		c.link(adj)
	}

	if u.State != liveness.AdjUp && adj.state == liveness.AdjUp {
		r.setState(adj, u.State)
	}
	if !sameAddresses(addrs, adj.addrs) {
		adj.addrs = addrs
		if !created {
			r.notifyChanged(adj)
		}
	}
	if u.State != adj.state {
		r.setState(adj, u.State)
	}
	return adj, nil
}

// RemoveAdjacency brings an adjacency down and unlinks it.
func (r *Registry) RemoveAdjacency(circuit, systemID string, level liveness.Level) error {
	c := r.LookupCircuit(circuit)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrUnknownCircuit, circuit)
	}
	if level == 0 || c.kind == liveness.CircuitPointToPoint {
		level = liveness.Level1
	}
	adj := c.find(systemID, level)
	if adj == nil {
		return fmt.Errorf("%w: %s on %s", ErrUnknownAdjacency, systemID, circuit)
	}
	r.remove(adj)
	return nil
}

func (r *Registry) remove(adj *Adjacency) {
	if adj.state != liveness.AdjDown {
		r.setState(adj, liveness.AdjDown)
	}
	adj.circuit.unlink(adj)
}

func (r *Registry) setState(adj *Adjacency, state liveness.AdjState) {
	adj.state = state
	adj.changedAt = r.now()
	for _, o := range r.snapshotObservers() {
		o.AdjacencyStateChanged(adj, state)
	}
}

func (r *Registry) notifyChanged(adj *Adjacency) {
	for _, o := range r.snapshotObservers() {
		o.AdjacencyChanged(adj)
	}
}

func (r *Registry) snapshotObservers() []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.observers)
}

// validateAddresses checks that each list holds addresses of its family
// and returns them normalised.
func validateAddresses(u AdjacencyUpdate) ([2][]netip.Addr, error) {
	var out [2][]netip.Addr
	for _, a := range u.IPv4 {
		a = a.Unmap()
		if !a.Is4() || a.IsUnspecified() {
			return out, fmt.Errorf("%w: %q is not an IPv4 neighbor address", ErrInvalidAddress, a)
		}
		out[0] = append(out[0], a)
	}
	for _, a := range u.IPv6 {
		if !a.Is6() || a.Is4In6() || a.IsUnspecified() {
			return out, fmt.Errorf("%w: %q is not an IPv6 neighbor address", ErrInvalidAddress, a)
		}
		out[1] = append(out[1], a)
	}
	return out, nil
}

func sameAddresses(a, b [2][]netip.Addr) bool {
	return slices.Equal(a[0], b[0]) && slices.Equal(a[1], b[1])
}
