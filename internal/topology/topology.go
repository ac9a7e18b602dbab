// Package topology holds the routing protocol's areas, circuits and
// adjacencies as seen by the liveness layer.
package topology

import (
	"net/netip"
	"time"

	"github.com/pobradovic08/isis-bfd/internal/liveness"
)

// Adjacency sources.
const (
	SourceStatic = "static"
	SourceBGP    = "bgp"
)

// Area is a routing area and its circuits in configuration order.
type Area struct {
	name     string
	circuits []*Circuit
}

func (a *Area) Name() string { return a.name }

// Circuits implements liveness.Area. Only circuits with liveness detection
// enabled are returned.
func (a *Area) Circuits() []liveness.Circuit {
	out := make([]liveness.Circuit, 0, len(a.circuits))
	for _, c := range a.circuits {
		if c.timersSet {
			out = append(out, c)
		}
	}
	return out
}

// Circuit is a link running the routing protocol.
type Circuit struct {
	name     string
	area     *Area
	kind     liveness.CircuitKind
	routing  [2]bool
	prefixes []netip.Prefix

	levels   [2][]*Adjacency
	neighbor *Adjacency

	timers    liveness.Timers
	timersSet bool
}

func (c *Circuit) Name() string               { return c.name }
func (c *Circuit) Kind() liveness.CircuitKind { return c.kind }
func (c *Circuit) Area() *Area                { return c.area }
func (c *Circuit) Prefixes() []netip.Prefix   { return c.prefixes }
func (c *Circuit) RoutingEnabled(f liveness.Family) bool {
	return c.routing[familyIndex(f)]
}

// SetRouting enables or disables routing of family f on the circuit.
func (c *Circuit) SetRouting(f liveness.Family, on bool) {
	c.routing[familyIndex(f)] = on
}

// LevelAdjacencies returns the level database of a broadcast circuit.
func (c *Circuit) LevelAdjacencies(l liveness.Level) []liveness.Adjacency {
	if c.kind != liveness.CircuitBroadcast || l < liveness.Level1 || l > liveness.Level2 {
		return nil
	}
	db := c.levels[l-1]
	out := make([]liveness.Adjacency, 0, len(db))
	for _, a := range db {
		out = append(out, a)
	}
	return out
}

// Neighbor returns the point-to-point neighbor, or nil.
func (c *Circuit) Neighbor() liveness.Adjacency {
	if c.neighbor == nil {
		return nil
	}
	return c.neighbor
}

// LocalAddresses returns the connected IPv4 addresses, or the IPv6
// link-local addresses, of the circuit.
func (c *Circuit) LocalAddresses(f liveness.Family) []netip.Addr {
	var out []netip.Addr
	for _, p := range c.prefixes {
		a := p.Addr()
		switch {
		case f == liveness.IPv4 && a.Is4():
			out = append(out, a)
		case f == liveness.IPv6 && a.Is6() && a.IsLinkLocalUnicast():
			out = append(out, a)
		}
	}
	return out
}

func (c *Circuit) LivenessTimers() (liveness.Timers, bool) {
	return c.timers, c.timersSet
}

func (c *Circuit) SetLivenessTimers(t liveness.Timers) {
	c.timers, c.timersSet = t, true
}

// LivenessEnabled reports whether liveness detection runs on the circuit.
func (c *Circuit) LivenessEnabled() bool {
	return c.timersSet
}

// ClearLivenessTimers disables liveness detection on the circuit.
func (c *Circuit) ClearLivenessTimers() {
	c.timers, c.timersSet = liveness.Timers{}, false
}

// Adjacencies returns every adjacency on the circuit.
func (c *Circuit) Adjacencies() []*Adjacency {
	if c.kind == liveness.CircuitPointToPoint {
		if c.neighbor == nil {
			return nil
		}
		return []*Adjacency{c.neighbor}
	}
	out := make([]*Adjacency, 0, len(c.levels[0])+len(c.levels[1]))
	out = append(out, c.levels[0]...)
	return append(out, c.levels[1]...)
}

func (c *Circuit) find(systemID string, level liveness.Level) *Adjacency {
	if c.kind == liveness.CircuitPointToPoint {
		if c.neighbor != nil && c.neighbor.systemID == systemID {
			return c.neighbor
		}
		return nil
	}
	for _, a := range c.levels[level-1] {
		if a.systemID == systemID {
			return a
		}
	}
	return nil
}

func (c *Circuit) link(a *Adjacency) {
	if c.kind == liveness.CircuitPointToPoint {
		c.neighbor = a
		return
	}
	c.levels[a.level-1] = append(c.levels[a.level-1], a)
}

func (c *Circuit) unlink(a *Adjacency) {
	if c.kind == liveness.CircuitPointToPoint {
		if c.neighbor == a {
			c.neighbor = nil
		}
		return
	}
	db := c.levels[a.level-1]
	for i, x := range db {
		if x == a {
			c.levels[a.level-1] = append(db[:i], db[i+1:]...)
			return
		}
	}
}

// Adjacency is a neighbor on a circuit.
type Adjacency struct {
	systemID string
	circuit  *Circuit
	level    liveness.Level
	source   string
	state    liveness.AdjState
	addrs    [2][]netip.Addr

	pair        *liveness.SessionPair
	changedAt   time.Time
	lastFailure time.Time
}

func (a *Adjacency) Name() string               { return a.systemID }
func (a *Adjacency) Level() liveness.Level      { return a.level }
func (a *Adjacency) Source() string             { return a.source }
func (a *Adjacency) State() liveness.AdjState   { return a.state }
func (a *Adjacency) Circuit() liveness.Circuit  { return a.circuit }
func (a *Adjacency) ChangedAt() time.Time       { return a.changedAt }
func (a *Adjacency) LastFailure() time.Time     { return a.lastFailure }
func (a *Adjacency) SetLastFailure(t time.Time) { a.lastFailure = t }
func (a *Adjacency) CircuitName() string        { return a.circuit.name }

func (a *Adjacency) Addresses(f liveness.Family) []netip.Addr {
	return a.addrs[familyIndex(f)]
}

func (a *Adjacency) LivenessPair() *liveness.SessionPair     { return a.pair }
func (a *Adjacency) SetLivenessPair(p *liveness.SessionPair) { a.pair = p }

func familyIndex(f liveness.Family) int {
	if f == liveness.IPv6 {
		return 1
	}
	return 0
}
