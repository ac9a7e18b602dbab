package liveness

import "net/netip"

// AdjState is the state of a routing adjacency as far as liveness is
// concerned. Every state other than up is handled as down.
type AdjState int

const (
	AdjDown AdjState = iota
	AdjUp
)

func (s AdjState) String() string {
	if s == AdjUp {
		return "up"
	}
	return "down"
}

// Level is an IS-IS routing level.
type Level int

const (
	Level1 Level = 1
	Level2 Level = 2
)

// CircuitKind is the topology of a circuit.
type CircuitKind int

const (
	CircuitBroadcast CircuitKind = iota + 1
	CircuitPointToPoint
)

func (k CircuitKind) String() string {
	switch k {
	case CircuitBroadcast:
		return "broadcast"
	case CircuitPointToPoint:
		return "point-to-point"
	default:
		return "unknown"
	}
}

// Adjacency is a neighbor relationship tracked by the routing protocol.
// The controller reads its state and addresses and owns the liveness slot.
type Adjacency interface {
	Name() string
	State() AdjState
	// Addresses returns the neighbor's addresses of family f, in
	// advertisement order.
	Addresses(f Family) []netip.Addr
	Circuit() Circuit
	LivenessPair() *SessionPair
	SetLivenessPair(p *SessionPair)
}

// Circuit is the routing protocol's view of a link.
type Circuit interface {
	// Name returns the interface name the circuit runs on.
	Name() string
	Kind() CircuitKind
	// LevelAdjacencies returns the adjacency database of a broadcast
	// circuit for one level.
	LevelAdjacencies(l Level) []Adjacency
	// Neighbor returns the single neighbor of a point-to-point circuit, or
	// nil.
	Neighbor() Adjacency
	RoutingEnabled(f Family) bool
	// LocalAddresses returns the addresses usable as session source: the
	// connected IPv4 addresses, or the IPv6 link-local addresses.
	LocalAddresses(f Family) []netip.Addr
	LivenessTimers() (Timers, bool)
	SetLivenessTimers(t Timers)
}

// Area is a configured routing area.
type Area interface {
	Name() string
	Circuits() []Circuit
}

// Topology gives access to every configured area and circuit.
type Topology interface {
	Areas() []Area
	// CircuitByInterface returns the circuit on the named interface, or nil.
	CircuitByInterface(name string) Circuit
	// CircuitByAddress returns the circuit whose connected prefix covers
	// addr, or nil.
	CircuitByAddress(addr netip.Addr) Circuit
}

// Service is the handle to the external detection service. Send must not
// block; delivery is the transport's concern.
type Service interface {
	Send(cmd Command)
}

// Notifier receives the liveness failure signal for an adjacency.
type Notifier interface {
	LivenessFailed(adj Adjacency)
}
