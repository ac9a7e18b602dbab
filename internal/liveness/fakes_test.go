package liveness

import "net/netip"

type fakeAdjacency struct {
	name    string
	state   AdjState
	addrs   [2][]netip.Addr
	circuit *fakeCircuit
	pair    *SessionPair
}

func (a *fakeAdjacency) Name() string                    { return a.name }
func (a *fakeAdjacency) State() AdjState                 { return a.state }
func (a *fakeAdjacency) Addresses(f Family) []netip.Addr { return a.addrs[f.index()] }
func (a *fakeAdjacency) Circuit() Circuit                { return a.circuit }
func (a *fakeAdjacency) LivenessPair() *SessionPair      { return a.pair }
func (a *fakeAdjacency) SetLivenessPair(p *SessionPair)  { a.pair = p }

type fakeCircuit struct {
	name      string
	kind      CircuitKind
	routing   [2]bool
	local     [2][]netip.Addr
	levels    [2][]*fakeAdjacency
	neighbor  *fakeAdjacency
	timers    Timers
	timersSet bool
}

func (c *fakeCircuit) Name() string      { return c.name }
func (c *fakeCircuit) Kind() CircuitKind { return c.kind }

func (c *fakeCircuit) LevelAdjacencies(l Level) []Adjacency {
	db := c.levels[l-1]
	out := make([]Adjacency, 0, len(db))
	for _, a := range db {
		out = append(out, a)
	}
	return out
}

func (c *fakeCircuit) Neighbor() Adjacency {
	if c.neighbor == nil {
		return nil
	}
	return c.neighbor
}

func (c *fakeCircuit) RoutingEnabled(f Family) bool         { return c.routing[f.index()] }
func (c *fakeCircuit) LocalAddresses(f Family) []netip.Addr { return c.local[f.index()] }
func (c *fakeCircuit) LivenessTimers() (Timers, bool)       { return c.timers, c.timersSet }
func (c *fakeCircuit) SetLivenessTimers(t Timers)           { c.timers, c.timersSet = t, true }

type fakeArea struct {
	name     string
	circuits []*fakeCircuit
}

func (a *fakeArea) Name() string { return a.name }

func (a *fakeArea) Circuits() []Circuit {
	out := make([]Circuit, 0, len(a.circuits))
	for _, c := range a.circuits {
		out = append(out, c)
	}
	return out
}

type fakeTopology struct {
	areas []*fakeArea
}

func (t *fakeTopology) Areas() []Area {
	out := make([]Area, 0, len(t.areas))
	for _, a := range t.areas {
		out = append(out, a)
	}
	return out
}

func (t *fakeTopology) CircuitByInterface(name string) Circuit {
	for _, a := range t.areas {
		for _, c := range a.circuits {
			if c.name == name {
				return c
			}
		}
	}
	return nil
}

func (t *fakeTopology) CircuitByAddress(addr netip.Addr) Circuit {
	for _, a := range t.areas {
		for _, c := range a.circuits {
			for _, f := range Families {
				for _, local := range c.local[f.index()] {
					if local == addr {
						return c
					}
				}
			}
		}
	}
	return nil
}

type recordingService struct {
	sent []Command
}

func (s *recordingService) Send(cmd Command) { s.sent = append(s.sent, cmd) }

func (s *recordingService) count(kind CommandKind) int {
	n := 0
	for _, c := range s.sent {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (s *recordingService) reset() { s.sent = nil }

type recordingNotifier struct {
	failed []Adjacency
}

func (n *recordingNotifier) LivenessFailed(adj Adjacency) { n.failed = append(n.failed, adj) }

// testbed is a point-to-point circuit "eth0" with IPv4 10.0.0.1 and IPv6
// fe80::1, timers 50/50/3, and one up neighbor 10.0.0.2 / fe80::2.
type testbed struct {
	topo     *fakeTopology
	circuit  *fakeCircuit
	adj      *fakeAdjacency
	service  *recordingService
	notifier *recordingNotifier
	ctrl     *Controller
}

func newTestbed(families ...Family) *testbed {
	circuit := &fakeCircuit{
		name:      "eth0",
		kind:      CircuitPointToPoint,
		timers:    Timers{MinRx: 50, MinTx: 50, DetectMult: 3},
		timersSet: true,
	}
	adj := &fakeAdjacency{name: "rtr-b", state: AdjUp, circuit: circuit}
	for _, f := range families {
		circuit.routing[f.index()] = true
		if f == IPv4 {
			circuit.local[0] = []netip.Addr{netip.MustParseAddr("10.0.0.1")}
			adj.addrs[0] = []netip.Addr{netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.3")}
		} else {
			circuit.local[1] = []netip.Addr{netip.MustParseAddr("fe80::1")}
			adj.addrs[1] = []netip.Addr{netip.MustParseAddr("fe80::2")}
		}
	}
	circuit.neighbor = adj

	topo := &fakeTopology{areas: []*fakeArea{{name: "core", circuits: []*fakeCircuit{circuit}}}}
	svc := &recordingService{}
	n := &recordingNotifier{}
	return &testbed{
		topo:     topo,
		circuit:  circuit,
		adj:      adj,
		service:  svc,
		notifier: n,
		ctrl:     NewController(topo, svc, n, Options{}),
	}
}
