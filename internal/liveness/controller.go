package liveness

import (
	"log/slog"
	"net/netip"
	"slices"
)

// Options configures a Controller.
type Options struct {
	Logger *slog.Logger
	// Debug enables per-command and per-status trace lines.
	Debug bool
}

// Controller keeps the liveness sessions of every adjacency in step with the
// adjacency state and turns status reports into per-adjacency health.
//
// Controller is not safe for concurrent use. All of its methods must be
// called from the single goroutine that serialises protocol events.
type Controller struct {
	topo       Topology
	service    Service
	notifier   Notifier
	dispatcher *Dispatcher
	logger     *slog.Logger
	debug      bool
	sessions   [2]int
}

// NewController creates a Controller that issues commands on svc and reports
// failures to n.
func NewController(topo Topology, svc Service, n Notifier, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		topo:     topo,
		service:  svc,
		notifier: n,
		logger:   logger,
		debug:    opts.Debug,
	}
	c.dispatcher = &Dispatcher{ctrl: c}
	return c
}

// Dispatcher returns the circuit-wide command fan-out bound to c.
func (c *Controller) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// SetDebug toggles trace output.
func (c *Controller) SetDebug(on bool) {
	c.debug = on
}

// SessionCount returns the number of live sessions of family f.
func (c *Controller) SessionCount(f Family) int {
	return c.sessions[f.index()]
}

// OnAdjacencyStateChange handles a committed adjacency state transition.
func (c *Controller) OnAdjacencyStateChange(adj Adjacency, state AdjState) {
	if state == AdjUp {
		c.Establish(adj, CommandRegister)
		return
	}
	c.Teardown(adj)
}

// OnAdjacencyChanged handles a change of adjacency data other than its
// state, such as a new address list. Only adjacencies that are up are
// affected. When a session lost its family, its destination or its source,
// the adjacency is torn down and established again.
func (c *Controller) OnAdjacencyChanged(adj Adjacency) {
	if adj.State() != AdjUp {
		return
	}
	if c.stale(adj) {
		c.trace("adjacency addressing changed, re-establishing",
			"adjacency", adj.Name(),
			"interface", adj.Circuit().Name(),
		)
		c.Teardown(adj)
	}
	c.Establish(adj, CommandRegister)
}

// OnCircuitChanged re-evaluates every adjacency of circuit after its routed
// families or local addresses changed.
func (c *Controller) OnCircuitChanged(circuit Circuit) {
	forEachAdjacency(circuit, c.OnAdjacencyChanged)
}

// stale reports whether any session of adj no longer matches the routed
// families, the neighbor's addresses or the circuit's local addresses.
func (c *Controller) stale(adj Adjacency) bool {
	pair := adj.LivenessPair()
	if pair == nil {
		return false
	}
	circuit := adj.Circuit()
	for _, f := range Families {
		s := pair.Slot(f)
		if s == nil {
			continue
		}
		if !circuit.RoutingEnabled(f) ||
			!slices.Contains(adj.Addresses(f), s.Destination) ||
			!slices.Contains(circuit.LocalAddresses(f), s.Source) {
			return true
		}
	}
	return false
}

// AdjacencyCommand applies cmd to a single adjacency: an up adjacency is
// established with cmd unless cmd is Deregister, anything else is torn
// down.
func (c *Controller) AdjacencyCommand(adj Adjacency, cmd CommandKind) {
	if adj.State() == AdjUp && cmd != CommandDeregister {
		c.Establish(adj, cmd)
		return
	}
	c.Teardown(adj)
}

type endpoint struct {
	dst, src netip.Addr
	wanted   bool
}

// Establish creates the sessions an adjacency qualifies for and announces
// each new one with cmd. A family qualifies when the circuit routes it and
// the neighbor advertised an address of it. If a qualifying family has no
// local source address the adjacency is torn down instead.
//
// Existing sessions are left as they are. They are only re-announced when
// cmd is Update, which is how a resync reaches sessions the service lost.
func (c *Controller) Establish(adj Adjacency, cmd CommandKind) {
	circuit := adj.Circuit()

	var want [2]endpoint
	for _, f := range Families {
		if !circuit.RoutingEnabled(f) {
			continue
		}
		dsts := adj.Addresses(f)
		if len(dsts) == 0 {
			continue
		}
		srcs := circuit.LocalAddresses(f)
		if len(srcs) == 0 {
			c.trace("no local address, tearing down",
				"adjacency", adj.Name(),
				"interface", circuit.Name(),
				"family", f,
			)
			c.Teardown(adj)
			return
		}
		want[f.index()] = endpoint{dst: dsts[0], src: srcs[0], wanted: true}
	}

	timers, ok := circuit.LivenessTimers()
	if !ok {
		timers = DefaultTimers
	}

	pair := adj.LivenessPair()
	for _, f := range Families {
		ep := want[f.index()]
		if !ep.wanted {
			continue
		}
		if pair == nil {
			pair = newSessionPair()
			adj.SetLivenessPair(pair)
		}
		s := pair.Slot(f)
		switch {
		case s == nil:
			s = newSession(f, ep.dst, ep.src)
			pair.setSlot(f, s)
			c.sessions[f.index()]++
			c.send(cmd, s, circuit.Name(), timers)
		case cmd == CommandUpdate:
			c.send(cmd, s, circuit.Name(), timers)
		}
	}
}

// Teardown deregisters and drops every session of adj, then drops the pair.
func (c *Controller) Teardown(adj Adjacency) {
	pair := adj.LivenessPair()
	if pair == nil {
		return
	}
	ifname := adj.Circuit().Name()
	for _, f := range Families {
		s := pair.Slot(f)
		if s == nil {
			continue
		}
		c.send(CommandDeregister, s, ifname, Timers{})
		pair.setSlot(f, nil)
		c.sessions[f.index()]--
	}
	adj.SetLivenessPair(nil)
}

// OnStatusUpdate applies a status report from the detection service. The
// circuit is found by interface name, or by longest prefix match on dst when
// the service did not name one. It reports whether any session matched;
// reports for unknown sessions are expected after a deregistration and are
// dropped.
func (c *Controller) OnStatusUpdate(ifname string, dst netip.Addr, status Status) bool {
	f, ok := FamilyOf(dst)
	if !ok {
		return false
	}
	dst = dst.Unmap()

	c.trace("received update",
		"peer", dst,
		"interface", ifname,
		"status", status,
	)

	var circuit Circuit
	if ifname != "" {
		circuit = c.topo.CircuitByInterface(ifname)
	} else {
		circuit = c.topo.CircuitByAddress(dst)
	}
	if circuit == nil {
		return false
	}

	matched := false
	forEachAdjacency(circuit, func(adj Adjacency) {
		if c.applyStatus(adj, f, dst, status) {
			matched = true
		}
	})
	return matched
}

func (c *Controller) applyStatus(adj Adjacency, f Family, dst netip.Addr, status Status) bool {
	pair := adj.LivenessPair()
	if pair == nil {
		return false
	}
	s := pair.Match(f, dst)
	if s == nil {
		return false
	}

	old := s.Status
	s.Status = status
	c.trace("peer changed state",
		"peer", dst,
		"interface", adj.Circuit().Name(),
		"from", old,
		"to", status,
	)

	prev, cur := pair.recompute()
	if prev == cur {
		return true
	}
	if prev == StatusUp && cur == StatusDown {
		c.notifier.LivenessFailed(adj)
	}
	return true
}

// OnCircuitParamChange stores new detection timers on circuit. The first
// time a circuit gets timers its adjacencies are registered; later changes
// only apply to sessions registered afterwards.
func (c *Controller) OnCircuitParamChange(circuit Circuit, minRx, minTx uint32, detectMult uint8, defaults bool) {
	_, active := circuit.LivenessTimers()
	circuit.SetLivenessTimers(Timers{
		MinRx:      minRx,
		MinTx:      minTx,
		DetectMult: detectMult,
		Defaults:   defaults,
	})
	if !active {
		c.dispatcher.Dispatch(circuit, CommandRegister)
	}
}

func (c *Controller) send(kind CommandKind, s *Session, ifname string, t Timers) {
	c.trace(kind.String()+" peer",
		"peer", s.Destination,
		"interface", ifname,
		"src", s.Source,
	)
	c.service.Send(Command{
		Kind:        kind,
		Family:      s.Family,
		Destination: s.Destination,
		Source:      s.Source,
		Interface:   ifname,
		Timers:      t,
	})
}

func (c *Controller) trace(msg string, args ...any) {
	if !c.debug {
		return
	}
	c.logger.Debug("ISIS-BFD: "+msg, args...)
}
