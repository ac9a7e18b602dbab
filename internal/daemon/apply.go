package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/pobradovic08/isis-bfd/internal/config"
	"github.com/pobradovic08/isis-bfd/internal/liveness"
	"github.com/pobradovic08/isis-bfd/internal/topology"
)

// ApplyConfig reconciles the topology with cfg. It is used for the initial
// configuration and for every reload.
func (l *Loop) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	return l.call(ctx, "apply_config", func(context.Context) error {
		return l.apply(cfg)
	})
}

func (l *Loop) apply(cfg *config.Config) error {
	l.ctrl.SetDebug(cfg.Debug.BFD)

	var errs []error
	seen := make(map[string]bool)
	for _, area := range cfg.Areas {
		for _, cc := range area.Circuits {
			seen[cc.Interface] = true
			if err := l.applyCircuit(area.Name, cc); err != nil {
				errs = append(errs, fmt.Errorf("circuit %s: %w", cc.Interface, err))
			}
		}
	}

	for _, c := range l.reg.Circuits() {
		if seen[c.Name()] {
			continue
		}
		l.logger.Info("circuit removed from configuration", "circuit", c.Name())
		l.disable(c)
		l.reconcileNeighbors(c, nil)
	}
	return errors.Join(errs...)
}

func timersOf(b config.BFDConfig) liveness.Timers {
	if b.Defaults() {
		return liveness.DefaultTimers
	}
	return liveness.Timers{MinRx: b.MinRx, MinTx: b.MinTx, DetectMult: b.DetectMult}
}

func (l *Loop) applyCircuit(area string, cc config.CircuitConfig) error {
	prefixes, err := cc.ParsePrefixes()
	if err != nil {
		return err
	}
	kind := liveness.CircuitBroadcast
	if cc.PointToPoint() {
		kind = liveness.CircuitPointToPoint
	}

	c := l.reg.LookupCircuit(cc.Interface)
	if c == nil {
		c, err = l.reg.AddCircuit(area, topology.CircuitSpec{
			Name:        cc.Interface,
			Kind:        kind,
			IPv4:        cc.IPv4,
			IPv6:        cc.IPv6,
			Prefixes:    prefixes,
			Timers:      timersOf(cc.BFD),
			TimersValid: cc.BFD.Enabled,
		})
		if err != nil {
			return err
		}
		l.logger.Info("circuit added",
			"circuit", c.Name(),
			"area", area,
			"kind", kind,
			"bfd", cc.BFD.Enabled,
		)
		return l.reconcileNeighbors(c, cc.Neighbors)
	}

	if c.Kind() != kind {
		l.logger.Warn("circuit type change requires a restart",
			"circuit", c.Name(),
			"current", c.Kind(),
			"configured", kind,
		)
	}
	if err := l.reg.SetCircuitPrefixes(c.Name(), prefixes); err != nil {
		return err
	}
	l.applyRouting(c, cc)
	if c.LivenessEnabled() {
		l.ctrl.OnCircuitChanged(c)
	}
	l.applyTimers(c, cc.BFD)
	return l.reconcileNeighbors(c, cc.Neighbors)
}

// applyRouting sets the routed families of c. Sessions are brought in line
// with the new families and local addresses by the caller.
func (l *Loop) applyRouting(c *topology.Circuit, cc config.CircuitConfig) {
	want := [2]bool{cc.IPv4, cc.IPv6}
	changed := false
	for i, f := range liveness.Families {
		if c.RoutingEnabled(f) != want[i] {
			changed = true
		}
		c.SetRouting(f, want[i])
	}
	if !changed {
		return
	}
	l.logger.Info("circuit routing changed",
		"circuit", c.Name(),
		"ipv4", cc.IPv4,
		"ipv6", cc.IPv6,
	)
}

func (l *Loop) applyTimers(c *topology.Circuit, b config.BFDConfig) {
	if !b.Enabled {
		l.disable(c)
		return
	}
	want := timersOf(b)
	if cur, ok := c.LivenessTimers(); ok && cur == want {
		return
	}
	l.ctrl.OnCircuitParamChange(c, want.MinRx, want.MinTx, want.DetectMult, want.Defaults)
	l.logger.Info("circuit liveness timers set",
		"circuit", c.Name(),
		"min_rx", want.MinRx,
		"min_tx", want.MinTx,
		"detect_mult", want.DetectMult,
	)
}

// disable removes every session on c and stops monitoring it.
func (l *Loop) disable(c *topology.Circuit) {
	if !c.LivenessEnabled() {
		return
	}
	l.ctrl.Dispatcher().Dispatch(c, liveness.CommandDeregister)
	c.ClearLivenessTimers()
	l.logger.Info("circuit liveness disabled", "circuit", c.Name())
}

// reconcileNeighbors applies the static neighbors of c and removes static
// adjacencies that are no longer configured. Adjacencies learned from other
// sources are left alone.
func (l *Loop) reconcileNeighbors(c *topology.Circuit, neighbors []config.NeighborConfig) error {
	type key struct {
		systemID string
		level    liveness.Level
	}
	var errs []error
	keep := make(map[key]bool)
	for _, n := range neighbors {
		up, err := n.Up()
		if err != nil {
			errs = append(errs, fmt.Errorf("neighbor %s: %w", n.SystemID, err))
			continue
		}
		v4, v6, err := n.ParseAddresses()
		if err != nil {
			errs = append(errs, fmt.Errorf("neighbor %s: %w", n.SystemID, err))
			continue
		}
		state := liveness.AdjDown
		if up {
			state = liveness.AdjUp
		}
		adj, err := l.reg.UpdateAdjacency(c.Name(), topology.AdjacencyUpdate{
			SystemID: n.SystemID,
			Level:    liveness.Level(n.Level),
			State:    state,
			IPv4:     v4,
			IPv6:     v6,
			Source:   topology.SourceStatic,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keep[key{adj.Name(), adj.Level()}] = true
	}

	for _, adj := range c.Adjacencies() {
		if adj.Source() != topology.SourceStatic || keep[key{adj.Name(), adj.Level()}] {
			continue
		}
		if err := l.reg.RemoveAdjacency(c.Name(), adj.Name(), adj.Level()); err != nil {
			errs = append(errs, err)
			continue
		}
		l.logger.Info("static neighbor removed",
			"circuit", c.Name(),
			"system_id", adj.Name(),
			"level", int(adj.Level()),
		)
	}
	return errors.Join(errs...)
}
