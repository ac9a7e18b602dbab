// Package daemon runs the event loop that owns the topology and the
// liveness controller. Every event, whatever goroutine it comes from, is
// handled to completion on the loop goroutine.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pobradovic08/isis-bfd/internal/bgpfeed"
	"github.com/pobradovic08/isis-bfd/internal/liveness"
	"github.com/pobradovic08/isis-bfd/internal/observability"
	"github.com/pobradovic08/isis-bfd/internal/topology"
)

var (
	// ErrStopped is returned by calls made after the loop has exited.
	ErrStopped = errors.New("event loop stopped")
	// ErrLivenessDisabled is returned for commands on circuits without
	// liveness detection.
	ErrLivenessDisabled = errors.New("liveness detection disabled on circuit")
)

// Options configures a Loop.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	// Debug enables liveness trace lines.
	Debug bool
	// ServiceConnected reports the state of the detection service
	// connection for health checks.
	ServiceConnected func() bool
	// QueueSize is the capacity of the event channel.
	QueueSize int
}

type event struct {
	name string
	fn   func(ctx context.Context)
}

// Loop serialises protocol events onto one goroutine.
type Loop struct {
	reg      *topology.Registry
	ctrl     *liveness.Controller
	replayer *liveness.Replayer

	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	connected func() bool
	now       func() time.Time

	events chan event
	done   chan struct{}
}

// New creates a Loop that drives reg and issues liveness commands on svc.
// The loop registers itself as the first observer of reg.
func New(reg *topology.Registry, svc liveness.Service, opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.Tracer()
	}
	connected := opts.ServiceConnected
	if connected == nil {
		connected = func() bool { return false }
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}

	l := &Loop{
		reg:       reg,
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    tracer,
		connected: connected,
		now:       time.Now,
		events:    make(chan event, size),
		done:      make(chan struct{}),
	}
	l.ctrl = liveness.NewController(reg, svc, l, liveness.Options{Logger: logger, Debug: opts.Debug})
	l.replayer = liveness.NewReplayer(reg, l.ctrl)
	reg.AddObserver(l)
	return l
}

// Run handles events until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case ev := <-l.events:
			l.handle(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev event) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "loop."+ev.name)
	ev.fn(ctx)
	span.End()

	l.metrics.ObserveEvent(ev.name, time.Since(start).Seconds())
	l.updateGauges()
}

func (l *Loop) updateGauges() {
	if l.metrics == nil {
		return
	}
	for _, f := range liveness.Families {
		l.metrics.SetSessions(f.String(), l.ctrl.SessionCount(f))
	}
	_, up := l.countAdjacencies()
	l.metrics.SetAdjacenciesUp(up)
}

// countAdjacencies returns the number of adjacencies and how many of them
// have liveness up.
func (l *Loop) countAdjacencies() (total, up int) {
	for _, adj := range l.reg.Adjacencies() {
		total++
		if p := adj.LivenessPair(); p != nil && p.Aggregate == liveness.StatusUp {
			up++
		}
	}
	return total, up
}

// post queues fn without waiting for it to run.
func (l *Loop) post(name string, fn func(ctx context.Context)) {
	select {
	case l.events <- event{name: name, fn: fn}:
	case <-l.done:
	}
}

// call runs fn on the loop and waits for its result.
func (l *Loop) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	ev := event{name: name, fn: func(ctx context.Context) { errc <- fn(ctx) }}
	select {
	case l.events <- ev:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServiceConnected implements bfdclient.Handler.
func (l *Loop) ServiceConnected() {
	l.post("service_connected", func(context.Context) {
		l.replayer.OnServiceConnected()
	})
}

// StatusUpdate implements bfdclient.Handler.
func (l *Loop) StatusUpdate(ifname string, dst netip.Addr, st liveness.Status) {
	l.post("status_update", func(ctx context.Context) {
		matched := l.ctrl.OnStatusUpdate(ifname, dst, st)
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("peer", dst.String()),
			attribute.String("interface", ifname),
			attribute.String("status", string(st)),
			attribute.Bool("matched", matched),
		)
		l.metrics.IncStatusUpdate(string(st), matched)
	})
}

// ReplayRequested implements bfdclient.Handler.
func (l *Loop) ReplayRequested() {
	l.post("replay", func(context.Context) {
		l.replayer.OnReplayRequested()
		l.metrics.IncReplay()
	})
}

// PeerUp implements bgpfeed.Sink.
func (l *Loop) PeerUp(p bgpfeed.Peer) {
	l.post("bgp_peer", func(context.Context) { l.applyPeer(p, liveness.AdjUp) })
}

// PeerDown implements bgpfeed.Sink.
func (l *Loop) PeerDown(p bgpfeed.Peer) {
	l.post("bgp_peer", func(context.Context) { l.applyPeer(p, liveness.AdjDown) })
}

func (l *Loop) applyPeer(p bgpfeed.Peer, state liveness.AdjState) {
	u := topology.AdjacencyUpdate{
		SystemID: p.SystemID,
		State:    state,
		Source:   topology.SourceBGP,
	}
	if p.Neighbor.Is4() {
		u.IPv4 = []netip.Addr{p.Neighbor}
	} else {
		u.IPv6 = []netip.Addr{p.Neighbor}
	}
	if _, err := l.reg.UpdateAdjacency(p.Circuit, u); err != nil {
		l.logger.Error("failed to apply BGP peer state",
			"neighbor", p.Neighbor,
			"circuit", p.Circuit,
			"error", err,
		)
	}
}

// LivenessFailed implements liveness.Notifier.
func (l *Loop) LivenessFailed(adj liveness.Adjacency) {
	l.logger.Warn("adjacency liveness failed",
		"adjacency", adj.Name(),
		"interface", adj.Circuit().Name(),
	)
	l.metrics.IncLivenessFailure()
	if a, ok := adj.(*topology.Adjacency); ok {
		a.SetLastFailure(l.now())
	}
}

// AdjacencyChanged implements topology.Observer.
func (l *Loop) AdjacencyChanged(adj *topology.Adjacency) {
	if !l.enabled(adj) {
		return
	}
	l.ctrl.OnAdjacencyChanged(adj)
}

// AdjacencyStateChanged implements topology.Observer. Adjacencies on
// circuits without liveness detection are only ever torn down.
func (l *Loop) AdjacencyStateChanged(adj *topology.Adjacency, state liveness.AdjState) {
	if state == liveness.AdjUp && !l.enabled(adj) {
		return
	}
	l.ctrl.OnAdjacencyStateChange(adj, state)
}

func (l *Loop) enabled(adj *topology.Adjacency) bool {
	c := l.reg.LookupCircuit(adj.CircuitName())
	return c != nil && c.LivenessEnabled()
}

// CircuitCommand applies cmd to every adjacency on circuit.
func (l *Loop) CircuitCommand(ctx context.Context, circuit string, cmd liveness.CommandKind) error {
	return l.call(ctx, "circuit_command", func(context.Context) error {
		c := l.reg.LookupCircuit(circuit)
		if c == nil {
			return fmt.Errorf("%w: %q", topology.ErrUnknownCircuit, circuit)
		}
		if !c.LivenessEnabled() && cmd != liveness.CommandDeregister {
			return fmt.Errorf("%w: %q", ErrLivenessDisabled, circuit)
		}
		l.ctrl.Dispatcher().Dispatch(c, cmd)
		return nil
	})
}

// AdjacencyCommand applies cmd to one adjacency.
func (l *Loop) AdjacencyCommand(ctx context.Context, circuit, systemID string, cmd liveness.CommandKind) error {
	return l.call(ctx, "adjacency_command", func(context.Context) error {
		adj, err := l.reg.FindAdjacency(circuit, systemID)
		if err != nil {
			return err
		}
		if !l.enabled(adj) && cmd != liveness.CommandDeregister {
			return fmt.Errorf("%w: %q", ErrLivenessDisabled, circuit)
		}
		l.ctrl.AdjacencyCommand(adj, cmd)
		return nil
	})
}
