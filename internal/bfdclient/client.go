// Package bfdclient connects the daemon to the liveness detection service.
// Commands are queued without blocking and sent in order by a paced sender;
// status updates and replay requests arrive on a server stream.
package bfdclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pobradovic08/isis-bfd/internal/config"
	"github.com/pobradovic08/isis-bfd/internal/liveness"
	"github.com/pobradovic08/isis-bfd/internal/observability"
)

// Handler receives service events. Calls are made from the client's
// goroutine, one at a time.
type Handler interface {
	ServiceConnected()
	StatusUpdate(ifname string, dst netip.Addr, st liveness.Status)
	ReplayRequested()
}

// Options configures a Client.
type Options struct {
	Address string
	// ClientName identifies this daemon to the service.
	ClientName        string
	QueueSize         int
	CommandsPerSecond float64
	Burst             int
	RPCTimeout        time.Duration
	Keepalive         keepalive.ClientParameters
	Backoff           config.BackoffConfig
	// DialOptions are appended to the client's own, and must include
	// transport credentials.
	DialOptions []grpc.DialOption
	Metrics     *observability.Metrics
}

// OptionsFromConfig maps the liveness_service section onto Options.
func OptionsFromConfig(cfg config.ServiceConfig, clientName string) Options {
	return Options{
		Address:           cfg.Address,
		ClientName:        clientName,
		QueueSize:         cfg.QueueSize,
		CommandsPerSecond: cfg.CommandsPerSecond,
		Burst:             cfg.Burst,
		RPCTimeout:        cfg.RPCTimeout,
		Keepalive: keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		},
		Backoff: cfg.Backoff,
	}
}

// Client is the liveness.Service implementation backed by gRPC.
type Client struct {
	opts    Options
	queue   chan liveness.Command
	limiter *rate.Limiter
	backoff *backoff.Backoff
	metrics *observability.Metrics

	connected atomic.Bool
	// pending holds deregistrations owed to the service from an earlier
	// connection. It is only touched by the Run goroutine and the sender
	// it starts.
	pending []liveness.Command
}

// New creates a Client. Commands may be queued before Run is called.
func New(opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.CommandsPerSecond > 0 {
		limit = rate.Limit(opts.CommandsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		opts:    opts,
		queue:   make(chan liveness.Command, opts.QueueSize),
		limiter: rate.NewLimiter(limit, burst),
		backoff: &backoff.Backoff{
			Min:    opts.Backoff.Min,
			Max:    opts.Backoff.Max,
			Factor: opts.Backoff.Factor,
			Jitter: opts.Backoff.Jitter,
		},
		metrics: opts.Metrics,
	}
}

// Send queues cmd for delivery. It never blocks: when the queue is full the
// command is dropped and counted.
func (c *Client) Send(cmd liveness.Command) {
	select {
	case c.queue <- cmd:
		c.metrics.SetQueueDepth(len(c.queue))
	default:
		c.metrics.IncCommand(cmd.Kind.String(), "dropped")
		slog.Warn("liveness command queue full, dropping command",
			"command", cmd.Kind,
			"peer", cmd.Destination,
			"interface", cmd.Interface,
		)
	}
}

// Connected reports whether the event stream is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects to the service, delivers its events to h and keeps
// reconnecting with backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context, h Handler) error {
	for {
		err := c.session(ctx, h)
		c.connected.Store(false)
		c.metrics.SetServiceConnected(false)
		if ctx.Err() != nil {
			return nil
		}

		delay := c.backoff.Duration()
		slog.Warn("liveness service connection lost, reconnecting",
			"addr", c.opts.Address,
			"error", err,
			"attempt", int(c.backoff.Attempt()),
			"delay", delay,
		)
		c.metrics.IncReconnect()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it fails.
func (c *Client) session(ctx context.Context, h Handler) error {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(c.opts.Keepalive),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	opts = append(opts, c.opts.DialOptions...)

	conn, err := grpc.NewClient(c.opts.Address, opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.NewStream(ctx, subscribeStreamDesc, methodSubscribe)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := stream.SendMsg(encodeClient(c.opts.ClientName)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.drainStale()
	c.connected.Store(true)
	c.metrics.SetServiceConnected(true)
	c.backoff.Reset()
	slog.Info("connected to liveness service", "addr", c.opts.Address)

	h.ServiceConnected()

	var wg sync.WaitGroup
	sendErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr <- c.sendLoop(ctx, conn)
	}()
	defer wg.Wait()
	defer cancel()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- c.recvLoop(stream, h)
	}()

	select {
	case err := <-recvErr:
		return err
	case err := <-sendErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainStale empties the queue of commands issued while disconnected.
// Registrations and updates are dropped since the replay that follows the
// client registration resends every live session. Deregistrations are held
// and sent right after the client registration, as nothing else tells the
// service those sessions are gone.
func (c *Client) drainStale() {
	for {
		select {
		case cmd := <-c.queue:
			if cmd.Kind == liveness.CommandDeregister {
				c.pending = append(c.pending, cmd)
				continue
			}
			c.metrics.IncCommand(cmd.Kind.String(), "dropped")
		default:
			c.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (c *Client) recvLoop(stream grpc.ClientStream, h Handler) error {
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return fmt.Errorf("receive event: %w", err)
		}
		ev, err := decodeEvent(msg)
		if err != nil {
			slog.Warn("ignoring liveness service event", "error", err)
			continue
		}
		switch ev.Type {
		case EventStatus:
			h.StatusUpdate(ev.Interface, ev.Destination, ev.Status)
		case EventReplay:
			h.ReplayRequested()
		}
	}
}

func (c *Client) sendLoop(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		var cmd liveness.Command
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd = <-c.queue:
		}
		c.metrics.SetQueueDepth(len(c.queue))

		if err := c.deliver(ctx, conn, cmd); err != nil {
			if cmd.Kind == liveness.CommandDeregister {
				c.pending = append(c.pending, cmd)
			}
			return err
		}
		if cmd.Kind == liveness.CommandClientRegister {
			if err := c.flushPending(ctx, conn); err != nil {
				return err
			}
		}
	}
}

// flushPending sends the held deregistrations. A command stays held until
// the service has answered it.
func (c *Client) flushPending(ctx context.Context, conn *grpc.ClientConn) error {
	for len(c.pending) > 0 {
		if err := c.deliver(ctx, conn, c.pending[0]); err != nil {
			return err
		}
		c.pending = c.pending[1:]
	}
	c.pending = nil
	return nil
}

// deliver sends one command. Only transport failures are returned; a command
// the service rejects is logged and counted.
func (c *Client) deliver(ctx context.Context, conn *grpc.ClientConn, cmd liveness.Command) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	err := c.invoke(ctx, conn, cmd)
	switch {
	case err == nil:
		c.metrics.IncCommand(cmd.Kind.String(), "sent")
	case isTransportError(err):
		c.metrics.IncCommand(cmd.Kind.String(), "failed")
		return fmt.Errorf("send %s: %w", cmd.Kind, err)
	default:
		c.metrics.IncCommand(cmd.Kind.String(), "failed")
		slog.Error("liveness command failed",
			"command", cmd.Kind,
			"peer", cmd.Destination,
			"interface", cmd.Interface,
			"error", err,
		)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, conn *grpc.ClientConn, cmd liveness.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()

	var (
		req    *structpb.Struct
		method string
	)
	if cmd.Kind == liveness.CommandClientRegister {
		req, method = encodeClient(c.opts.ClientName), methodRegisterClient
	} else {
		var err error
		if req, err = encodeCommand(c.opts.ClientName, cmd); err != nil {
			return err
		}
		method = methodPeerCommand
	}

	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	return commandResult(resp)
}

func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Canceled:
		return true
	}
	return false
}
