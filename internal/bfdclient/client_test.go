package bfdclient

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pobradovic08/isis-bfd/internal/config"
	"github.com/pobradovic08/isis-bfd/internal/liveness"
	"github.com/pobradovic08/isis-bfd/internal/observability"
)

type fakeServer struct {
	mu         sync.Mutex
	registered []string
	commands   []*structpb.Struct
	calls      []string
	reject     bool

	subscribed chan string
	events     chan *structpb.Struct
	kick       chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		subscribed: make(chan string, 8),
		events:     make(chan *structpb.Struct, 8),
		kick:       make(chan struct{}, 1),
	}
}

func (s *fakeServer) RegisterClient(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, in.GetFields()["client"].GetStringValue())
	s.calls = append(s.calls, "RegisterClient")
	return &structpb.Struct{}, nil
}

func (s *fakeServer) PeerCommand(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, in)
	s.calls = append(s.calls, in.GetFields()["command"].GetStringValue())
	if s.reject {
		return structpb.NewStruct(map[string]any{"ok": false, "error": "no such interface"})
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

func (s *fakeServer) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	s.subscribed <- in.GetFields()["client"].GetStringValue()
	for {
		select {
		case ev := <-s.events:
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		case <-s.kick:
			return status.Error(codes.Unavailable, "restarting")
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *fakeServer) snapshot() ([]string, []*structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.registered...), append([]*structpb.Struct(nil), s.commands...)
}

type recordingHandler struct {
	client    *Client
	connected chan struct{}
	statuses  chan Event
	replays   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected: make(chan struct{}, 8),
		statuses:  make(chan Event, 8),
		replays:   make(chan struct{}, 8),
	}
}

func (h *recordingHandler) ServiceConnected() {
	h.client.Send(liveness.Command{Kind: liveness.CommandClientRegister})
	h.connected <- struct{}{}
}

func (h *recordingHandler) StatusUpdate(ifname string, dst netip.Addr, st liveness.Status) {
	h.statuses <- Event{Type: EventStatus, Interface: ifname, Destination: dst, Status: st}
}

func (h *recordingHandler) ReplayRequested() { h.replays <- struct{}{} }

type testEnv struct {
	server  *fakeServer
	handler *recordingHandler
	client  *Client
	metrics *observability.Metrics
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newEnv(t)
	env.start(t)
	return env
}

// newEnv builds the client and server without connecting them.
func newEnv(t *testing.T) *testEnv {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	fs := newFakeServer()
	RegisterLivenessServer(srv, fs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	m, err := observability.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newRecordingHandler()
	c := New(Options{
		Address:    "passthrough:///bufnet",
		ClientName: "rtr-a",
		QueueSize:  16,
		Backoff:    config.BackoffConfig{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
		Metrics: m,
	})
	h.client = c

	return &testEnv{server: fs, handler: h, client: c, metrics: m}
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.client.Run(ctx, env.handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientDeliversCommands(t *testing.T) {
	env := startEnv(t)
	if got := waitFor(t, env.server.subscribed, "subscribe"); got != "rtr-a" {
		t.Errorf("subscribed client = %q, want rtr-a", got)
	}
	waitFor(t, env.handler.connected, "connect")

	env.client.Send(liveness.Command{
		Kind:        liveness.CommandRegister,
		Family:      liveness.IPv4,
		Destination: netip.MustParseAddr("10.0.0.2"),
		Source:      netip.MustParseAddr("10.0.0.1"),
		Interface:   "eth0",
		Timers:      liveness.Timers{MinRx: 50, MinTx: 50, DetectMult: 3},
	})
	env.client.Send(liveness.Command{
		Kind:        liveness.CommandDeregister,
		Family:      liveness.IPv4,
		Destination: netip.MustParseAddr("10.0.0.2"),
		Source:      netip.MustParseAddr("10.0.0.1"),
		Interface:   "eth0",
	})

	eventually(t, "two peer commands", func() bool {
		_, cmds := env.server.snapshot()
		return len(cmds) == 2
	})
	registered, cmds := env.server.snapshot()
	if len(registered) != 1 || registered[0] != "rtr-a" {
		t.Errorf("registered = %v", registered)
	}

	reg := cmds[0].GetFields()
	if reg["command"].GetStringValue() != "Register" {
		t.Errorf("first command = %q", reg["command"].GetStringValue())
	}
	if reg["destination"].GetStringValue() != "10.0.0.2" || reg["source"].GetStringValue() != "10.0.0.1" {
		t.Errorf("addressing = %v -> %v", reg["source"], reg["destination"])
	}
	if reg["min_rx"].GetNumberValue() != 50 || reg["detect_mult"].GetNumberValue() != 3 {
		t.Errorf("timers = %v/%v", reg["min_rx"], reg["detect_mult"])
	}
	if reg["ttl"].GetNumberValue() != 0 || reg["multihop"].GetBoolValue() || !reg["cbit"].GetBoolValue() {
		t.Errorf("session flags = ttl %v multihop %v cbit %v", reg["ttl"], reg["multihop"], reg["cbit"])
	}
	if cmds[1].GetFields()["command"].GetStringValue() != "Deregister" {
		t.Errorf("second command = %v", cmds[1].GetFields()["command"])
	}
	if _, ok := cmds[1].GetFields()["min_rx"]; ok {
		t.Error("deregister carries timers")
	}

	eventually(t, "sent counter", func() bool {
		return testutil.ToFloat64(env.metrics.Commands.WithLabelValues("Register", "sent")) == 1
	})
}

func TestClientRejectedCommandKeepsSession(t *testing.T) {
	env := startEnv(t)
	waitFor(t, env.handler.connected, "connect")
	env.server.mu.Lock()
	env.server.reject = true
	env.server.mu.Unlock()

	env.client.Send(liveness.Command{Kind: liveness.CommandRegister, Family: liveness.IPv4,
		Destination: netip.MustParseAddr("10.0.0.2"), Source: netip.MustParseAddr("10.0.0.1")})

	eventually(t, "failed counter", func() bool {
		return testutil.ToFloat64(env.metrics.Commands.WithLabelValues("Register", "failed")) == 1
	})
	if !env.client.Connected() {
		t.Error("rejected command tore down the session")
	}
}

func TestClientEvents(t *testing.T) {
	env := startEnv(t)
	waitFor(t, env.handler.connected, "connect")

	env.server.events <- &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":        structpb.NewStringValue("status"),
		"interface":   structpb.NewStringValue("eth0"),
		"destination": structpb.NewStringValue("fe80::2"),
		"status":      structpb.NewStringValue("up"),
	}}
	ev := waitFor(t, env.handler.statuses, "status update")
	if ev.Interface != "eth0" || ev.Destination != netip.MustParseAddr("fe80::2") || ev.Status != liveness.StatusUp {
		t.Errorf("status event = %+v", ev)
	}

	// A malformed event is skipped and the stream stays open.
	env.server.events <- &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":        structpb.NewStringValue("status"),
		"destination": structpb.NewStringValue("not-an-address"),
		"status":      structpb.NewStringValue("up"),
	}}
	env.server.events <- &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue("replay"),
	}}
	waitFor(t, env.handler.replays, "replay request")

	select {
	case ev := <-env.handler.statuses:
		t.Errorf("malformed event delivered: %+v", ev)
	default:
	}
}

func TestClientReconnects(t *testing.T) {
	env := startEnv(t)
	waitFor(t, env.handler.connected, "first connect")

	env.server.kick <- struct{}{}

	waitFor(t, env.handler.connected, "reconnect")
	eventually(t, "second client registration", func() bool {
		registered, _ := env.server.snapshot()
		return len(registered) == 2
	})
	if got := testutil.ToFloat64(env.metrics.Reconnects); got < 1 {
		t.Errorf("reconnects = %v, want at least 1", got)
	}
}

func TestClientKeepsDeregisterQueuedWhileDisconnected(t *testing.T) {
	env := newEnv(t)
	env.client.Send(liveness.Command{
		Kind:        liveness.CommandUpdate,
		Family:      liveness.IPv4,
		Destination: netip.MustParseAddr("10.0.0.2"),
		Source:      netip.MustParseAddr("10.0.0.1"),
		Interface:   "eth0",
	})
	env.client.Send(liveness.Command{
		Kind:        liveness.CommandDeregister,
		Family:      liveness.IPv4,
		Destination: netip.MustParseAddr("10.0.0.6"),
		Source:      netip.MustParseAddr("10.0.0.5"),
		Interface:   "eth1",
	})

	env.start(t)
	waitFor(t, env.handler.connected, "connect")

	eventually(t, "held deregistration", func() bool {
		_, cmds := env.server.snapshot()
		return len(cmds) == 1
	})
	_, cmds := env.server.snapshot()
	f := cmds[0].GetFields()
	if f["command"].GetStringValue() != "Deregister" || f["destination"].GetStringValue() != "10.0.0.6" {
		t.Errorf("command = %v to %v, want Deregister to 10.0.0.6", f["command"], f["destination"])
	}

	env.server.mu.Lock()
	calls := append([]string(nil), env.server.calls...)
	env.server.mu.Unlock()
	if len(calls) != 2 || calls[0] != "RegisterClient" || calls[1] != "Deregister" {
		t.Errorf("calls = %v, want [RegisterClient Deregister]", calls)
	}

	if got := testutil.ToFloat64(env.metrics.Commands.WithLabelValues("Update", "dropped")); got != 1 {
		t.Errorf("dropped updates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.Commands.WithLabelValues("Deregister", "dropped")); got != 0 {
		t.Errorf("dropped deregistrations = %v, want 0", got)
	}
	eventually(t, "deregister sent counter", func() bool {
		return testutil.ToFloat64(env.metrics.Commands.WithLabelValues("Deregister", "sent")) == 1
	})
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	c := New(Options{QueueSize: 1, Metrics: m})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Send(liveness.Command{Kind: liveness.CommandUpdate})
		c.Send(liveness.Command{Kind: liveness.CommandUpdate})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}

	if got := testutil.ToFloat64(m.Commands.WithLabelValues("Update", "dropped")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 1 {
		t.Errorf("queue depth = %v, want 1", got)
	}
}
