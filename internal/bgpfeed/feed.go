// Package bgpfeed turns BGP session state into adjacency state. Each
// configured peer stands for a neighbor on a point-to-point circuit: the
// adjacency is up while the session is established.
package bgpfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	apipb "github.com/osrg/gobgp/v3/api"
	"github.com/osrg/gobgp/v3/pkg/server"

	"github.com/pobradovic08/isis-bfd/internal/config"
)

// Peer identifies the adjacency a BGP session stands for.
type Peer struct {
	Neighbor netip.Addr
	Circuit  string
	SystemID string
}

// Sink receives session transitions. Calls come from GoBGP's event
// goroutine and must not block for long.
type Sink interface {
	PeerUp(p Peer)
	PeerDown(p Peer)
}

// Feed wraps an embedded GoBGP server.
type Feed struct {
	server *server.BgpServer
	cfg    config.BGPConfig
	sink   Sink

	peers map[netip.Addr]Peer

	mu          sync.Mutex
	established map[netip.Addr]bool
}

// New creates a Feed for the peers in cfg. The BGP server is started by
// Start.
func New(cfg config.BGPConfig, sink Sink) (*Feed, error) {
	f := &Feed{
		cfg:         cfg,
		sink:        sink,
		peers:       make(map[netip.Addr]Peer, len(cfg.Peers)),
		established: make(map[netip.Addr]bool),
	}
	for _, p := range cfg.Peers {
		addr, err := netip.ParseAddr(p.Neighbor)
		if err != nil {
			return nil, fmt.Errorf("bgp peer %q: %w", p.Neighbor, err)
		}
		systemID := p.SystemID
		if systemID == "" {
			systemID = addr.String()
		}
		f.peers[addr.Unmap()] = Peer{Neighbor: addr.Unmap(), Circuit: p.Circuit, SystemID: systemID}
	}
	return f, nil
}

// Start runs the BGP server, adds all peers and begins watching session
// state.
func (f *Feed) Start(ctx context.Context) error {
	f.server = server.NewBgpServer()
	go f.server.Serve()

	if err := f.server.StartBgp(ctx, &apipb.StartBgpRequest{
		Global: &apipb.Global{
			Asn:        f.cfg.LocalASN,
			RouterId:   f.cfg.RouterID,
			ListenPort: int32(f.cfg.ListenPort),
		},
	}); err != nil {
		return fmt.Errorf("start BGP: %w", err)
	}
	slog.Info("BGP server started",
		"asn", f.cfg.LocalASN,
		"router_id", f.cfg.RouterID,
		"listen_port", f.cfg.ListenPort,
	)

	if err := f.server.WatchEvent(ctx, &apipb.WatchEventRequest{
		Peer: &apipb.WatchEventRequest_Peer{},
	}, f.handleEvent); err != nil {
		return fmt.Errorf("watch event: %w", err)
	}

	for _, p := range f.cfg.Peers {
		if err := f.addPeer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) addPeer(ctx context.Context, peer config.BGPPeerConfig) error {
	family := apipb.Family_AFI_IP
	if addr, err := netip.ParseAddr(peer.Neighbor); err == nil && addr.Unmap().Is6() {
		family = apipb.Family_AFI_IP6
	}

	// Routes are not used; everything received is rejected.
	peerConf := &apipb.Peer{
		Conf: &apipb.PeerConf{
			NeighborAddress: peer.Neighbor,
			PeerAsn:         peer.ASN,
			Description:     peer.Circuit,
		},
		AfiSafis: []*apipb.AfiSafi{{
			Config: &apipb.AfiSafiConfig{
				Family:  &apipb.Family{Afi: family, Safi: apipb.Family_SAFI_UNICAST},
				Enabled: true,
			},
		}},
		Transport: &apipb.Transport{
			PassiveMode: peer.Passive,
		},
		ApplyPolicy: &apipb.ApplyPolicy{
			InPolicy: &apipb.PolicyAssignment{
				DefaultAction: apipb.RouteAction_REJECT,
			},
		},
	}
	if err := f.server.AddPeer(ctx, &apipb.AddPeerRequest{Peer: peerConf}); err != nil {
		return fmt.Errorf("add peer %s: %w", peer.Neighbor, err)
	}

	slog.Info("added BGP peer",
		"neighbor", peer.Neighbor,
		"asn", peer.ASN,
		"circuit", peer.Circuit,
		"passive", peer.Passive,
	)
	return nil
}

func (f *Feed) handleEvent(resp *apipb.WatchEventResponse) {
	ev := resp.GetPeer()
	if ev == nil || ev.GetType() != apipb.WatchEventResponse_PeerEvent_STATE {
		return
	}
	state := ev.GetPeer().GetState()
	addr, err := netip.ParseAddr(state.GetNeighborAddress())
	if err != nil {
		return
	}
	addr = addr.Unmap()
	peer, ok := f.peers[addr]
	if !ok {
		return
	}
	up := state.GetSessionState() == apipb.PeerState_ESTABLISHED

	f.mu.Lock()
	changed := f.established[addr] != up
	f.established[addr] = up
	f.mu.Unlock()
	if !changed {
		return
	}

	slog.Info("BGP session state changed",
		"neighbor", addr,
		"circuit", peer.Circuit,
		"state", state.GetSessionState().String(),
	)
	if up {
		f.sink.PeerUp(peer)
	} else {
		f.sink.PeerDown(peer)
	}
}

// Established returns the number of peers whose session is established.
func (f *Feed) Established() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, up := range f.established {
		if up {
			n++
		}
	}
	return n
}

// Stop shuts down the BGP server.
func (f *Feed) Stop(ctx context.Context) error {
	if f.server == nil {
		return nil
	}
	if err := f.server.StopBgp(ctx, &apipb.StopBgpRequest{}); err != nil {
		return fmt.Errorf("stop BGP: %w", err)
	}
	slog.Info("BGP server stopped")
	return nil
}
