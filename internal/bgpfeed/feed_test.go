package bgpfeed

import (
	"net/netip"
	"testing"

	apipb "github.com/osrg/gobgp/v3/api"

	"github.com/pobradovic08/isis-bfd/internal/config"
)

type recordingSink struct {
	up, down []Peer
}

func (s *recordingSink) PeerUp(p Peer)   { s.up = append(s.up, p) }
func (s *recordingSink) PeerDown(p Peer) { s.down = append(s.down, p) }

func stateEvent(neighbor string, st apipb.PeerState_SessionState) *apipb.WatchEventResponse {
	return &apipb.WatchEventResponse{
		Event: &apipb.WatchEventResponse_Peer{
			Peer: &apipb.WatchEventResponse_PeerEvent{
				Type: apipb.WatchEventResponse_PeerEvent_STATE,
				Peer: &apipb.Peer{
					State: &apipb.PeerState{
						NeighborAddress: neighbor,
						SessionState:    st,
					},
				},
			},
		},
	}
}

func newTestFeed(t *testing.T) (*Feed, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	f, err := New(config.BGPConfig{
		LocalASN: 65000,
		RouterID: "10.255.0.1",
		Peers: []config.BGPPeerConfig{
			{Neighbor: "10.0.0.2", ASN: 65001, Circuit: "eth0", SystemID: "0000.0000.0002"},
			{Neighbor: "2001:db8::2", ASN: 65002, Circuit: "eth1"},
		},
	}, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, sink
}

func TestNewRejectsBadNeighbor(t *testing.T) {
	_, err := New(config.BGPConfig{Peers: []config.BGPPeerConfig{{Neighbor: "bogus"}}}, &recordingSink{})
	if err == nil {
		t.Error("expected error for unparsable neighbor")
	}
}

func TestHandleEvent(t *testing.T) {
	t.Run("established brings the adjacency up once", func(t *testing.T) {
		f, sink := newTestFeed(t)

		f.handleEvent(stateEvent("10.0.0.2", apipb.PeerState_ESTABLISHED))
		f.handleEvent(stateEvent("10.0.0.2", apipb.PeerState_ESTABLISHED))

		if len(sink.up) != 1 {
			t.Fatalf("up events = %d, want 1", len(sink.up))
		}
		want := Peer{Neighbor: netip.MustParseAddr("10.0.0.2"), Circuit: "eth0", SystemID: "0000.0000.0002"}
		if sink.up[0] != want {
			t.Errorf("peer = %+v, want %+v", sink.up[0], want)
		}
		if f.Established() != 1 {
			t.Errorf("Established() = %d, want 1", f.Established())
		}
	})

	t.Run("leaving established brings it down", func(t *testing.T) {
		f, sink := newTestFeed(t)

		f.handleEvent(stateEvent("10.0.0.2", apipb.PeerState_ACTIVE))
		if len(sink.down) != 0 {
			t.Error("down reported for a session that was never up")
		}
		f.handleEvent(stateEvent("10.0.0.2", apipb.PeerState_ESTABLISHED))
		f.handleEvent(stateEvent("10.0.0.2", apipb.PeerState_IDLE))

		if len(sink.up) != 1 || len(sink.down) != 1 {
			t.Errorf("up/down = %d/%d, want 1/1", len(sink.up), len(sink.down))
		}
	})

	t.Run("system id defaults to the neighbor address", func(t *testing.T) {
		f, sink := newTestFeed(t)
		f.handleEvent(stateEvent("2001:db8::2", apipb.PeerState_ESTABLISHED))
		if len(sink.up) != 1 || sink.up[0].SystemID != "2001:db8::2" {
			t.Errorf("up = %+v", sink.up)
		}
	})

	t.Run("ignored events", func(t *testing.T) {
		f, sink := newTestFeed(t)
		f.handleEvent(stateEvent("192.0.2.9", apipb.PeerState_ESTABLISHED))
		f.handleEvent(stateEvent("", apipb.PeerState_ESTABLISHED))
		f.handleEvent(&apipb.WatchEventResponse{})
		f.handleEvent(&apipb.WatchEventResponse{
			Event: &apipb.WatchEventResponse_Peer{
				Peer: &apipb.WatchEventResponse_PeerEvent{Type: apipb.WatchEventResponse_PeerEvent_INIT},
			},
		})
		if len(sink.up)+len(sink.down) != 0 {
			t.Errorf("unexpected events: up %v down %v", sink.up, sink.down)
		}
	})
}
