package daemon

import (
	"context"
	"time"

	"github.com/pobradovic08/isis-bfd/internal/liveness"
	"github.com/pobradovic08/isis-bfd/internal/topology"
)

// SessionStatus is one liveness session as reported by the API.
type SessionStatus struct {
	Family      string `json:"family"`
	Destination string `json:"destination"`
	Source      string `json:"source"`
	Status      string `json:"status"`
}

// AdjacencyStatus is the liveness view of one adjacency.
type AdjacencyStatus struct {
	Circuit     string          `json:"circuit"`
	SystemID    string          `json:"system_id"`
	Level       int             `json:"level"`
	Source      string          `json:"source"`
	State       string          `json:"state"`
	Liveness    string          `json:"liveness"`
	Sessions    []SessionStatus `json:"sessions"`
	ChangedAt   time.Time       `json:"changed_at"`
	LastFailure *time.Time      `json:"last_failure,omitempty"`
}

// Health summarises the daemon for health checks.
type Health struct {
	Status           string `json:"status"`
	ServiceConnected bool   `json:"service_connected"`
	Circuits         int    `json:"circuits"`
	Adjacencies      int    `json:"adjacencies"`
	AdjacenciesUp    int    `json:"adjacencies_up"`
	SessionsIPv4     int    `json:"sessions_ipv4"`
	SessionsIPv6     int    `json:"sessions_ipv6"`
}

// Snapshot returns the liveness state of every adjacency, in circuit order.
func (l *Loop) Snapshot(ctx context.Context) ([]AdjacencyStatus, error) {
	res := make(chan []AdjacencyStatus, 1)
	err := l.call(ctx, "snapshot", func(context.Context) error {
		adjs := l.reg.Adjacencies()
		out := make([]AdjacencyStatus, 0, len(adjs))
		for _, adj := range adjs {
			out = append(out, adjacencyStatus(adj))
		}
		res <- out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return <-res, nil
}

func adjacencyStatus(adj *topology.Adjacency) AdjacencyStatus {
	st := AdjacencyStatus{
		Circuit:   adj.CircuitName(),
		SystemID:  adj.Name(),
		Level:     int(adj.Level()),
		Source:    adj.Source(),
		State:     adj.State().String(),
		Liveness:  "none",
		Sessions:  []SessionStatus{},
		ChangedAt: adj.ChangedAt(),
	}
	if t := adj.LastFailure(); !t.IsZero() {
		st.LastFailure = &t
	}
	pair := adj.LivenessPair()
	if pair == nil {
		return st
	}
	st.Liveness = string(pair.Aggregate)
	for _, f := range liveness.Families {
		s := pair.Slot(f)
		if s == nil {
			continue
		}
		st.Sessions = append(st.Sessions, SessionStatus{
			Family:      f.String(),
			Destination: s.Destination.String(),
			Source:      s.Source.String(),
			Status:      string(s.Status),
		})
	}
	return st
}

// Health reports the daemon state. The status is "degraded" while the
// detection service is unreachable.
func (l *Loop) Health(ctx context.Context) (Health, error) {
	res := make(chan Health, 1)
	err := l.call(ctx, "health", func(context.Context) error {
		var h Health
		h.ServiceConnected = l.connected()
		h.Status = "ok"
		if !h.ServiceConnected {
			h.Status = "degraded"
		}
		h.Circuits = len(l.reg.Circuits())
		h.Adjacencies, h.AdjacenciesUp = l.countAdjacencies()
		h.SessionsIPv4 = l.ctrl.SessionCount(liveness.IPv4)
		h.SessionsIPv6 = l.ctrl.SessionCount(liveness.IPv6)
		res <- h
		return nil
	})
	if err != nil {
		return Health{}, err
	}
	return <-res, nil
}
