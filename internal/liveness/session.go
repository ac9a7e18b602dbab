package liveness

import "net/netip"

// Session is one monitored (family, destination, source) triple and the
// last status the detection service reported for it.
type Session struct {
	Family      Family
	Destination netip.Addr
	Source      netip.Addr
	Status      Status
}

func newSession(f Family, dst, src netip.Addr) *Session {
	return &Session{
		Family:      f,
		Destination: dst,
		Source:      src,
		Status:      StatusUnknown,
	}
}

// Same reports whether s is the session identified by family, dst and src.
// A nil session matches nothing.
func (s *Session) Same(f Family, dst, src netip.Addr) bool {
	if s == nil {
		return false
	}
	return s.Family == f && s.Destination == dst && s.Source == src
}

// SessionPair holds the liveness sessions of a single adjacency, at most one
// per address family, together with their aggregated status. It lives in the
// adjacency's liveness slot and is never referenced from anywhere else.
type SessionPair struct {
	IPv4      *Session
	IPv6      *Session
	Aggregate Status
}

func newSessionPair() *SessionPair {
	return &SessionPair{Aggregate: StatusDown}
}

// Slot returns the session for family f, or nil.
func (p *SessionPair) Slot(f Family) *Session {
	if f == IPv6 {
		return p.IPv6
	}
	return p.IPv4
}

func (p *SessionPair) setSlot(f Family, s *Session) {
	if f == IPv6 {
		p.IPv6 = s
		return
	}
	p.IPv4 = s
}

// Len returns the number of sessions held by the pair.
func (p *SessionPair) Len() int {
	n := 0
	if p.IPv4 != nil {
		n++
	}
	if p.IPv6 != nil {
		n++
	}
	return n
}

// Match returns the session of family f whose destination is dst.
func (p *SessionPair) Match(f Family, dst netip.Addr) *Session {
	s := p.Slot(f)
	if s == nil || s.Destination != dst {
		return nil
	}
	return s
}

func (p *SessionPair) status(f Family) Status {
	if s := p.Slot(f); s != nil {
		return s.Status
	}
	return StatusUnknown
}

// recompute refreshes the aggregate and returns the previous and new values.
func (p *SessionPair) recompute() (prev, cur Status) {
	prev = p.Aggregate
	p.Aggregate = Aggregate(p.status(IPv4), p.status(IPv6))
	return prev, p.Aggregate
}
