package liveness

import (
	"fmt"
	"net/netip"
)

// Family is the address family a liveness session runs over.
// IPv4 and IPv6 are the only values; a third family cannot be constructed.
type Family struct {
	v6 bool
}

var (
	IPv4 = Family{}
	IPv6 = Family{v6: true}
)

// Families lists both address families in the order sessions are handled.
var Families = [2]Family{IPv4, IPv6}

func (f Family) String() string {
	if f.v6 {
		return "ipv6"
	}
	return "ipv4"
}

// index maps the family onto a two-element array slot.
func (f Family) index() int {
	if f.v6 {
		return 1
	}
	return 0
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as
// IPv4. ok is false for the zero Addr.
func FamilyOf(addr netip.Addr) (Family, bool) {
	addr = addr.Unmap()
	switch {
	case addr.Is4():
		return IPv4, true
	case addr.Is6():
		return IPv6, true
	default:
		return Family{}, false
	}
}

// ParseFamily parses "ipv4" or "ipv6".
func ParseFamily(s string) (Family, error) {
	switch s {
	case "ipv4":
		return IPv4, nil
	case "ipv6":
		return IPv6, nil
	default:
		return Family{}, fmt.Errorf("unknown address family %q", s)
	}
}
