package liveness

import "fmt"

// Status is the state of a liveness session as reported by the detection
// service. The aggregate of a SessionPair is only ever StatusUp or StatusDown.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusUp        Status = "up"
	StatusDown      Status = "down"
	StatusAdminDown Status = "admin_down"
)

// ParseStatus parses a wire status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusUnknown, StatusUp, StatusDown, StatusAdminDown:
		return st, nil
	default:
		return "", fmt.Errorf("unknown session status %q", s)
	}
}

// Aggregate combines the statuses of the IPv4 and IPv6 sessions of one
// adjacency. A family without a session is passed as StatusUnknown.
//
// One side up and the other up or unknown yields up; everything else,
// including both sides unknown, yields down.
func Aggregate(v4, v6 Status) Status {
	switch {
	case v4 == StatusUp && v6 == StatusUp:
		return StatusUp
	case v4 == StatusUnknown && v6 == StatusUp:
		return StatusUp
	case v4 == StatusUp && v6 == StatusUnknown:
		return StatusUp
	default:
		return StatusDown
	}
}
