package liveness

import (
	"fmt"
	"net/netip"
)

// CommandKind identifies a request sent to the detection service.
type CommandKind int

const (
	CommandRegister CommandKind = iota + 1
	CommandDeregister
	CommandUpdate
	CommandClientRegister
)

func (k CommandKind) String() string {
	switch k {
	case CommandRegister:
		return "Register"
	case CommandDeregister:
		return "Deregister"
	case CommandUpdate:
		return "Update"
	case CommandClientRegister:
		return "ClientRegister"
	default:
		return "Unknown-Cmd"
	}
}

// ParseCommandKind accepts the lower-case command names used in the API and
// on the wire: register, deregister, update.
func ParseCommandKind(s string) (CommandKind, error) {
	switch s {
	case "register":
		return CommandRegister, nil
	case "deregister":
		return CommandDeregister, nil
	case "update":
		return CommandUpdate, nil
	default:
		return 0, fmt.Errorf("unknown liveness command %q", s)
	}
}

// Timers are the detection parameters configured on a circuit, in
// milliseconds. Defaults is set when the values were not configured
// explicitly.
type Timers struct {
	MinRx      uint32
	MinTx      uint32
	DetectMult uint8
	Defaults   bool
}

// DefaultTimers are applied to circuits that do not configure BFD timers.
var DefaultTimers = Timers{MinRx: 300, MinTx: 300, DetectMult: 3, Defaults: true}

// Command is a single request to the detection service. ClientRegister
// carries no peer fields; Deregister carries no timers.
type Command struct {
	Kind        CommandKind
	Family      Family
	Destination netip.Addr
	Source      netip.Addr
	Interface   string
	Timers      Timers
}
