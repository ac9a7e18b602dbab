package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pobradovic08/isis-bfd/internal/daemon"
	"github.com/pobradovic08/isis-bfd/internal/topology"
)

// problemTypePrefix namespaces the type URIs of the problems below.
const problemTypePrefix = "urn:isis-bfd:problem:"

// Problem kinds, the last element of a Problem type.
const (
	problemInvalidRequest    = "invalid-request"
	problemUnknownCircuit    = "unknown-circuit"
	problemUnknownAdjacency  = "unknown-adjacency"
	problemLivenessDisabled  = "liveness-disabled"
	problemDaemonUnavailable = "daemon-unavailable"
	problemRateLimited       = "rate-limited"
	problemInternal          = "internal"
)

var problemKinds = map[string]struct {
	status int
	title  string
}{
	problemInvalidRequest:    {http.StatusUnprocessableEntity, "Invalid request"},
	problemUnknownCircuit:    {http.StatusNotFound, "Unknown circuit"},
	problemUnknownAdjacency:  {http.StatusNotFound, "Unknown adjacency"},
	problemLivenessDisabled:  {http.StatusConflict, "Liveness detection disabled"},
	problemDaemonUnavailable: {http.StatusServiceUnavailable, "Daemon unavailable"},
	problemRateLimited:       {http.StatusTooManyRequests, "Rate limited"},
	problemInternal:          {http.StatusInternalServerError, "Internal error"},
}

// Problem is an RFC 7807 error body. Problems about a liveness command name
// the circuit and, for adjacency commands, the neighbor system.
type Problem struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Status        int            `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Circuit       string         `json:"circuit,omitempty"`
	SystemID      string         `json:"system_id,omitempty"`
	RetryAfter    int            `json:"retry_after,omitempty"`
	InvalidParams []InvalidParam `json:"invalid_params,omitempty"`
}

// InvalidParam names a rejected request parameter.
type InvalidParam struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Kind returns the problem kind encoded in Type.
func (p Problem) Kind() string {
	if len(p.Type) < len(problemTypePrefix) {
		return ""
	}
	return p.Type[len(problemTypePrefix):]
}

func newProblem(kind, detail string) Problem {
	k := problemKinds[kind]
	return Problem{
		Type:   problemTypePrefix + kind,
		Title:  k.title,
		Status: k.status,
		Detail: detail,
	}
}

func invalidParam(name, reason string) Problem {
	p := newProblem(problemInvalidRequest, "Request validation failed.")
	p.InvalidParams = []InvalidParam{{Name: name, Reason: reason}}
	return p
}

func daemonUnavailable() Problem {
	return newProblem(problemDaemonUnavailable, "Daemon is not running.")
}

// commandProblem maps the error of a liveness command on circuit, or on
// adjacency systemID of circuit, to a Problem.
func commandProblem(err error, circuit, systemID string) Problem {
	var p Problem
	switch {
	case errors.Is(err, topology.ErrUnknownCircuit):
		p = newProblem(problemUnknownCircuit, "Circuit '"+circuit+"' does not exist.")
	case errors.Is(err, topology.ErrUnknownAdjacency):
		p = newProblem(problemUnknownAdjacency,
			"Adjacency '"+systemID+"' does not exist on circuit '"+circuit+"'.")
	case errors.Is(err, daemon.ErrLivenessDisabled):
		p = newProblem(problemLivenessDisabled, "Liveness detection is disabled on circuit '"+circuit+"'.")
	case errors.Is(err, daemon.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p = daemonUnavailable()
	default:
		p = newProblem(problemInternal, "Command failed.")
	}
	p.Circuit = circuit
	p.SystemID = systemID
	return p
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
