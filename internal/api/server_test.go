package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pobradovic08/isis-bfd/internal/daemon"
	"github.com/pobradovic08/isis-bfd/internal/liveness"
	"github.com/pobradovic08/isis-bfd/internal/topology"
)

type commandCall struct {
	circuit  string
	systemID string
	cmd      liveness.CommandKind
}

type fakeBackend struct {
	snapshot []daemon.AdjacencyStatus
	health   daemon.Health
	err      error
	calls    []commandCall
	panicOn  string
}

func (b *fakeBackend) Snapshot(context.Context) ([]daemon.AdjacencyStatus, error) {
	return b.snapshot, b.err
}

func (b *fakeBackend) Health(context.Context) (daemon.Health, error) {
	return b.health, b.err
}

func (b *fakeBackend) CircuitCommand(_ context.Context, circuit string, cmd liveness.CommandKind) error {
	if circuit == b.panicOn {
		panic("boom")
	}
	b.calls = append(b.calls, commandCall{circuit: circuit, cmd: cmd})
	return b.err
}

func (b *fakeBackend) AdjacencyCommand(_ context.Context, circuit, systemID string, cmd liveness.CommandKind) error {
	b.calls = append(b.calls, commandCall{circuit: circuit, systemID: systemID, cmd: cmd})
	return b.err
}

func newTestServer(b *fakeBackend, limiter *Limiter) http.Handler {
	return NewServer(ServerDeps{
		Backend: b,
		Limiter: limiter,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).Handler()
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func sampleSnapshot() []daemon.AdjacencyStatus {
	return []daemon.AdjacencyStatus{
		{
			Circuit:  "eth0",
			SystemID: "0000.0000.0002",
			Level:    1,
			Source:   topology.SourceStatic,
			State:    "up",
			Liveness: "up",
			Sessions: []daemon.SessionStatus{
				{Family: "ipv4", Destination: "10.0.0.2", Source: "10.0.0.1", Status: "up"},
			},
			ChangedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			Circuit:  "br0",
			SystemID: "0000.0000.0003",
			Level:    2,
			Source:   topology.SourceStatic,
			State:    "up",
			Liveness: "down",
			Sessions: []daemon.SessionStatus{},
		},
	}
}

func TestHealth(t *testing.T) {
	b := &fakeBackend{health: daemon.Health{Status: "ok", ServiceConnected: true, Circuits: 2}}
	w := serve(newTestServer(b, nil), "GET", "/api/v1/health")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || !resp.ServiceConnected || resp.Circuits != 2 {
		t.Errorf("unexpected health: %+v", resp)
	}
}

func TestHealthDaemonStopped(t *testing.T) {
	b := &fakeBackend{err: daemon.ErrStopped}
	w := serve(newTestServer(b, nil), "GET", "/api/v1/health")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestListAdjacencies(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"0000.0000.0002", "0000.0000.0003"}},
		{"?circuit=br0", []string{"0000.0000.0003"}},
		{"?liveness=up", []string{"0000.0000.0002"}},
		{"?circuit=eth0&liveness=down", nil},
	}
	h := newTestServer(&fakeBackend{snapshot: sampleSnapshot()}, nil)

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := serve(h, "GET", "/api/v1/adjacencies"+tt.query)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			var resp struct {
				Data []daemon.AdjacencyStatus `json:"data"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if len(resp.Data) != len(tt.want) {
				t.Fatalf("got %d adjacencies, want %d", len(resp.Data), len(tt.want))
			}
			for i, id := range tt.want {
				if resp.Data[i].SystemID != id {
					t.Errorf("adjacency %d = %s, want %s", i, resp.Data[i].SystemID, id)
				}
			}
		})
	}
}

func TestListAdjacenciesRejectsInvalidLiveness(t *testing.T) {
	w := serve(newTestServer(&fakeBackend{}, nil), "GET", "/api/v1/adjacencies?liveness=maybe")

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	var prob Problem
	if err := json.NewDecoder(w.Body).Decode(&prob); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if prob.Kind() != "invalid-request" || len(prob.InvalidParams) == 0 || prob.InvalidParams[0].Name != "liveness" {
		t.Fatalf("unexpected problem: %+v", prob)
	}
}

func TestCircuitCommand(t *testing.T) {
	b := &fakeBackend{}
	w := serve(newTestServer(b, nil), "POST", "/api/v1/circuits/eth0/liveness/update")

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(b.calls) != 1 || b.calls[0] != (commandCall{circuit: "eth0", cmd: liveness.CommandUpdate}) {
		t.Fatalf("calls = %+v", b.calls)
	}
}

func TestAdjacencyCommand(t *testing.T) {
	b := &fakeBackend{}
	w := serve(newTestServer(b, nil), "POST",
		"/api/v1/circuits/eth0/adjacencies/0000.0000.0002/liveness/deregister")

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	want := commandCall{circuit: "eth0", systemID: "0000.0000.0002", cmd: liveness.CommandDeregister}
	if len(b.calls) != 1 || b.calls[0] != want {
		t.Fatalf("calls = %+v", b.calls)
	}

	var resp struct {
		Data CommandResponse `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Data.SystemID != "0000.0000.0002" || resp.Data.Command != "deregister" {
		t.Errorf("unexpected response: %+v", resp.Data)
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		code   int
	}{
		{"unknown command", "/api/v1/circuits/eth0/liveness/reboot", nil, http.StatusUnprocessableEntity},
		{"client register is internal", "/api/v1/circuits/eth0/liveness/clientregister", nil, http.StatusUnprocessableEntity},
		{"unknown circuit", "/api/v1/circuits/eth9/liveness/register",
			fmt.Errorf("%w: %q", topology.ErrUnknownCircuit, "eth9"), http.StatusNotFound},
		{"unknown adjacency", "/api/v1/circuits/eth0/adjacencies/x/liveness/register",
			topology.ErrUnknownAdjacency, http.StatusNotFound},
		{"liveness disabled", "/api/v1/circuits/br0/liveness/register",
			daemon.ErrLivenessDisabled, http.StatusConflict},
		{"daemon stopped", "/api/v1/circuits/eth0/liveness/register",
			daemon.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newTestServer(&fakeBackend{err: tt.err}, nil), "POST", tt.target)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestCommandProblemBody(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		err      error
		kind     string
		circuit  string
		systemID string
	}{
		{"unknown adjacency", "/api/v1/circuits/eth0/adjacencies/0000.0000.0009/liveness/register",
			topology.ErrUnknownAdjacency, "unknown-adjacency", "eth0", "0000.0000.0009"},
		{"liveness disabled", "/api/v1/circuits/br0/liveness/update",
			daemon.ErrLivenessDisabled, "liveness-disabled", "br0", ""},
		{"backend failure", "/api/v1/circuits/eth0/liveness/register",
			fmt.Errorf("boom"), "internal", "eth0", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newTestServer(&fakeBackend{err: tt.err}, nil), "POST", tt.target)
			if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("content type = %q", ct)
			}
			var prob Problem
			if err := json.NewDecoder(w.Body).Decode(&prob); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if prob.Kind() != tt.kind {
				t.Errorf("type = %q, want kind %q", prob.Type, tt.kind)
			}
			if prob.Status != w.Code {
				t.Errorf("body status = %d, response status = %d", prob.Status, w.Code)
			}
			if prob.Circuit != tt.circuit || prob.SystemID != tt.systemID {
				t.Errorf("problem names %q/%q, want %q/%q", prob.Circuit, prob.SystemID, tt.circuit, tt.systemID)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	w := serve(newTestServer(&fakeBackend{}, nil), "GET", "/api/v1/circuits/eth0/liveness/update")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestRecoverFromPanic(t *testing.T) {
	b := &fakeBackend{panicOn: "eth0"}
	w := serve(newTestServer(b, nil), "POST", "/api/v1/circuits/eth0/liveness/update")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCommandRateLimit(t *testing.T) {
	limiter, err := NewLimiter(2, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	defer limiter.Close()

	b := &fakeBackend{snapshot: sampleSnapshot()}
	h := newTestServer(b, limiter)
	for i := 0; i < 2; i++ {
		if w := serve(h, "POST", "/api/v1/circuits/eth0/liveness/update"); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, w.Code)
		}
	}

	w := serve(h, "POST", "/api/v1/circuits/eth0/liveness/update")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if len(b.calls) != 2 {
		t.Errorf("backend saw %d commands, want 2", len(b.calls))
	}

	// Reads are not limited.
	if w := serve(h, "GET", "/api/v1/adjacencies"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
