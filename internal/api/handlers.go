package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pobradovic08/isis-bfd/internal/daemon"
	"github.com/pobradovic08/isis-bfd/internal/liveness"
)

type handlers struct {
	backend   Backend
	logger    *slog.Logger
	startedAt time.Time
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	daemon.Health
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// CommandResponse acknowledges a liveness command.
type CommandResponse struct {
	Circuit  string `json:"circuit"`
	SystemID string `json:"system_id,omitempty"`
	Command  string `json:"command"`
}

// getHealth handles GET /api/v1/health.
func (h *handlers) getHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.backend.Health(r.Context())
	if err != nil {
		writeProblem(w, daemonUnavailable())
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Health:        health,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// listAdjacencies handles GET /api/v1/adjacencies. The optional circuit
// and liveness query parameters filter the result.
func (h *handlers) listAdjacencies(w http.ResponseWriter, r *http.Request) {
	circuit := r.URL.Query().Get("circuit")
	state := r.URL.Query().Get("liveness")
	switch state {
	case "", "up", "down", "none":
	default:
		writeProblem(w, invalidParam("liveness", "Must be 'up', 'down' or 'none'."))
		return
	}

	snap, err := h.backend.Snapshot(r.Context())
	if err != nil {
		writeProblem(w, daemonUnavailable())
		return
	}

	out := make([]daemon.AdjacencyStatus, 0, len(snap))
	for _, adj := range snap {
		if circuit != "" && adj.Circuit != circuit {
			continue
		}
		if state != "" && adj.Liveness != state {
			continue
		}
		out = append(out, adj)
	}
	writeJSON(w, http.StatusOK, struct {
		Data []daemon.AdjacencyStatus `json:"data"`
	}{Data: out})
}

// circuitCommand handles POST /api/v1/circuits/{circuit}/liveness/{command}.
func (h *handlers) circuitCommand(w http.ResponseWriter, r *http.Request) {
	circuit := r.PathValue("circuit")
	cmd, ok := parseCommand(w, r)
	if !ok {
		return
	}
	err := h.backend.CircuitCommand(r.Context(), circuit, cmd)
	h.commandResult(w, r, err, CommandResponse{Circuit: circuit, Command: r.PathValue("command")})
}

// adjacencyCommand handles
// POST /api/v1/circuits/{circuit}/adjacencies/{systemId}/liveness/{command}.
func (h *handlers) adjacencyCommand(w http.ResponseWriter, r *http.Request) {
	circuit := r.PathValue("circuit")
	systemID := r.PathValue("systemId")
	cmd, ok := parseCommand(w, r)
	if !ok {
		return
	}
	err := h.backend.AdjacencyCommand(r.Context(), circuit, systemID, cmd)
	h.commandResult(w, r, err, CommandResponse{
		Circuit:  circuit,
		SystemID: systemID,
		Command:  r.PathValue("command"),
	})
}

func parseCommand(w http.ResponseWriter, r *http.Request) (liveness.CommandKind, bool) {
	cmd, err := liveness.ParseCommandKind(r.PathValue("command"))
	if err != nil {
		writeProblem(w, invalidParam("command", "Must be 'register', 'deregister' or 'update'."))
		return 0, false
	}
	return cmd, true
}

func (h *handlers) commandResult(w http.ResponseWriter, r *http.Request, err error, resp CommandResponse) {
	if err == nil {
		h.logger.Info("liveness command accepted",
			"circuit", resp.Circuit,
			"system_id", resp.SystemID,
			"command", resp.Command,
			"client_ip", clientIP(r),
		)
		writeJSON(w, http.StatusAccepted, struct {
			Data CommandResponse `json:"data"`
		}{Data: resp})
		return
	}
	p := commandProblem(err, resp.Circuit, resp.SystemID)
	if p.Status == http.StatusInternalServerError {
		h.logger.Error("liveness command failed", "command", resp.Command, "error", err)
	}
	writeProblem(w, p)
}
