// Package health serves the liveness and readiness probes on the
// operational endpoint.
//
// /healthz reports process liveness and, when a source is wired, the
// session's current turn state. /readyz evaluates the registered dependency
// checks and answers 503 when any of them fails.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency of the voice session. Check returns nil
// while the dependency can serve.
type Checker struct {
	// Name labels the check in the JSON response ("logstore", "session").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction; an optional turn-state source can be attached before the
// handler is registered.
type Handler struct {
	checkers  []Checker
	turnState func() string
}

// New builds a handler over the given dependency checks.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// ReportTurnState attaches a turn-state source. Both probes include its
// value, so an operator can see what the conversation is doing at a glance.
func (h *Handler) ReportTurnState(fn func() string) {
	h.turnState = fn
}

// response is the JSON body shared by both probes.
type response struct {
	Status    string            `json:"status"`
	TurnState string            `json:"turn_state,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Healthz reports liveness: a process that answers is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := response{Status: "ok"}
	if h.turnState != nil {
		res.TurnState = h.turnState()
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz runs every check under its own deadline, in registration order, and
// reports 503 once any dependency cannot be relied on.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := response{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		if err := runCheck(r.Context(), c); err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}
	if h.turnState != nil {
		res.TurnState = h.turnState()
	}
	writeJSON(w, status, res)
}

func runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register adds both probes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
