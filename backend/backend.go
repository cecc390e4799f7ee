// Package backend serves the ground-support HTTP surface: current
// rocket state, recent filtered dynamics and flight events, plus a
// frame decoder for inspecting logged packets.
package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/CarletonURocketry/inspace-telem/monitoring"
	"github.com/CarletonURocketry/inspace-telem/packets"
	"github.com/CarletonURocketry/inspace-telem/state"
	"github.com/CarletonURocketry/inspace-telem/storage"
)

var rocketState *state.State

// SetState hands the shared state record to the HTTP handlers.
func SetState(st *state.State) { rocketState = st }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StateHandler reports the current flight state record.
func StateHandler(w http.ResponseWriter, r *http.Request) {
	if rocketState == nil {
		writeError(w, http.StatusServiceUnavailable, "state not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flight_state": rocketState.FlightState().String(),
		"substate":     rocketState.Substate().String(),
		"elevation_mm": rocketState.ElevationMM(),
	})
}

// DynamicsHandler returns recent filtered dynamics snapshots, newest
// first. Query param limit caps the result (default 100).
func DynamicsHandler(w http.ResponseWriter, r *http.Request) {
	s := storage.Get()
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	recent, err := s.RecentDynamics(limit)
	if err != nil {
		monitoring.Errorf("api_dynamics err=%v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

// EventsHandler returns all flight events in mission-time order.
func EventsHandler(w http.ResponseWriter, r *http.Request) {
	s := storage.Get()
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}
	events, err := s.Events()
	if err != nil {
		monitoring.Errorf("api_events err=%v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// DecodeFrameHandler parses a raw frame from the request body into its
// decoded form, for inspecting extracted logs.
func DecodeFrameHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, packets.MaxPacketSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read failed")
		return
	}
	if len(raw) > packets.MaxPacketSize {
		writeError(w, http.StatusBadRequest, "frame exceeds maximum size")
		return
	}
	frame, err := packets.ParseFrame(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, frame)
}
