package handler

import (
	"net/http"

	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/middleware"
	"ppegate/internal/service"
)

// GateStateHandler returns the committed gate state.
func GateStateHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, manager.GateState())
	}
}

// SetOverrideHandler suspends automatic control and flips the gate.
func SetOverrideHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.OverrideRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, logger, http.StatusBadRequest, "invalid request body")
			return
		}

		state, err := manager.SetOverride(r.Context(), middleware.OperatorID(r.Context()), req.Note)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, state)
	}
}

// ClearOverrideHandler hands the gate back to automatic control.
func ClearOverrideHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := manager.ClearOverride(r.Context(), middleware.OperatorID(r.Context()))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, state)
	}
}

// ToggleGateHandler flips the gate while override is active.
func ToggleGateHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := manager.ToggleGate(r.Context(), middleware.OperatorID(r.Context()))
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, state)
	}
}
