package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/offlinepos/internal/engine"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

// StatusHandler reports engine state and drives manual connectivity.
type StatusHandler struct {
	engine *engine.Engine
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(e *engine.Engine) *StatusHandler {
	return &StatusHandler{engine: e}
}

// Status handles GET /local/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status(r.Context()))
}

// SetConnectivity handles POST /local/connectivity
// Body: {"online": bool}. Only available with the manual source.
func (h *StatusHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrInvalid, `body must be {"online": true|false}`))
		return
	}
	if !h.engine.SetOnline(*req.Online) {
		writeError(w, http.StatusConflict, apperrors.New(apperrors.ErrInvalid, "connectivity is probed, not set manually"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "online": *req.Online})
}
