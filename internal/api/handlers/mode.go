package handlers

import (
	"net/http"

	"github.com/metahuman-os/metahuman/internal/api/middleware"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// GetMode reports the process-wide cognitive mode and its version.
func (h *Handlers) GetMode(w http.ResponseWriter, r *http.Request) {
	mode, version := h.Mode.Mode()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":         mode,
		"version":      version,
		"highSecurity": h.Config.HighSecurity,
	})
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

// SetMode switches the cognitive mode.
func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	var req setModeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.Mode.SetMode(models.CognitiveMode(req.Mode)); err != nil {
		respondCoreError(w, err)
		return
	}

	mode, version := h.Mode.Mode()
	h.Auditor.Action("mode_changed", uc.Username(), map[string]string{
		"mode": string(mode),
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"mode":    mode,
		"version": version,
	})
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version reports the running core version.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Config.Version,
	})
}
