// Package handlers implements the HTTP handlers for the MetaHuman core.
// Handlers execute against the request-local user context only; every
// filesystem decision goes through the storage router.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/agents"
	"github.com/metahuman-os/metahuman/internal/audit"
	"github.com/metahuman-os/metahuman/internal/config"
	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/internal/identity"
	"github.com/metahuman-os/metahuman/internal/modelserver"
	"github.com/metahuman-os/metahuman/internal/policy"
	"github.com/metahuman-os/metahuman/internal/storage"
	"github.com/metahuman-os/metahuman/internal/training"
	"github.com/metahuman-os/metahuman/internal/vault"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config    *config.Config
	Identity  *identity.Store
	Router    *storage.Router
	Auditor   *audit.Auditor
	Mode      *policy.ModeHolder
	Keys      *vault.KeyCache
	Registry  *agents.Registry
	Spawner   *agents.Spawner
	Scheduler *agents.Scheduler
	Datasets  *training.Datasets
	Activator *training.Activator
	Cycles    *training.Orchestrator
	Model     *modelserver.Client

	// Shutdown asks the composition root for a graceful restart.
	Shutdown func()
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondCoreError translates a kinded error to its HTTP shape.
// Internal detail stays in the log.
func respondCoreError(w http.ResponseWriter, err error) {
	status := coreerr.HTTPStatus(err)
	if status >= 500 {
		log.Error().Err(err).Msg("Request failed")
	}
	body := map[string]string{
		"error":   string(coreerr.KindOf(err)),
		"message": coreerr.PublicMessage(err),
	}
	if reason := coreerr.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	respondJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ── SSE helpers ──────────────────────────────────────────────

// sseStream prepares an SSE response. Returns a send function writing
// one named event, or ok=false when the connection cannot stream.
func sseStream(w http.ResponseWriter) (func(event string, data interface{}) error, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return func(event string, data interface{}) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, true
}
