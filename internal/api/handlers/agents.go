package handlers

import (
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/api/middleware"
	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// ListAgents returns the live agent records. Owners see every user's
// agents; everyone else only their own.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	filter := uc.Username()
	if uc.Role == models.RoleOwner {
		filter = r.URL.Query().Get("user")
	}
	records := h.Registry.List(filter)
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": records})
}

type agentControlRequest struct {
	Action string `json:"action"`
	Agent  string `json:"agent,omitempty"`
}

// AgentControl handles lifecycle actions: stop one agent, stop all,
// or restart the core process.
func (h *Handlers) AgentControl(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	var req agentControlRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch req.Action {
	case "stop":
		if req.Agent == "" {
			respondCoreError(w, coreerr.New(coreerr.Validation, "agent name is required"))
			return
		}
		if err := h.Spawner.Stop(uc.Username(), req.Agent); err != nil {
			respondCoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})

	case "stop-all":
		if err := h.Spawner.StopAll(r.Context()); err != nil {
			respondCoreError(w, err)
			return
		}
		h.Auditor.Action("agents_stopped_all", uc.Username(), nil)
		respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})

	case "restart-core":
		h.Auditor.Action("core_restart_requested", uc.Username(), nil)
		respondJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
		// Let the response flush, then trigger the normal shutdown
		// path; the supervisor brings the core back up.
		go func() {
			time.Sleep(250 * time.Millisecond)
			if h.Shutdown != nil {
				h.Shutdown()
				return
			}
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}()

	default:
		respondCoreError(w, coreerr.New(coreerr.Validation, "unknown action %q", req.Action))
	}
}

// AgentLogs tails one agent's output as SSE: recent history first,
// then live lines until the agent exits or the client disconnects.
func (h *Handlers) AgentLogs(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())
	name := chi.URLParam(r, "name")

	buf := h.Spawner.Logs(uc.Username(), name)
	if buf == nil {
		respondCoreError(w, coreerr.New(coreerr.NotFound, "no running agent %q", name))
		return
	}

	send, ok := sseStream(w)
	if !ok {
		return
	}

	for _, entry := range buf.Recent(200) {
		if err := send("log", entry); err != nil {
			return
		}
	}

	ch := buf.Subscribe()
	defer buf.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, open := <-ch:
			if !open {
				send("complete", map[string]string{"status": "agent exited"})
				return
			}
			if err := send("log", entry); err != nil {
				log.Debug().Str("agent", name).Msg("Log tail client gone")
				return
			}
		}
	}
}
