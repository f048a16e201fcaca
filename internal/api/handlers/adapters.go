package handlers

import (
	"net/http"

	"github.com/metahuman-os/metahuman/internal/api/middleware"
	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/internal/training"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// GetAdapters lists the caller's datasets and the active adapter
// record, if any.
func (h *Handlers) GetAdapters(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	datasets, err := h.Datasets.List(uc.User)
	if err != nil {
		respondCoreError(w, err)
		return
	}

	var active *models.ActiveAdapter
	if rec, err := h.Activator.ActiveAdapter(uc.User); err == nil {
		active = rec
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"datasets":     datasets,
		"active":       active,
		"cycleRunning": h.Cycles.Running(uc.Username()),
	})
}

type adapterActionRequest struct {
	Action string `json:"action"`
	Date   string `json:"date,omitempty"`
	Notes  string `json:"notes,omitempty"`
	Reason string `json:"reason,omitempty"`
	Dual   bool   `json:"dual,omitempty"`
	Load   bool   `json:"load,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// PostAdapters dispatches pipeline actions. fullCycle streams SSE
// progress; the other actions respond with plain JSON.
func (h *Handlers) PostAdapters(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	var req adapterActionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch req.Action {
	case "fullCycle":
		h.runFullCycle(w, r, req)

	case "cancelFullCycle":
		killed, err := h.Cycles.Cancel(r.Context(), uc.User)
		if err != nil {
			respondCoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "cancelled",
			"killed": killed,
		})

	case "approve":
		approval, err := h.Datasets.Approve(uc.User, req.Date, uc.Username(), req.Notes, false, req.DryRun)
		if err != nil {
			respondCoreError(w, err)
			return
		}
		h.Auditor.Action("dataset_approved", uc.Username(), map[string]string{"dataset": req.Date})
		respondJSON(w, http.StatusOK, map[string]interface{}{"approved": approval})

	case "reject":
		if err := h.Datasets.Reject(uc.User, req.Date, uc.Username(), req.Reason); err != nil {
			respondCoreError(w, err)
			return
		}
		h.Auditor.Action("dataset_rejected", uc.Username(), map[string]string{"dataset": req.Date})
		respondJSON(w, http.StatusOK, map[string]string{"status": "rejected"})

	case "activate":
		record, err := h.Activator.Activate(r.Context(), uc.User, training.ActivateOptions{
			Date:        req.Date,
			ActivatedBy: uc.Username(),
			Dual:        req.Dual,
			Load:        true,
		})
		if err != nil {
			respondCoreError(w, err)
			return
		}
		h.Auditor.Action("adapter_activated", uc.Username(), map[string]string{
			"dataset": req.Date,
			"status":  string(record.Status),
		})
		respondJSON(w, http.StatusOK, map[string]interface{}{"active": record})

	default:
		respondCoreError(w, coreerr.New(coreerr.Validation, "unknown action %q", req.Action))
	}
}

func (h *Handlers) runFullCycle(w http.ResponseWriter, r *http.Request, req adapterActionRequest) {
	uc := middleware.GetUserContext(r.Context())

	// A duplicate cycle should fail as a plain 409, not a broken
	// stream.
	if h.Cycles.Running(uc.Username()) {
		respondCoreError(w, coreerr.WithReason(coreerr.Conflict, "cycle_running",
			"a full cycle is already running"))
		return
	}

	send, ok := sseStream(w)
	if !ok {
		return
	}

	ctx := r.Context()
	err := h.Cycles.RunFullCycle(ctx, uc.User, training.FullCycleOptions{
		Date:        req.Date,
		StartedBy:   uc.Username(),
		AutoApprove: true,
		DryRun:      req.DryRun,
		Dual:        req.Dual,
		Load:        req.Load,
	}, func(ev models.ProgressEvent) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return send("progress", ev)
	})
	if err != nil {
		send("error", map[string]string{"error": coreerr.PublicMessage(err)})
		return
	}
	send("complete", map[string]string{"status": "ok"})
}
