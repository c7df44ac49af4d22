package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/httputil"
)

func (h *handler) adminRoutes(admin *mux.Router) {
	admin.HandleFunc("/topups", h.pendingTopUps).Methods(http.MethodGet)
	admin.HandleFunc("/topups/{id}/review", h.reviewTopUp).Methods(http.MethodPost)
	admin.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{name}/run", h.runJob).Methods(http.MethodPost)
	admin.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)
}

func (h *handler) pendingTopUps(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Wallet.PendingTopUps(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) reviewTopUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approve bool   `json:"approve"`
		Note    string `json:"note"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	id := pathVar(r, "id")
	action := "topup.reject"
	if body.Approve {
		action = "topup.approve"
	}
	res, err := h.app.Wallet.ReviewTopUp(r.Context(), userID(r), id, body.Approve, body.Note)
	if err != nil {
		h.audit.record(r, action, id, statusOf(err))
		writeError(w, r, err)
		return
	}
	h.audit.record(r, action, id, http.StatusOK)
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string][]string{"jobs": h.app.Scheduler.Jobs()})
}

// runJob triggers a scheduled job immediately.
func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	name := pathVar(r, "name")
	n, err := h.app.Scheduler.RunNow(r.Context(), name)
	if err != nil {
		h.audit.record(r, "job.run", name, statusOf(err))
		writeError(w, r, err)
		return
	}
	h.audit.record(r, "job.run", name, http.StatusOK)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"job": name, "affected": n})
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.audit.listLimit(queryLimit(r)))
}
