package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/app/services/unread"
	"github.com/plaza-social/plaza/internal/httputil"
)

func (h *handler) messagingRoutes(api *mux.Router) {
	api.HandleFunc("/threads", h.listThreads).Methods(http.MethodGet)
	api.HandleFunc("/threads", h.openThread).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/accept", h.acceptThread).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/decline", h.declineThread).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/messages", h.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/messages", h.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/read", h.markThreadRead).Methods(http.MethodPost)
	api.HandleFunc("/unread", h.unreadCounts).Methods(http.MethodGet)
	api.HandleFunc("/realtime", h.realtime).Methods(http.MethodGet)
}

func (h *handler) listThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.app.Messaging.ListThreads(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, threads)
}

// openThread returns the thread with the given user, creating it (or a
// message request) when none exists.
func (h *handler) openThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if body.UserID == "" {
		httputil.BadRequest(w, r, "user_id is required")
		return
	}
	me := userID(r)
	thread, created, err := h.app.Messaging.EnsureThread(r.Context(), me, body.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.app.Unread.Schedule(body.UserID, unread.TriggerLocal)
	}
	httputil.WriteJSON(w, status, thread)
}

func (h *handler) acceptThread(w http.ResponseWriter, r *http.Request) {
	thread, err := h.app.Messaging.AcceptThread(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.app.Unread.Schedule(userID(r), unread.TriggerLocal)
	httputil.WriteJSON(w, http.StatusOK, thread)
}

func (h *handler) declineThread(w http.ResponseWriter, r *http.Request) {
	thread, err := h.app.Messaging.DeclineThread(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.app.Unread.Schedule(userID(r), unread.TriggerLocal)
	httputil.WriteJSON(w, http.StatusOK, thread)
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	before, err := queryBefore(r)
	if err != nil {
		httputil.BadRequest(w, r, "before must be an RFC3339 timestamp")
		return
	}
	msgs, err := h.app.Messaging.ListMessages(r.Context(), userID(r), pathVar(r, "id"), before, queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, msgs)
}

func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body string `json:"body"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	msg, err := h.app.Messaging.AppendMessage(r.Context(), userID(r), pathVar(r, "id"), body.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, msg)
}

func (h *handler) markThreadRead(w http.ResponseWriter, r *http.Request) {
	me := userID(r)
	at, err := h.app.Messaging.MarkAsRead(r.Context(), me, pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The reader's badge should drop right away rather than after the
	// debounce window.
	h.app.Unread.Refresh(r.Context(), me)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"last_read_at": at})
}

func (h *handler) unreadCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.app.Unread.Counts(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, counts)
}

func (h *handler) realtime(w http.ResponseWriter, r *http.Request) {
	h.app.Hub.ServeWS(w, r, userID(r))
}
