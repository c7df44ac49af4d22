package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/app/services/livestream"
	"github.com/plaza-social/plaza/internal/httputil"
)

func (h *handler) eventRoutes(api *mux.Router) {
	api.HandleFunc("/events", h.upcomingEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", h.createEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/{id}", h.event).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}/end", h.endEvent).Methods(http.MethodPost)
}

func (h *handler) upcomingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.app.Livestream.Upcoming(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

func (h *handler) createEvent(w http.ResponseWriter, r *http.Request) {
	var in livestream.EventInput
	if !h.decode(w, r, &in) {
		return
	}
	ev, err := h.app.Livestream.CreateEvent(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, ev)
}

func (h *handler) event(w http.ResponseWriter, r *http.Request) {
	ev, err := h.app.Livestream.GetEvent(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ev)
}

func (h *handler) endEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.app.Livestream.EndEvent(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ev)
}
