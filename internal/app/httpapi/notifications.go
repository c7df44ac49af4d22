package httpapi

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/httputil"
)

func (h *handler) notificationRoutes(api *mux.Router) {
	api.HandleFunc("/notifications", h.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read", h.markNotificationsRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/preferences", h.preferences).Methods(http.MethodGet)
	api.HandleFunc("/notifications/preferences", h.updatePreferences).Methods(http.MethodPut)

	api.HandleFunc("/push/vapid-key", h.vapidKey).Methods(http.MethodGet)
	api.HandleFunc("/push/subscriptions", h.subscribePush).Methods(http.MethodPost)
	api.HandleFunc("/push/subscriptions", h.unsubscribePush).Methods(http.MethodDelete)

	api.HandleFunc("/email/unsubscribe", h.unsubscribeEmail).Methods(http.MethodGet, http.MethodPost)
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	list, err := h.app.Notify.List(r.Context(), userID(r), unreadOnly, queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

// markNotificationsRead marks the listed ids, or everything when ids is
// empty.
func (h *handler) markNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	me := userID(r)
	n, err := h.app.Notify.MarkRead(r.Context(), me, body.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.app.Unread.Refresh(r.Context(), me)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (h *handler) preferences(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Notify.Preferences(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *handler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var p database.NotificationPreferences
	if !h.decode(w, r, &p) {
		return
	}
	saved, err := h.app.Notify.UpdatePreferences(r.Context(), userID(r), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, saved)
}

func (h *handler) vapidKey(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"enabled":    h.app.Push.Enabled(),
		"public_key": h.app.Push.PublicKey(),
	})
}

// pushSubscriptionBody mirrors the browser's PushSubscription.toJSON().
type pushSubscriptionBody struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
}

func (h *handler) subscribePush(w http.ResponseWriter, r *http.Request) {
	var body pushSubscriptionBody
	if !h.decode(w, r, &body) {
		return
	}
	sub, err := h.app.Push.Subscribe(r.Context(), userID(r), database.PushSubscription{
		Endpoint:  body.Endpoint,
		P256dh:    body.Keys.P256dh,
		Auth:      body.Keys.Auth,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sub)
}

func (h *handler) unsubscribePush(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.app.Push.Unsubscribe(r.Context(), userID(r), body.Endpoint); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var unsubscribedPage = template.Must(template.New("unsubscribed").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body><p>{{.}}</p></body></html>
`))

// unsubscribeEmail handles the signed link in notification emails. GET
// serves a page for people clicking the link; POST answers one-click
// List-Unsubscribe requests from mail clients.
func (h *handler) unsubscribeEmail(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			token = r.PostForm.Get("token")
		}
	}
	_, err := h.app.Email.Unsubscribe(r.Context(), token)

	if r.Method == http.MethodPost {
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	msg := "You will no longer receive notification emails from Plaza."
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		msg = "This unsubscribe link is invalid or has expired."
	}
	_ = unsubscribedPage.Execute(w, msg)
}
