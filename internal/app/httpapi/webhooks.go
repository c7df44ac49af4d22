package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/httputil"
)

// maxWebhookBody bounds webhook payloads; inbound mail can be large.
const maxWebhookBody = 10 << 20

func (h *handler) webhookRoutes(api *mux.Router) {
	api.HandleFunc("/webhooks/mux", h.muxWebhook).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/inbound", h.inboundWebhook).Methods(http.MethodPost)
}

func (h *handler) muxWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, maxWebhookBody)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook payload too large", nil)
		return
	}
	if err := h.app.Livestream.HandleWebhook(r.Context(), r.Header.Get("Mux-Signature"), body); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// inboundWebhook accepts mail from the inbound provider. The shared secret
// comes from the X-Inbound-Secret header or the ?secret= query parameter.
// Mail that is dropped is still acknowledged so the provider stops retrying.
func (h *handler) inboundWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, maxWebhookBody)
	if err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Inbound payload too large", nil)
		return
	}
	secret := r.Header.Get("X-Inbound-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	post, err := h.app.Inbound.HandleInbound(r.Context(), secret, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if post == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "posted", "post_id": post.ID})
}
