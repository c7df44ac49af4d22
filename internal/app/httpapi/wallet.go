package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/plaza-social/plaza/internal/app/services/wallet"
	"github.com/plaza-social/plaza/internal/httputil"
)

func (h *handler) walletRoutes(api *mux.Router) {
	api.HandleFunc("/wallet", h.walletStatus).Methods(http.MethodGet)
	api.HandleFunc("/wallet/transactions", h.walletTransactions).Methods(http.MethodGet)
	api.HandleFunc("/wallet/topups", h.listTopUps).Methods(http.MethodGet)
	api.HandleFunc("/wallet/topups", h.submitTopUp).Methods(http.MethodPost)
	api.HandleFunc("/wallet/bonus", h.claimBonus).Methods(http.MethodPost)
	api.HandleFunc("/wallet/transfers", h.transfer).Methods(http.MethodPost)
}

func (h *handler) walletStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Wallet.Status(r.Context(), userID(r), time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *handler) walletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.app.Wallet.Transactions(r.Context(), userID(r), queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, txs)
}

func (h *handler) listTopUps(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Wallet.TopUps(r.Context(), userID(r), queryLimit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *handler) submitTopUp(w http.ResponseWriter, r *http.Request) {
	var req wallet.TopUpRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.app.Wallet.SubmitTopUp(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, t)
}

func (h *handler) claimBonus(w http.ResponseWriter, r *http.Request) {
	tx, err := h.app.Wallet.ClaimBonus(r.Context(), userID(r), time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tx)
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To     string `json:"to"`
		Amount int64  `json:"amount"`
		Reason string `json:"reason"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	tx, err := h.app.Wallet.Transfer(r.Context(), userID(r), body.To, body.Amount, body.Reason)
	if err != nil {
		h.audit.record(r, "wallet.transfer", body.To, statusOf(err))
		writeError(w, r, err)
		return
	}
	h.audit.record(r, "wallet.transfer", body.To, http.StatusCreated)
	httputil.WriteJSON(w, http.StatusCreated, tx)
}
