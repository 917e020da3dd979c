package httpapi

import (
	"net/http"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/services/payout"
)

func (h *handler) estimatePayout(w http.ResponseWriter, r *http.Request) {
	var req payout.EstimateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	estimate, err := h.svc.Payouts.Estimate(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, estimate)
}

func (h *handler) getPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Payouts.Get(r.Context(), vars(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *handler) listPayouts(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	status := treasury.PayoutStatus(r.URL.Query().Get("status"))
	switch status {
	case "", treasury.PayoutPending, treasury.PayoutProcessing, treasury.PayoutCompleted, treasury.PayoutFailed, treasury.PayoutCancelled:
	default:
		httputil.WriteError(w, r, errors.InvalidInput("status", "unknown payout status "+string(status)))
		return
	}
	payouts, err := h.svc.Payouts.List(r.Context(), status, limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

func (h *handler) listNetworks(w http.ResponseWriter, r *http.Request) {
	var names []string
	if h.svc.Networks != nil {
		names = h.svc.Networks.Names()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"networks": names})
}

func (h *handler) chainStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Payouts.CheckStatus(r.Context(), vars(r, "hash"), vars(r, "network"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}
