package httpapi

import (
	"context"
	"net/http"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/services/registry"
)

func (h *handler) createWallet(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	req.CreatedBy = actor(r)

	wallet, err := h.svc.Registry.CreateWallet(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, wallet)
}

func (h *handler) listWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.svc.Registry.ListWallets(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"wallets": wallets})
}

type walletView struct {
	*treasury.TreasuryWallet
	Limits *treasury.SpendLimits `json:"limits,omitempty"`
}

func (h *handler) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.svc.Registry.GetWallet(r.Context(), vars(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	view := walletView{TreasuryWallet: wallet}
	if limits, err := h.svc.Registry.Limits(wallet.SecurityTier); err == nil {
		view.Limits = &limits
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

type statusRequest struct {
	Status treasury.WalletStatus `json:"status"`
	Reason string                `json:"reason"`
}

func (h *handler) setWalletStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	wallet, err := h.svc.Registry.SetStatus(r.Context(), vars(r, "id"), req.Status, actor(r), req.Reason)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *handler) refreshWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.svc.Registry.RefreshBalances(r.Context(), vars(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *handler) getControls(w http.ResponseWriter, r *http.Request) {
	controls, err := h.svc.Registry.Controls(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, controls)
}

// controlRequest halts or resumes one wallet, or the whole treasury when
// WalletID is empty.
type controlRequest struct {
	WalletID string `json:"wallet_id,omitempty"`
	Reason   string `json:"reason"`
}

func (h *handler) halt(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.svc.Registry.Halt)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.svc.Registry.Resume)
}

func (h *handler) control(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, walletID, actor, reason string) error) {
	var req controlRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if err := apply(r.Context(), req.WalletID, actor(r), req.Reason); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.WalletID != "" {
		h.getWalletByID(w, r, req.WalletID)
		return
	}
	h.getControls(w, r)
}

func (h *handler) getWalletByID(w http.ResponseWriter, r *http.Request, id string) {
	wallet, err := h.svc.Registry.GetWallet(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}
