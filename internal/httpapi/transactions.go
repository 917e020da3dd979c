package httpapi

import (
	"net/http"
	"strings"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/services/multisig"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxBatchSize    = 50
)

func (h *handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req multisig.CreateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	req.CreatedBy = actor(r)

	tx, err := h.svc.Engine.Create(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, tx)
}

func (h *handler) listPending(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	txs, err := h.svc.Engine.ListPending(r.Context(), r.URL.Query().Get("wallet_id"), limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (h *handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	filter := treasury.TransactionFilter{WalletID: r.URL.Query().Get("wallet_id"), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := treasury.TransactionStatus(strings.TrimSpace(s))
			if !status.Valid() {
				httputil.WriteError(w, r, errors.InvalidInput("status", "unknown transaction status "+string(status)))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	txs, err := h.svc.Engine.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.Engine.Get(r.Context(), vars(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tx)
}

func (h *handler) signTransaction(w http.ResponseWriter, r *http.Request) {
	var req multisig.SignRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if req.SignerIdentity == "" {
		req.SignerIdentity = actor(r)
	}

	tx, err := h.svc.Engine.Sign(r.Context(), vars(r, "id"), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tx)
}

// executeTransaction answers 200 once the payout is final and 202 while it
// still awaits confirmations.
func (h *handler) executeTransaction(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Engine.Execute(r.Context(), vars(r, "id"), actor(r))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Status != treasury.TxExecuted {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, result)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) rejectTransaction(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	tx, err := h.svc.Engine.Reject(r.Context(), vars(r, "id"), actor(r), req.Reason)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tx)
}

type batchRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
}

func (h *handler) executeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if len(req.TransactionIDs) == 0 || len(req.TransactionIDs) > maxBatchSize {
		httputil.WriteError(w, r, errors.InvalidInput("transaction_ids", "must list between 1 and 50 transactions"))
		return
	}
	results := h.svc.Engine.ExecuteBatch(r.Context(), req.TransactionIDs, actor(r))
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}
