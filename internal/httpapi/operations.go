package httpapi

import (
	"net/http"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/services/operations"
)

func (h *handler) createOperation(w http.ResponseWriter, r *http.Request) {
	var req operations.CreateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	req.RequestedBy = actor(r)

	op, err := h.svc.Operations.Create(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, op)
}

func (h *handler) listOperations(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	ops, err := h.svc.Operations.List(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (h *handler) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.svc.Operations.Get(r.Context(), vars(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, op)
}

type checkRequest struct {
	Type     treasury.ComplianceCheckType `json:"type"`
	Status   treasury.ComplianceStatus    `json:"status"`
	Score    int                          `json:"score"`
	Provider string                       `json:"provider,omitempty"`
	Details  treasury.Metadata            `json:"details,omitempty"`
}

func (h *handler) recordCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	op, err := h.svc.Operations.RecordCheck(r.Context(), vars(r, "id"), treasury.ComplianceCheck{
		Type:      req.Type,
		Status:    req.Status,
		Score:     req.Score,
		Provider:  req.Provider,
		Details:   req.Details,
		CheckedBy: actor(r),
	})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, op)
}
