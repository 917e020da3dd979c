package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
)

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	entries, err := h.svc.Ledger.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func auditFilter(r *http.Request) (treasury.AuditFilter, error) {
	q := r.URL.Query()
	filter := treasury.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		WalletID:   q.Get("wallet_id"),
		Action:     treasury.AuditAction(q.Get("action")),
	}

	limit, err := httputil.QueryInt(r, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	if raw := q.Get("after_seq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return filter, errors.InvalidInput("after_seq", "must be a non-negative integer")
		}
		filter.AfterSeq = seq
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.InvalidInput("since", "must be an RFC 3339 timestamp")
		}
		filter.Since = since.UTC()
	}
	return filter, nil
}

func (h *handler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Ledger.Verify(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if !report.Valid {
		h.log.WithContext(r.Context()).WithField("broken_at", report.BrokenAt).Error("Audit chain verification failed")
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}
