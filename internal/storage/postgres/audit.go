package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

const auditColumns = `id, sequence, timestamp, action, actor, entity_type, entity_id, wallet_id, details, ip_address,
	user_agent, prev_hash, hash`

type auditRow struct {
	ID         string               `db:"id"`
	Sequence   int64                `db:"sequence"`
	Timestamp  time.Time            `db:"timestamp"`
	Action     treasury.AuditAction `db:"action"`
	Actor      string               `db:"actor"`
	EntityType string               `db:"entity_type"`
	EntityID   string               `db:"entity_id"`
	WalletID   string               `db:"wallet_id"`
	Details    treasury.Metadata    `db:"details"`
	IPAddress  string               `db:"ip_address"`
	UserAgent  string               `db:"user_agent"`
	PrevHash   string               `db:"prev_hash"`
	Hash       string               `db:"hash"`
}

func (r auditRow) entry() *treasury.AuditEntry {
	return &treasury.AuditEntry{
		ID:         r.ID,
		Sequence:   r.Sequence,
		Timestamp:  utc(r.Timestamp),
		Action:     r.Action,
		Actor:      r.Actor,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		WalletID:   r.WalletID,
		Details:    r.Details,
		IPAddress:  r.IPAddress,
		UserAgent:  r.UserAgent,
		PrevHash:   r.PrevHash,
		Hash:       r.Hash,
	}
}

func (s *Store) AppendAudit(ctx context.Context, e *treasury.AuditEntry) error {
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES (:id, :sequence, :timestamp, :action, :actor, :entity_type, :entity_id, :wallet_id, :details,
			:ip_address, :user_agent, :prev_hash, :hash)
	`, auditRow{
		ID:         e.ID,
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp,
		Action:     e.Action,
		Actor:      e.Actor,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		WalletID:   e.WalletID,
		Details:    e.Details,
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		PrevHash:   e.PrevHash,
		Hash:       e.Hash,
	})
	return mapErr(err)
}

func (s *Store) LastAudit(ctx context.Context) (*treasury.AuditEntry, error) {
	var row auditRow
	if err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+auditColumns+` FROM audit_entries ORDER BY sequence DESC LIMIT 1`); err != nil {
		return nil, mapErr(err)
	}
	return row.entry(), nil
}

func (s *Store) ListAudit(ctx context.Context, filter treasury.AuditFilter) ([]*treasury.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AfterSeq > 0 {
		add("sequence > $%d", filter.AfterSeq)
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.WalletID != "" {
		add("wallet_id = $%d", filter.WalletID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence" + limitClause(filter.Limit)

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*treasury.AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

// LockAuditChain takes a transaction-scoped advisory lock so appends from
// several instances extend the chain one at a time.
func (s *Store) LockAuditChain(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockKey)
	return mapErr(err)
}
