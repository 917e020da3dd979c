package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

const payoutColumns = `id, source_id, wallet_id, from_address, to_address, amount, currency, network, nonce, status,
	tx_hash, raw_transaction, gas_used, gas_price, block_number, confirmations, error, requested_by, submitted_at,
	completed_at, created_at, updated_at`

type payoutRow struct {
	ID             string                `db:"id"`
	SourceID       string                `db:"source_id"`
	WalletID       string                `db:"wallet_id"`
	FromAddress    string                `db:"from_address"`
	ToAddress      string                `db:"to_address"`
	Amount         decimal.Decimal       `db:"amount"`
	Currency       string                `db:"currency"`
	Network        string                `db:"network"`
	Nonce          int64                 `db:"nonce"`
	Status         treasury.PayoutStatus `db:"status"`
	TxHash         string                `db:"tx_hash"`
	RawTransaction string                `db:"raw_transaction"`
	GasUsed        int64                 `db:"gas_used"`
	GasPrice       decimal.Decimal       `db:"gas_price"`
	BlockNumber    int64                 `db:"block_number"`
	Confirmations  int64                 `db:"confirmations"`
	Error          string                `db:"error"`
	RequestedBy    string                `db:"requested_by"`
	SubmittedAt    *time.Time            `db:"submitted_at"`
	CompletedAt    *time.Time            `db:"completed_at"`
	CreatedAt      time.Time             `db:"created_at"`
	UpdatedAt      time.Time             `db:"updated_at"`
}

func payoutRowOf(p *treasury.PayoutTransaction) payoutRow {
	return payoutRow{
		ID:             p.ID,
		SourceID:       p.SourceID,
		WalletID:       p.WalletID,
		FromAddress:    p.FromAddress,
		ToAddress:      p.ToAddress,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Network:        p.Network,
		Nonce:          int64(p.Nonce),
		Status:         p.Status,
		TxHash:         p.TxHash,
		RawTransaction: p.RawTransaction,
		GasUsed:        int64(p.GasUsed),
		GasPrice:       p.GasPrice,
		BlockNumber:    int64(p.BlockNumber),
		Confirmations:  int64(p.Confirmations),
		Error:          p.Error,
		RequestedBy:    p.RequestedBy,
		SubmittedAt:    p.SubmittedAt,
		CompletedAt:    p.CompletedAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (r payoutRow) payout() *treasury.PayoutTransaction {
	return &treasury.PayoutTransaction{
		ID:             r.ID,
		SourceID:       r.SourceID,
		WalletID:       r.WalletID,
		FromAddress:    r.FromAddress,
		ToAddress:      r.ToAddress,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Network:        r.Network,
		Nonce:          uint64(r.Nonce),
		Status:         r.Status,
		TxHash:         r.TxHash,
		RawTransaction: r.RawTransaction,
		GasUsed:        uint64(r.GasUsed),
		GasPrice:       r.GasPrice,
		BlockNumber:    uint64(r.BlockNumber),
		Confirmations:  uint64(r.Confirmations),
		Error:          r.Error,
		RequestedBy:    r.RequestedBy,
		SubmittedAt:    utcPtr(r.SubmittedAt),
		CompletedAt:    utcPtr(r.CompletedAt),
		CreatedAt:      utc(r.CreatedAt),
		UpdatedAt:      utc(r.UpdatedAt),
	}
}

func (s *Store) CreatePayout(ctx context.Context, p *treasury.PayoutTransaction) error {
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO payout_transactions (`+payoutColumns+`)
		VALUES (:id, :source_id, :wallet_id, :from_address, :to_address, :amount, :currency, :network, :nonce,
			:status, :tx_hash, :raw_transaction, :gas_used, :gas_price, :block_number, :confirmations, :error,
			:requested_by, :submitted_at, :completed_at, :created_at, :updated_at)
	`, payoutRowOf(p))
	return mapErr(err)
}

func (s *Store) UpdatePayout(ctx context.Context, p *treasury.PayoutTransaction) error {
	res, err := sqlx.NamedExecContext(ctx, s.q, `
		UPDATE payout_transactions
		SET status = :status, tx_hash = :tx_hash, raw_transaction = :raw_transaction, gas_used = :gas_used,
			block_number = :block_number, confirmations = :confirmations, error = :error,
			submitted_at = :submitted_at, completed_at = :completed_at, updated_at = :updated_at
		WHERE id = :id
	`, payoutRowOf(p))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) GetPayout(ctx context.Context, id string) (*treasury.PayoutTransaction, error) {
	var row payoutRow
	if err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+payoutColumns+` FROM payout_transactions WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return row.payout(), nil
}

func (s *Store) GetPayoutBySource(ctx context.Context, sourceID string) (*treasury.PayoutTransaction, error) {
	var row payoutRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT `+payoutColumns+` FROM payout_transactions WHERE source_id = $1 AND source_id <> ''
	`, sourceID)
	if err != nil {
		return nil, mapErr(err)
	}
	return row.payout(), nil
}

func (s *Store) ListPayouts(ctx context.Context, status treasury.PayoutStatus, limit int) ([]*treasury.PayoutTransaction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_transactions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at` + limitClause(limit)

	var rows []payoutRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*treasury.PayoutTransaction, len(rows))
	for i, r := range rows {
		out[i] = r.payout()
	}
	return out, nil
}
