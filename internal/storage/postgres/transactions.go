package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

const transactionColumns = `id, wallet_id, wallet_address, operation_id, purpose, to_address, amount, currency, network,
	status, required_signatures, current_signatures, nonce, fee, signing_hash, risk_score, expires_at, created_by,
	reason, metadata, payout_id, execution_hash, block_number, executed_by, executed_at, rejection_reason,
	created_at, updated_at`

// Statuses that still hold a nonce and count against spend limits.
var activeStatuses = []string{
	string(treasury.TxPending),
	string(treasury.TxPartiallySigned),
	string(treasury.TxFullySigned),
}

type transactionRow struct {
	ID                 string                      `db:"id"`
	WalletID           string                      `db:"wallet_id"`
	WalletAddress      string                      `db:"wallet_address"`
	OperationID        string                      `db:"operation_id"`
	Purpose            treasury.TransactionPurpose `db:"purpose"`
	ToAddress          string                      `db:"to_address"`
	Amount             decimal.Decimal             `db:"amount"`
	Currency           string                      `db:"currency"`
	Network            string                      `db:"network"`
	Status             treasury.TransactionStatus  `db:"status"`
	RequiredSignatures int                         `db:"required_signatures"`
	CurrentSignatures  int                         `db:"current_signatures"`
	Nonce              int64                       `db:"nonce"`
	Fee                treasury.FeeParams          `db:"fee"`
	SigningHash        string                      `db:"signing_hash"`
	RiskScore          int                         `db:"risk_score"`
	ExpiresAt          time.Time                   `db:"expires_at"`
	CreatedBy          string                      `db:"created_by"`
	Reason             string                      `db:"reason"`
	Metadata           treasury.Metadata           `db:"metadata"`
	PayoutID           string                      `db:"payout_id"`
	ExecutionHash      string                      `db:"execution_hash"`
	BlockNumber        int64                       `db:"block_number"`
	ExecutedBy         string                      `db:"executed_by"`
	ExecutedAt         *time.Time                  `db:"executed_at"`
	RejectionReason    string                      `db:"rejection_reason"`
	CreatedAt          time.Time                   `db:"created_at"`
	UpdatedAt          time.Time                   `db:"updated_at"`
}

func transactionRowOf(tx *treasury.MultiSigTransaction) transactionRow {
	return transactionRow{
		ID:                 tx.ID,
		WalletID:           tx.WalletID,
		WalletAddress:      tx.WalletAddress,
		OperationID:        tx.OperationID,
		Purpose:            tx.Purpose,
		ToAddress:          tx.ToAddress,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		Network:            tx.Network,
		Status:             tx.Status,
		RequiredSignatures: tx.RequiredSignatures,
		CurrentSignatures:  tx.CurrentSignatures,
		Nonce:              int64(tx.Nonce),
		Fee:                tx.Fee,
		SigningHash:        tx.SigningHash,
		RiskScore:          tx.RiskScore,
		ExpiresAt:          tx.ExpiresAt,
		CreatedBy:          tx.CreatedBy,
		Reason:             tx.Reason,
		Metadata:           tx.Metadata,
		PayoutID:           tx.PayoutID,
		ExecutionHash:      tx.ExecutionHash,
		BlockNumber:        int64(tx.BlockNumber),
		ExecutedBy:         tx.ExecutedBy,
		ExecutedAt:         tx.ExecutedAt,
		RejectionReason:    tx.RejectionReason,
		CreatedAt:          tx.CreatedAt,
		UpdatedAt:          tx.UpdatedAt,
	}
}

func (r transactionRow) transaction() *treasury.MultiSigTransaction {
	return &treasury.MultiSigTransaction{
		ID:                 r.ID,
		WalletID:           r.WalletID,
		WalletAddress:      r.WalletAddress,
		OperationID:        r.OperationID,
		Purpose:            r.Purpose,
		ToAddress:          r.ToAddress,
		Amount:             r.Amount,
		Currency:           r.Currency,
		Network:            r.Network,
		Status:             r.Status,
		RequiredSignatures: r.RequiredSignatures,
		CurrentSignatures:  r.CurrentSignatures,
		Signatures:         []treasury.MultiSigSignature{},
		Nonce:              uint64(r.Nonce),
		Fee:                r.Fee,
		SigningHash:        r.SigningHash,
		RiskScore:          r.RiskScore,
		ExpiresAt:          utc(r.ExpiresAt),
		CreatedBy:          r.CreatedBy,
		Reason:             r.Reason,
		Metadata:           r.Metadata,
		PayoutID:           r.PayoutID,
		ExecutionHash:      r.ExecutionHash,
		BlockNumber:        uint64(r.BlockNumber),
		ExecutedBy:         r.ExecutedBy,
		ExecutedAt:         utcPtr(r.ExecutedAt),
		RejectionReason:    r.RejectionReason,
		CreatedAt:          utc(r.CreatedAt),
		UpdatedAt:          utc(r.UpdatedAt),
	}
}

type signatureRow struct {
	TransactionID  string    `db:"transaction_id"`
	Position       int       `db:"position"`
	SignerIdentity string    `db:"signer_identity"`
	SignerAddress  string    `db:"signer_address"`
	Signature      string    `db:"signature"`
	SignedAt       time.Time `db:"signed_at"`
	IPAddress      string    `db:"ip_address"`
	UserAgent      string    `db:"user_agent"`
}

func (s *Store) CreateTransaction(ctx context.Context, tx *treasury.MultiSigTransaction) error {
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO multisig_transactions (`+transactionColumns+`)
		VALUES (:id, :wallet_id, :wallet_address, :operation_id, :purpose, :to_address, :amount, :currency, :network,
			:status, :required_signatures, :current_signatures, :nonce, :fee, :signing_hash, :risk_score, :expires_at,
			:created_by, :reason, :metadata, :payout_id, :execution_hash, :block_number, :executed_by, :executed_at,
			:rejection_reason, :created_at, :updated_at)
	`, transactionRowOf(tx))
	if err != nil {
		return mapErr(err)
	}
	return s.saveSignatures(ctx, tx)
}

// UpdateTransaction writes the mutable columns and appends new signatures.
// Stored signatures are never rewritten.
func (s *Store) UpdateTransaction(ctx context.Context, tx *treasury.MultiSigTransaction) error {
	res, err := sqlx.NamedExecContext(ctx, s.q, `
		UPDATE multisig_transactions
		SET status = :status, current_signatures = :current_signatures, payout_id = :payout_id,
			execution_hash = :execution_hash, block_number = :block_number, executed_by = :executed_by,
			executed_at = :executed_at, rejection_reason = :rejection_reason, metadata = :metadata,
			updated_at = :updated_at
		WHERE id = :id
	`, transactionRowOf(tx))
	if err != nil {
		return mapErr(err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return s.saveSignatures(ctx, tx)
}

func (s *Store) saveSignatures(ctx context.Context, tx *treasury.MultiSigTransaction) error {
	for i, sig := range tx.Signatures {
		_, err := sqlx.NamedExecContext(ctx, s.q, `
			INSERT INTO multisig_signatures (transaction_id, position, signer_identity, signer_address, signature,
				signed_at, ip_address, user_agent)
			VALUES (:transaction_id, :position, :signer_identity, :signer_address, :signature, :signed_at,
				:ip_address, :user_agent)
			ON CONFLICT (transaction_id, signer_address) DO NOTHING
		`, signatureRow{
			TransactionID:  tx.ID,
			Position:       i,
			SignerIdentity: sig.SignerIdentity,
			SignerAddress:  sig.SignerAddress,
			Signature:      sig.Signature,
			SignedAt:       sig.SignedAt,
			IPAddress:      sig.IPAddress,
			UserAgent:      sig.UserAgent,
		})
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*treasury.MultiSigTransaction, error) {
	var row transactionRow
	if err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+transactionColumns+` FROM multisig_transactions WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	tx := row.transaction()
	if err := s.attachSignatures(ctx, []*treasury.MultiSigTransaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter treasury.TransactionFilter) ([]*treasury.MultiSigTransaction, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.WalletID != "" {
		args = append(args, filter.WalletID)
		where = append(where, fmt.Sprintf("wallet_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT ` + transactionColumns + ` FROM multisig_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at" + limitClause(filter.Limit)

	var rows []transactionRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*treasury.MultiSigTransaction, len(rows))
	for i, r := range rows {
		out[i] = r.transaction()
	}
	if err := s.attachSignatures(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) attachSignatures(ctx context.Context, txs []*treasury.MultiSigTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, len(txs))
	byID := make(map[string]*treasury.MultiSigTransaction, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
		byID[tx.ID] = tx
	}

	var rows []signatureRow
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT transaction_id, position, signer_identity, signer_address, signature, signed_at, ip_address, user_agent
		FROM multisig_signatures
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, position
	`, pq.Array(ids))
	if err != nil {
		return mapErr(err)
	}
	for _, r := range rows {
		tx := byID[r.TransactionID]
		tx.Signatures = append(tx.Signatures, treasury.MultiSigSignature{
			SignerIdentity: r.SignerIdentity,
			SignerAddress:  r.SignerAddress,
			Signature:      r.Signature,
			SignedAt:       utc(r.SignedAt),
			IPAddress:      r.IPAddress,
			UserAgent:      r.UserAgent,
		})
	}
	return nil
}

// LockAccount takes a transaction-scoped advisory lock on the account. It
// does nothing outside a transaction.
func (s *Store) LockAccount(ctx context.Context, network, address string) error {
	if !s.tx {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, accountLockClass, network+":"+address)
	return mapErr(err)
}

// AccountUsage sums amounts executed since `since` plus in-flight amounts
// created since `since` that are submitted or not yet past their expiry.
func (s *Store) AccountUsage(ctx context.Context, network, address, currency string, since, now time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := sqlx.GetContext(ctx, s.q, &total, `
		SELECT COALESCE(SUM(amount), 0)
		FROM multisig_transactions
		WHERE network = $1 AND wallet_address = $2 AND currency = $3 AND (
			(status = $4 AND executed_at >= $5)
			OR (status = ANY($6) AND created_at >= $5 AND (expires_at >= $7 OR payout_id <> '' OR execution_hash <> ''))
		)
	`, network, address, currency, string(treasury.TxExecuted), since, pq.Array(activeStatuses), now)
	if err != nil {
		return decimal.Zero, mapErr(err)
	}
	return total, nil
}

func (s *Store) MaxActiveNonce(ctx context.Context, network, address string) (uint64, bool, error) {
	var highest sql.NullInt64
	err := sqlx.GetContext(ctx, s.q, &highest, `
		SELECT MAX(nonce) FROM multisig_transactions
		WHERE network = $1 AND wallet_address = $2 AND status = ANY($3)
	`, network, address, pq.Array(activeStatuses))
	if err != nil {
		return 0, false, mapErr(err)
	}
	if !highest.Valid {
		return 0, false, nil
	}
	return uint64(highest.Int64), true, nil
}
