package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

const operationColumns = `id, type, reference, wallet_id, transaction_id, amount, currency, risk_score, status,
	requested_by, metadata, created_at, updated_at`

type operationRow struct {
	ID            string                   `db:"id"`
	Type          string                   `db:"type"`
	Reference     string                   `db:"reference"`
	WalletID      string                   `db:"wallet_id"`
	TransactionID string                   `db:"transaction_id"`
	Amount        decimal.Decimal          `db:"amount"`
	Currency      string                   `db:"currency"`
	RiskScore     int                      `db:"risk_score"`
	Status        treasury.OperationStatus `db:"status"`
	RequestedBy   string                   `db:"requested_by"`
	Metadata      treasury.Metadata        `db:"metadata"`
	CreatedAt     time.Time                `db:"created_at"`
	UpdatedAt     time.Time                `db:"updated_at"`
}

func operationRowOf(op *treasury.TreasuryOperation) operationRow {
	return operationRow{
		ID:            op.ID,
		Type:          op.Type,
		Reference:     op.Reference,
		WalletID:      op.WalletID,
		TransactionID: op.TransactionID,
		Amount:        op.Amount,
		Currency:      op.Currency,
		RiskScore:     op.RiskScore,
		Status:        op.Status,
		RequestedBy:   op.RequestedBy,
		Metadata:      op.Metadata,
		CreatedAt:     op.CreatedAt,
		UpdatedAt:     op.UpdatedAt,
	}
}

func (r operationRow) operation() *treasury.TreasuryOperation {
	return &treasury.TreasuryOperation{
		ID:            r.ID,
		Type:          r.Type,
		Reference:     r.Reference,
		WalletID:      r.WalletID,
		TransactionID: r.TransactionID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		RiskScore:     r.RiskScore,
		Status:        r.Status,
		Checks:        []treasury.ComplianceCheck{},
		RequestedBy:   r.RequestedBy,
		Metadata:      r.Metadata,
		CreatedAt:     utc(r.CreatedAt),
		UpdatedAt:     utc(r.UpdatedAt),
	}
}

type checkRow struct {
	ID          string                       `db:"id"`
	OperationID string                       `db:"operation_id"`
	Type        treasury.ComplianceCheckType `db:"type"`
	Status      treasury.ComplianceStatus    `db:"status"`
	Score       int                          `db:"score"`
	Provider    string                       `db:"provider"`
	Details     treasury.Metadata            `db:"details"`
	CheckedBy   string                       `db:"checked_by"`
	CheckedAt   time.Time                    `db:"checked_at"`
}

func (s *Store) CreateOperation(ctx context.Context, op *treasury.TreasuryOperation) error {
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO treasury_operations (`+operationColumns+`)
		VALUES (:id, :type, :reference, :wallet_id, :transaction_id, :amount, :currency, :risk_score, :status,
			:requested_by, :metadata, :created_at, :updated_at)
	`, operationRowOf(op))
	if err != nil {
		return mapErr(err)
	}
	for i := range op.Checks {
		if err := s.AddComplianceCheck(ctx, &op.Checks[i]); err != nil {
			return err
		}
	}
	return nil
}

// UpdateOperation writes the operation columns. Checks are only added
// through AddComplianceCheck.
func (s *Store) UpdateOperation(ctx context.Context, op *treasury.TreasuryOperation) error {
	res, err := sqlx.NamedExecContext(ctx, s.q, `
		UPDATE treasury_operations
		SET transaction_id = :transaction_id, status = :status, risk_score = :risk_score, metadata = :metadata,
			updated_at = :updated_at
		WHERE id = :id
	`, operationRowOf(op))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

// GetOperation locks the operation row when called inside Atomic so a link
// check and its update cannot interleave.
func (s *Store) GetOperation(ctx context.Context, id string) (*treasury.TreasuryOperation, error) {
	var row operationRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+operationColumns+` FROM treasury_operations WHERE id = $1`+s.forUpdate(), id)
	if err != nil {
		return nil, mapErr(err)
	}
	op := row.operation()
	if err := s.attachChecks(ctx, []*treasury.TreasuryOperation{op}); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Store) ListOperations(ctx context.Context, limit int) ([]*treasury.TreasuryOperation, error) {
	var rows []operationRow
	err := sqlx.SelectContext(ctx, s.q, &rows, `SELECT `+operationColumns+` FROM treasury_operations ORDER BY created_at DESC`+limitClause(limit))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*treasury.TreasuryOperation, len(rows))
	for i, r := range rows {
		out[i] = r.operation()
	}
	if err := s.attachChecks(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AddComplianceCheck(ctx context.Context, check *treasury.ComplianceCheck) error {
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO compliance_checks (id, operation_id, type, status, score, provider, details, checked_by, checked_at)
		VALUES (:id, :operation_id, :type, :status, :score, :provider, :details, :checked_by, :checked_at)
	`, checkRow{
		ID:          check.ID,
		OperationID: check.OperationID,
		Type:        check.Type,
		Status:      check.Status,
		Score:       check.Score,
		Provider:    check.Provider,
		Details:     check.Details,
		CheckedBy:   check.CheckedBy,
		CheckedAt:   check.CheckedAt,
	})
	return mapErr(err)
}

func (s *Store) attachChecks(ctx context.Context, ops []*treasury.TreasuryOperation) error {
	if len(ops) == 0 {
		return nil
	}
	ids := make([]string, len(ops))
	byID := make(map[string]*treasury.TreasuryOperation, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		byID[op.ID] = op
	}

	var rows []checkRow
	err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT id, operation_id, type, status, score, provider, details, checked_by, checked_at
		FROM compliance_checks
		WHERE operation_id = ANY($1)
		ORDER BY checked_at, id
	`, pq.Array(ids))
	if err != nil {
		return mapErr(err)
	}
	for _, r := range rows {
		op := byID[r.OperationID]
		op.Checks = append(op.Checks, treasury.ComplianceCheck{
			ID:          r.ID,
			OperationID: r.OperationID,
			Type:        r.Type,
			Status:      r.Status,
			Score:       r.Score,
			Provider:    r.Provider,
			Details:     r.Details,
			CheckedBy:   r.CheckedBy,
			CheckedAt:   utc(r.CheckedAt),
		})
	}
	return nil
}
