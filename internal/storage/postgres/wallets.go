package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/storage"
)

const walletColumns = `id, name, purpose, network, address, custody_account, signers, required_signatures, status, status_reason,
	security_tier, balances, balances_updated_at, created_by, created_at, updated_at`

type walletRow struct {
	ID                 string                 `db:"id"`
	Name               string                 `db:"name"`
	Purpose            treasury.WalletPurpose `db:"purpose"`
	Network            string                 `db:"network"`
	Address            string                 `db:"address"`
	CustodyAccount     string                 `db:"custody_account"`
	Signers            stringList             `db:"signers"`
	RequiredSignatures int                    `db:"required_signatures"`
	Status             treasury.WalletStatus  `db:"status"`
	StatusReason       string                 `db:"status_reason"`
	SecurityTier       treasury.SecurityTier  `db:"security_tier"`
	Balances           treasury.Balances      `db:"balances"`
	BalancesUpdatedAt  *time.Time             `db:"balances_updated_at"`
	CreatedBy          string                 `db:"created_by"`
	CreatedAt          time.Time              `db:"created_at"`
	UpdatedAt          time.Time              `db:"updated_at"`
}

func walletRowOf(w *treasury.TreasuryWallet) walletRow {
	return walletRow{
		ID:                 w.ID,
		Name:               w.Name,
		Purpose:            w.Purpose,
		Network:            w.Network,
		Address:            w.Address,
		CustodyAccount:     w.CustodyAccount,
		Signers:            stringList(w.Signers),
		RequiredSignatures: w.RequiredSignatures,
		Status:             w.Status,
		StatusReason:       w.StatusReason,
		SecurityTier:       w.SecurityTier,
		Balances:           w.Balances,
		BalancesUpdatedAt:  w.BalancesUpdatedAt,
		CreatedBy:          w.CreatedBy,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
}

func (r walletRow) wallet() *treasury.TreasuryWallet {
	return &treasury.TreasuryWallet{
		ID:                 r.ID,
		Name:               r.Name,
		Purpose:            r.Purpose,
		Network:            r.Network,
		Address:            r.Address,
		CustodyAccount:     r.CustodyAccount,
		Signers:            []string(r.Signers),
		RequiredSignatures: r.RequiredSignatures,
		Status:             r.Status,
		StatusReason:       r.StatusReason,
		SecurityTier:       r.SecurityTier,
		Balances:           r.Balances,
		BalancesUpdatedAt:  utcPtr(r.BalancesUpdatedAt),
		CreatedBy:          r.CreatedBy,
		CreatedAt:          utc(r.CreatedAt),
		UpdatedAt:          utc(r.UpdatedAt),
	}
}

func (s *Store) CreateWallet(ctx context.Context, w *treasury.TreasuryWallet) error {
	_, err := sqlx.NamedExecContext(ctx, s.q, `
		INSERT INTO treasury_wallets (`+walletColumns+`)
		VALUES (:id, :name, :purpose, :network, :address, :custody_account, :signers, :required_signatures, :status, :status_reason,
			:security_tier, :balances, :balances_updated_at, :created_by, :created_at, :updated_at)
	`, walletRowOf(w))
	return mapErr(err)
}

func (s *Store) UpdateWallet(ctx context.Context, w *treasury.TreasuryWallet) error {
	res, err := sqlx.NamedExecContext(ctx, s.q, `
		UPDATE treasury_wallets
		SET name = :name, status = :status, status_reason = :status_reason, balances = :balances,
			balances_updated_at = :balances_updated_at, updated_at = :updated_at
		WHERE id = :id
	`, walletRowOf(w))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (s *Store) GetWallet(ctx context.Context, id string) (*treasury.TreasuryWallet, error) {
	var row walletRow
	if err := sqlx.GetContext(ctx, s.q, &row, `SELECT `+walletColumns+` FROM treasury_wallets WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return row.wallet(), nil
}

func (s *Store) ListWallets(ctx context.Context) ([]*treasury.TreasuryWallet, error) {
	var rows []walletRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, `SELECT `+walletColumns+` FROM treasury_wallets ORDER BY created_at`); err != nil {
		return nil, mapErr(err)
	}
	out := make([]*treasury.TreasuryWallet, len(rows))
	for i, r := range rows {
		out[i] = r.wallet()
	}
	return out, nil
}

// LockWallet takes the wallet row lock for the rest of the transaction.
func (s *Store) LockWallet(ctx context.Context, id string) error {
	var locked string
	err := sqlx.GetContext(ctx, s.q, &locked, `SELECT id FROM treasury_wallets WHERE id = $1`+s.forUpdate(), id)
	return mapErr(err)
}

// =============================================================================
// Controls
// =============================================================================

type controlsRow struct {
	GlobalHalt bool      `db:"global_halt"`
	Reason     string    `db:"reason"`
	Actor      string    `db:"actor"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (s *Store) GetControls(ctx context.Context) (*treasury.TreasuryControls, error) {
	var row controlsRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT global_halt, reason, actor, updated_at FROM treasury_controls WHERE id = 1`)
	if err != nil {
		if err = mapErr(err); errors.Is(err, storage.ErrNotFound) {
			return &treasury.TreasuryControls{}, nil
		}
		return nil, err
	}
	return &treasury.TreasuryControls{
		GlobalHalt: row.GlobalHalt,
		Reason:     row.Reason,
		Actor:      row.Actor,
		UpdatedAt:  utc(row.UpdatedAt),
	}, nil
}

func (s *Store) SaveControls(ctx context.Context, c *treasury.TreasuryControls) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO treasury_controls (id, global_halt, reason, actor, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET global_halt = EXCLUDED.global_halt, reason = EXCLUDED.reason, actor = EXCLUDED.actor, updated_at = EXCLUDED.updated_at
	`, c.GlobalHalt, c.Reason, c.Actor, c.UpdatedAt)
	return mapErr(err)
}
