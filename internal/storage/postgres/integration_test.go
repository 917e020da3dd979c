package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/platform/migrations"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/services/audit"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn, PoolConfig{MaxOpenConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(db.DB))
	return New(db)
}

func TestPostgresStoreIntegration(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	wallet := &treasury.TreasuryWallet{
		ID:                 uuid.NewString(),
		Name:               "integration",
		Purpose:            treasury.PurposePayoutReserve,
		Network:            "simnet",
		Address:            "sim1" + uuid.NewString(),
		Signers:            []string{"sim1a", "sim1b", "sim1c"},
		RequiredSignatures: 2,
		Status:             treasury.WalletActive,
		SecurityTier:       treasury.TierLow,
		Balances:           treasury.Balances{"USDT": decimal.RequireFromString("1000.5")},
		CreatedBy:          "admin",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, store.CreateWallet(ctx, wallet))

	got, err := store.GetWallet(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, wallet.Signers, got.Signers)
	assert.True(t, wallet.Balances["USDT"].Equal(got.Balances["USDT"]))

	// A wallet with the same signers, quorum and network shares the address.
	twin := *wallet
	twin.ID = uuid.NewString()
	twin.Name = "integration-twin"
	require.NoError(t, store.CreateWallet(ctx, &twin))

	tx := &treasury.MultiSigTransaction{
		ID:                 uuid.NewString(),
		WalletID:           wallet.ID,
		WalletAddress:      wallet.Address,
		Purpose:            treasury.TxPurposePayout,
		ToAddress:          "sim1payee",
		Amount:             decimal.NewFromInt(400),
		Currency:           "USDT",
		Network:            "simnet",
		Status:             treasury.TxPending,
		RequiredSignatures: 2,
		Nonce:              4,
		Fee:                treasury.FeeParams{GasLimit: 65000, GasPrice: decimal.NewFromInt(10), Total: decimal.RequireFromString("0.0065")},
		SigningHash:        "abcd",
		ExpiresAt:          now.Add(time.Hour),
		CreatedBy:          "ops",
		Metadata:           treasury.Metadata{"invoice": "INV-7"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, store.CreateTransaction(ctx, tx))

	err = store.Atomic(ctx, func(st storage.Store) error {
		require.NoError(t, st.LockWallet(ctx, wallet.ID))
		require.NoError(t, st.LockAccount(ctx, wallet.Network, wallet.Address))
		tx.Signatures = append(tx.Signatures, treasury.MultiSigSignature{SignerIdentity: "alice", SignerAddress: "sim1a", Signature: "aa", SignedAt: now})
		tx.CurrentSignatures = 1
		tx.Status = treasury.TxPartiallySigned
		return st.UpdateTransaction(ctx, tx)
	})
	require.NoError(t, err)

	loaded, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxPartiallySigned, loaded.Status)
	require.Len(t, loaded.Signatures, 1)
	assert.Equal(t, uint64(65000), loaded.Fee.GasLimit)

	used, err := store.AccountUsage(ctx, "simnet", wallet.Address, "USDT", now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(400).Equal(used))

	nonce, found, err := store.MaxActiveNonce(ctx, "simnet", wallet.Address)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(4), nonce)

	// A failed unit of work leaves nothing behind.
	err = store.Atomic(ctx, func(st storage.Store) error {
		tx.Status = treasury.TxRejected
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		return storage.ErrConflict
	})
	require.ErrorIs(t, err, storage.ErrConflict)
	loaded, err = store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxPartiallySigned, loaded.Status)

	payout := &treasury.PayoutTransaction{
		ID:          uuid.NewString(),
		SourceID:    tx.ID,
		WalletID:    wallet.ID,
		FromAddress: wallet.Address,
		ToAddress:   tx.ToAddress,
		Amount:      tx.Amount,
		Currency:    "USDT",
		Network:     "simnet",
		Status:      treasury.PayoutPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreatePayout(ctx, payout))
	dup := *payout
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, store.CreatePayout(ctx, &dup), storage.ErrConflict)

	bySource, err := store.GetPayoutBySource(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.ID, bySource.ID)

	ledger := audit.New(store)
	_, err = ledger.Record(ctx, treasury.AuditEntry{
		Action:     treasury.ActionWalletCreated,
		EntityType: treasury.EntityWallet,
		EntityID:   wallet.ID,
		WalletID:   wallet.ID,
		Details:    treasury.Metadata{"quorum": 2, "signers": []string{"sim1a", "sim1b", "sim1c"}},
	})
	require.NoError(t, err)

	report, err := ledger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
}
