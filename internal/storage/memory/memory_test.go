package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/storage"
)

func testWallet(id string) *treasury.TreasuryWallet {
	return &treasury.TreasuryWallet{
		ID:                 id,
		Purpose:            treasury.PurposePayoutReserve,
		Network:            "simnet",
		Address:            "sim1" + id,
		Signers:            []string{"a", "b"},
		RequiredSignatures: 2,
		Status:             treasury.WalletActive,
		SecurityTier:       treasury.TierLow,
		CreatedAt:          time.Now(),
	}
}

func testTx(id, walletID string, status treasury.TransactionStatus, amount int64, expiresAt time.Time) *treasury.MultiSigTransaction {
	return &treasury.MultiSigTransaction{
		ID:            id,
		WalletID:      walletID,
		WalletAddress: "sim1" + walletID,
		Network:       "simnet",
		Amount:        decimal.NewFromInt(amount),
		Currency:      "SIM",
		Status:        status,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now(),
	}
}

func TestWalletCRUDReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	w := testWallet("w1")
	require.NoError(t, s.CreateWallet(ctx, w))
	assert.ErrorIs(t, s.CreateWallet(ctx, w), storage.ErrConflict)

	got, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	got.Signers[0] = "mutated"

	again, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Signers[0])

	_, err = s.GetWallet(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.LockWallet(ctx, "missing"), storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateWallet(ctx, testWallet("missing")), storage.ErrNotFound)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateWallet(ctx, testWallet("w1")))

	err := s.Atomic(ctx, func(tx storage.Store) error {
		w, err := tx.GetWallet(ctx, "w1")
		if err != nil {
			return err
		}
		w.Status = treasury.WalletEmergencyLocked
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &treasury.AuditEntry{Sequence: 1, Action: treasury.ActionWalletStatusChanged}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	w, err := s.GetWallet(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, treasury.WalletActive, w.Status)
	_, err = s.LastAudit(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomicDiscardsWritesWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New()

	err := s.Atomic(ctx, func(tx storage.Store) error {
		if err := tx.CreateWallet(ctx, testWallet("w1")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.GetWallet(context.Background(), "w1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomicNestedRunsInline(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.Atomic(ctx, func(tx storage.Store) error {
		return tx.Atomic(ctx, func(inner storage.Store) error {
			return inner.CreateWallet(ctx, testWallet("w1"))
		})
	})
	require.NoError(t, err)
	_, err = s.GetWallet(ctx, "w1")
	assert.NoError(t, err)
}

func TestAccountUsage(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	createdToday := now.Add(-2 * time.Hour)

	executedToday := testTx("t1", "w1", treasury.TxExecuted, 100, now.Add(time.Hour))
	at := now.Add(-time.Hour)
	executedToday.ExecutedAt = &at

	executedYesterday := testTx("t2", "w1", treasury.TxExecuted, 1000, now)
	before := dayStart.Add(-time.Minute)
	executedYesterday.ExecutedAt = &before

	inFlight := testTx("t3", "w1", treasury.TxPartiallySigned, 40, now.Add(time.Hour))
	lapsed := testTx("t4", "w1", treasury.TxPending, 500, now.Add(-time.Minute))
	rejected := testTx("t5", "w1", treasury.TxRejected, 700, now.Add(time.Hour))
	otherWallet := testTx("t6", "w2", treasury.TxPending, 900, now.Add(time.Hour))
	submitted := testTx("t7", "w1", treasury.TxFullySigned, 5, now.Add(-time.Minute))
	submitted.ExecutionHash = "0xabc"
	// Same account, different wallet record.
	twin := testTx("t8", "w1-twin", treasury.TxPending, 20, now.Add(time.Hour))
	twin.WalletAddress = "sim1w1"
	carriedOver := testTx("t9", "w1", treasury.TxPending, 300, now.Add(time.Hour))

	for _, tx := range []*treasury.MultiSigTransaction{executedToday, executedYesterday, inFlight, lapsed, rejected, otherWallet, submitted, twin} {
		tx.CreatedAt = createdToday
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}
	carriedOver.CreatedAt = dayStart.Add(-time.Hour)
	require.NoError(t, s.CreateTransaction(ctx, carriedOver))

	used, err := s.AccountUsage(ctx, "simnet", "sim1w1", "SIM", dayStart, now)
	require.NoError(t, err)
	assert.True(t, used.Equal(decimal.NewFromInt(165)), used.String())

	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	monthly, err := s.AccountUsage(ctx, "simnet", "sim1w1", "SIM", monthStart, now)
	require.NoError(t, err)
	assert.True(t, monthly.Equal(decimal.NewFromInt(1465)), monthly.String())

	other, err := s.AccountUsage(ctx, "simnet", "sim1w1", "USDT", dayStart, now)
	require.NoError(t, err)
	assert.True(t, other.IsZero())

	elsewhere, err := s.AccountUsage(ctx, "othernet", "sim1w1", "SIM", dayStart, now)
	require.NoError(t, err)
	assert.True(t, elsewhere.IsZero())
}

func TestMaxActiveNonce(t *testing.T) {
	ctx := context.Background()
	s := New()
	exp := time.Now().Add(time.Hour)

	_, found, err := s.MaxActiveNonce(ctx, "simnet", "sim1w1")
	require.NoError(t, err)
	assert.False(t, found)

	a := testTx("a", "w1", treasury.TxPending, 1, exp)
	a.Nonce = 3
	b := testTx("b", "w1", treasury.TxExecuted, 1, exp)
	b.Nonce = 9
	c := testTx("c", "w1", treasury.TxFullySigned, 1, exp)
	c.Nonce = 5
	d := testTx("d", "w1-twin", treasury.TxPending, 1, exp)
	d.WalletAddress = "sim1w1"
	d.Nonce = 6
	for _, tx := range []*treasury.MultiSigTransaction{a, b, c, d} {
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	nonce, found, err := s.MaxActiveNonce(ctx, "simnet", "sim1w1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(6), nonce)
}

func TestListTransactionsFilters(t *testing.T) {
	ctx := context.Background()
	s := New()
	exp := time.Now().Add(time.Hour)
	require.NoError(t, s.CreateTransaction(ctx, testTx("a", "w1", treasury.TxPending, 1, exp)))
	require.NoError(t, s.CreateTransaction(ctx, testTx("b", "w1", treasury.TxExecuted, 1, exp)))
	require.NoError(t, s.CreateTransaction(ctx, testTx("c", "w2", treasury.TxPending, 1, exp)))

	out, err := s.ListTransactions(ctx, treasury.TransactionFilter{WalletID: "w1", Statuses: []treasury.TransactionStatus{treasury.TxPending}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)

	all, err := s.ListTransactions(ctx, treasury.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPayoutSourceIsUnique(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreatePayout(ctx, &treasury.PayoutTransaction{ID: "p1", SourceID: "tx-1", Status: treasury.PayoutPending}))
	assert.ErrorIs(t, s.CreatePayout(ctx, &treasury.PayoutTransaction{ID: "p2", SourceID: "tx-1"}), storage.ErrConflict)
	require.NoError(t, s.CreatePayout(ctx, &treasury.PayoutTransaction{ID: "p3", SourceID: "tx-2", Status: treasury.PayoutProcessing}))

	p, err := s.GetPayoutBySource(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	processing, err := s.ListPayouts(ctx, treasury.PayoutProcessing, 0)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "p3", processing[0].ID)
}

func TestOperationChecksSurviveUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateOperation(ctx, &treasury.TreasuryOperation{ID: "op1", Type: "payout", Status: treasury.OperationOpen}))
	require.NoError(t, s.AddComplianceCheck(ctx, &treasury.ComplianceCheck{ID: "c1", OperationID: "op1", Type: treasury.CheckAML, Status: treasury.CompliancePassed}))
	assert.ErrorIs(t, s.AddComplianceCheck(ctx, &treasury.ComplianceCheck{ID: "c2", OperationID: "nope"}), storage.ErrNotFound)

	require.NoError(t, s.UpdateOperation(ctx, &treasury.TreasuryOperation{ID: "op1", Type: "payout", Status: treasury.OperationCleared, TransactionID: "tx1"}))

	op, err := s.GetOperation(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", op.TransactionID)
	require.Len(t, op.Checks, 1)
	assert.Equal(t, "c1", op.Checks[0].ID)
}

func TestAuditAppendEnforcesSequence(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AppendAudit(ctx, &treasury.AuditEntry{Sequence: 1, EntityType: treasury.EntityWallet, EntityID: "w1"}))
	assert.ErrorIs(t, s.AppendAudit(ctx, &treasury.AuditEntry{Sequence: 3}), storage.ErrConflict)
	require.NoError(t, s.AppendAudit(ctx, &treasury.AuditEntry{Sequence: 2, EntityType: treasury.EntityTransaction, EntityID: "t1"}))

	last, err := s.LastAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last.Sequence)

	wallets, err := s.ListAudit(ctx, treasury.AuditFilter{EntityType: treasury.EntityWallet})
	require.NoError(t, err)
	require.Len(t, wallets, 1)

	after, err := s.ListAudit(ctx, treasury.AuditFilter{AfterSeq: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "t1", after[0].EntityID)
}

func TestControls(t *testing.T) {
	ctx := context.Background()
	s := New()

	c, err := s.GetControls(ctx)
	require.NoError(t, err)
	assert.False(t, c.GlobalHalt)

	require.NoError(t, s.SaveControls(ctx, &treasury.TreasuryControls{GlobalHalt: true, Reason: "incident"}))
	c, err = s.GetControls(ctx)
	require.NoError(t, err)
	assert.True(t, c.GlobalHalt)
	assert.Equal(t, "incident", c.Reason)
}
