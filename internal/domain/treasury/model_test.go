package treasury

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionEdges(t *testing.T) {
	tests := []struct {
		from TransactionStatus
		to   TransactionStatus
		ok   bool
	}{
		{TxPending, TxPartiallySigned, true},
		{TxPending, TxFullySigned, true},
		{TxPartiallySigned, TxFullySigned, true},
		{TxFullySigned, TxExecuted, true},
		{TxFullySigned, TxRejected, true},
		{TxPending, TxExpired, true},
		{TxPending, TxExecuted, false},
		{TxPartiallySigned, TxExecuted, false},
		{TxExecuted, TxRejected, false},
		{TxExpired, TxPending, false},
		{TxRejected, TxFullySigned, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestExpiredAtIgnoresSubmittedAndTerminal(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tx := &MultiSigTransaction{Status: TxPartiallySigned, ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, tx.ExpiredAt(now))

	tx.ExecutionHash = "0xabc"
	assert.False(t, tx.ExpiredAt(now))

	tx.ExecutionHash = ""
	tx.Status = TxExecuted
	assert.False(t, tx.ExpiredAt(now))
}

func TestOperationDeriveStatus(t *testing.T) {
	op := &TreasuryOperation{}
	assert.Equal(t, OperationOpen, op.DeriveStatus())

	op.Checks = []ComplianceCheck{{Type: CheckAML, Status: CompliancePassed}, {Type: CheckKYC, Status: ComplianceManualReview}}
	assert.Equal(t, OperationReview, op.DeriveStatus())

	op.Checks = append(op.Checks, ComplianceCheck{Type: CheckSanctions, Status: ComplianceFailed})
	assert.Equal(t, OperationBlocked, op.DeriveStatus())

	op.Checks = []ComplianceCheck{{Type: CheckAML, Status: CompliancePassed}}
	assert.Equal(t, OperationCleared, op.DeriveStatus())
}

func TestBalancesColumnRoundTrip(t *testing.T) {
	in := Balances{"USDT": decimal.RequireFromString("1250.5")}
	v, err := in.Value()
	require.NoError(t, err)

	var out Balances
	require.NoError(t, out.Scan(v))
	assert.True(t, out["USDT"].Equal(in["USDT"]))

	var empty Metadata
	require.NoError(t, empty.Scan(nil))
	assert.Nil(t, empty)
}

func TestWalletCloneIsDeep(t *testing.T) {
	w := &TreasuryWallet{Signers: []string{"a", "b"}, Balances: Balances{"GAS": decimal.NewFromInt(1)}}
	c := w.Clone()
	c.Signers[0] = "z"
	c.Balances["GAS"] = decimal.NewFromInt(5)

	assert.Equal(t, "a", w.Signers[0])
	assert.True(t, w.Balances["GAS"].Equal(decimal.NewFromInt(1)))
	assert.True(t, w.HasSigner("b"))
}
