package multisig

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	svcerrors "github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/internal/network/simnet"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/internal/storage/memory"
	"github.com/R3E-Network/treasury_layer/services/audit"
	"github.com/R3E-Network/treasury_layer/services/payout"
	"github.com/R3E-Network/treasury_layer/services/registry"
)

const payee = "sim1" + "3333333333333333333333333333333333333333"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine   *Engine
	registry *registry.Service
	net      *simnet.Network
	ledger   *audit.Ledger
	store    *memory.Store
	clock    *testClock
	keys     []*simnet.KeyPair
	wallet   *treasury.TreasuryWallet
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	ledger := audit.New(store)
	net := simnet.New(simnet.Config{Tokens: map[string]int32{"USDT": 6}})
	networks := network.NewRegistry(net)

	reg := registry.New(ledger, networks,
		registry.WithClock(clock.Now),
		registry.WithLimits(map[treasury.SecurityTier]treasury.SpendLimits{
			treasury.TierLow: {Daily: decimal.NewFromInt(1000), Monthly: decimal.NewFromInt(5000)},
		}))
	custodian, err := network.NewDevKeystore([]byte("multisig-engine-test-seed"))
	require.NoError(t, err)
	payouts := payout.New(ledger, networks, custodian,
		payout.WithControls(reg),
		payout.WithConfig(payout.Config{ConfirmationTimeout: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond}))

	keys := make([]*simnet.KeyPair, 3)
	addrs := make([]string, 3)
	for i := range keys {
		keys[i], err = simnet.GenerateKey()
		require.NoError(t, err)
		addrs[i] = keys[i].Address()
	}
	wallet, err := reg.CreateWallet(context.Background(), registry.CreateRequest{
		Purpose:            treasury.PurposePayoutReserve,
		Network:            "simnet",
		Signers:            addrs,
		RequiredSignatures: 2,
		SecurityTier:       treasury.TierLow,
		CreatedBy:          "admin",
	})
	require.NoError(t, err)
	net.Fund(wallet.Address, "SIM", decimal.NewFromInt(1))
	net.Fund(wallet.Address, "USDT", decimal.NewFromInt(10_000))

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	engine := New(ledger, reg, payouts, networks, opts...)
	return &fixture{engine: engine, registry: reg, net: net, ledger: ledger, store: store, clock: clock, keys: keys, wallet: wallet}
}

func (f *fixture) create(t *testing.T, amount string) *treasury.MultiSigTransaction {
	t.Helper()
	tx, err := f.engine.Create(context.Background(), CreateRequest{
		WalletID:  f.wallet.ID,
		Purpose:   treasury.TxPurposePayout,
		ToAddress: payee,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USDT",
		Reason:    "merchant settlement",
		CreatedBy: "ops",
	})
	require.NoError(t, err)
	return tx
}

func signRequest(t *testing.T, tx *treasury.MultiSigTransaction, key *simnet.KeyPair) SignRequest {
	t.Helper()
	digest, err := hex.DecodeString(tx.SigningHash)
	require.NoError(t, err)
	material, err := key.SignMaterial(digest)
	require.NoError(t, err)
	return SignRequest{SignerIdentity: "user-" + key.Address()[4:10], SignerAddress: key.Address(), Signature: hex.EncodeToString(material)}
}

func (f *fixture) sign(t *testing.T, tx *treasury.MultiSigTransaction, key *simnet.KeyPair) (*treasury.MultiSigTransaction, error) {
	t.Helper()
	return f.engine.Sign(context.Background(), tx.ID, signRequest(t, tx, key))
}

func (f *fixture) fullySigned(t *testing.T, amount string) *treasury.MultiSigTransaction {
	t.Helper()
	tx := f.create(t, amount)
	_, err := f.sign(t, tx, f.keys[0])
	require.NoError(t, err)
	tx, err = f.sign(t, tx, f.keys[1])
	require.NoError(t, err)
	require.Equal(t, treasury.TxFullySigned, tx.Status)
	return tx
}

func (f *fixture) count(t *testing.T, action treasury.AuditAction) int {
	t.Helper()
	entries, err := f.ledger.List(context.Background(), treasury.AuditFilter{Action: action})
	require.NoError(t, err)
	return len(entries)
}

func TestQuorumLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.create(t, "400")
	assert.Equal(t, treasury.TxPending, tx.Status)
	assert.Equal(t, 2, tx.RequiredSignatures)
	assert.Equal(t, f.clock.Now().Add(DefaultExpiry), tx.ExpiresAt)
	assert.Equal(t, 20, tx.RiskScore)
	assert.NotEmpty(t, tx.SigningHash)

	tx, err := f.sign(t, tx, f.keys[0])
	require.NoError(t, err)
	assert.Equal(t, treasury.TxPartiallySigned, tx.Status)
	assert.Equal(t, 1, tx.CurrentSignatures)

	_, err = f.sign(t, tx, f.keys[0])
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeDuplicateSignature))
	tx, err = f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.CurrentSignatures)

	tx, err = f.sign(t, tx, f.keys[1])
	require.NoError(t, err)
	assert.Equal(t, treasury.TxFullySigned, tx.Status)
	assert.Equal(t, 2, tx.CurrentSignatures)
	assert.Len(t, tx.Signatures, 2)

	_, err = f.sign(t, tx, f.keys[2])
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidState))

	res, err := f.engine.Execute(ctx, tx.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExecuted, res.Status)
	assert.NotEmpty(t, res.TransactionHash)
	assert.NotZero(t, res.BlockNumber)
	assert.Equal(t, "ops", res.Transaction.ExecutedBy)
	assert.NotEmpty(t, res.Transaction.PayoutID)

	_, err = f.engine.Execute(ctx, tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAlreadyExecuted))
	assert.Equal(t, 1, f.net.Broadcasts())

	_, err = f.sign(t, tx, f.keys[2])
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAlreadyExecuted))

	_, err = f.engine.Create(ctx, CreateRequest{
		WalletID: f.wallet.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
		Amount: decimal.NewFromInt(700), Currency: "USDT", CreatedBy: "ops",
	})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeLimitExceeded))

	bal, err := f.net.GetTokenBalance(ctx, payee, "USDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(400).Equal(bal))

	report, err := f.ledger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, f.count(t, treasury.ActionTransactionExecuted))
	assert.Equal(t, 2, f.count(t, treasury.ActionTransactionSigned))
	assert.Equal(t, 3, f.count(t, treasury.ActionSignatureRejected))
	assert.Equal(t, 1, f.count(t, treasury.ActionExecutionRejected))
	assert.Equal(t, 1, f.count(t, treasury.ActionTransactionRejected))
}

func TestLimitCountsInFlightTransfers(t *testing.T) {
	f := newFixture(t)
	f.create(t, "600")

	_, err := f.engine.Create(context.Background(), CreateRequest{
		WalletID: f.wallet.ID, Purpose: treasury.TxPurposeTransfer, ToAddress: payee,
		Amount: decimal.NewFromInt(500), Currency: "USDT",
	})
	require.Error(t, err)
	se := svcerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, svcerrors.CodeLimitExceeded, se.Code)
	assert.Equal(t, "daily", se.Details["window"])
	assert.Equal(t, "600", se.Details["used"])

	// Other currencies have their own allowance.
	_, err = f.engine.Create(context.Background(), CreateRequest{
		WalletID: f.wallet.ID, Purpose: treasury.TxPurposeTransfer, ToAddress: payee,
		Amount: decimal.NewFromInt(500), Currency: "SIM",
	})
	require.NoError(t, err)
}

func TestMonthlyLimitSpansDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for day := 0; day < 5; day++ {
		tx := f.fullySigned(t, "1000")
		_, err := f.engine.Execute(ctx, tx.ID, "ops")
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	_, err := f.engine.Create(ctx, CreateRequest{
		WalletID: f.wallet.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
		Amount: decimal.NewFromInt(1), Currency: "USDT",
	})
	require.Error(t, err)
	assert.Equal(t, "monthly", svcerrors.GetServiceError(err).Details["window"])
}

func TestExpiryDominates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.create(t, "900")
	_, err := f.sign(t, tx, f.keys[0])
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.sign(t, tx, f.keys[1])
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeExpired))

	got, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExpired, got.Status)
	assert.Equal(t, 1, got.CurrentSignatures)

	_, err = f.engine.Execute(ctx, tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeExpired))
	assert.Equal(t, 1, f.count(t, treasury.ActionTransactionExpired))

	// The expired amount no longer counts against the allowance.
	f.create(t, "1000")
}

func TestExpiryOfFullySignedTransaction(t *testing.T) {
	f := newFixture(t)
	tx := f.fullySigned(t, "100")
	f.clock.Advance(DefaultExpiry + time.Second)

	_, err := f.engine.Execute(context.Background(), tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeExpired))
	assert.Zero(t, f.net.Broadcasts())
}

func TestSignRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, "50")

	outsider, err := simnet.GenerateKey()
	require.NoError(t, err)
	_, err = f.sign(t, tx, outsider)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeUnauthorizedSigner))

	wrongDigest, err := f.keys[0].SignMaterial(make([]byte, 32))
	require.NoError(t, err)
	_, err = f.engine.Sign(ctx, tx.ID, SignRequest{SignerAddress: f.keys[0].Address(), Signature: hex.EncodeToString(wrongDigest)})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidSignature))

	borrowed := signRequest(t, tx, f.keys[1])
	borrowed.SignerAddress = f.keys[0].Address()
	_, err = f.engine.Sign(ctx, tx.ID, borrowed)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidSignature))

	_, err = f.engine.Sign(ctx, tx.ID, SignRequest{SignerAddress: f.keys[0].Address(), Signature: "zz"})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidSignature))

	_, err = f.engine.Sign(ctx, "missing", SignRequest{SignerAddress: f.keys[0].Address(), Signature: "00"})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeNotFound))

	got, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxPending, got.Status)
	assert.Zero(t, got.CurrentSignatures)
	assert.Equal(t, 5, f.count(t, treasury.ActionSignatureRejected))
}

func TestCreateRejections(t *testing.T) {
	cases := []struct {
		name string
		edit func(*CreateRequest)
		code svcerrors.ErrorCode
	}{
		{"zero amount", func(r *CreateRequest) { r.Amount = decimal.Zero }, svcerrors.CodeInvalidAmount},
		{"negative amount", func(r *CreateRequest) { r.Amount = decimal.NewFromInt(-5) }, svcerrors.CodeInvalidAmount},
		{"too precise", func(r *CreateRequest) { r.Amount = decimal.RequireFromString("0.0000001") }, svcerrors.CodeInvalidAmount},
		{"bad address", func(r *CreateRequest) { r.ToAddress = "0x1234" }, svcerrors.CodeInvalidAddress},
		{"unknown currency", func(r *CreateRequest) { r.Currency = "DOGE" }, svcerrors.CodeInvalidInput},
		{"unknown purpose", func(r *CreateRequest) { r.Purpose = "gift" }, svcerrors.CodeInvalidInput},
		{"missing wallet", func(r *CreateRequest) { r.WalletID = "missing" }, svcerrors.CodeNotFound},
		{"operation without linker", func(r *CreateRequest) { r.OperationID = "op-1" }, svcerrors.CodeInvalidInput},
		{"over daily limit", func(r *CreateRequest) { r.Amount = decimal.NewFromInt(1001) }, svcerrors.CodeLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := CreateRequest{
				WalletID: f.wallet.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
				Amount: decimal.NewFromInt(10), Currency: "USDT", CreatedBy: "ops",
			}
			tc.edit(&req)

			_, err := f.engine.Create(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tc.code, svcerrors.CodeOf(err))

			txs, err := f.engine.List(context.Background(), treasury.TransactionFilter{})
			require.NoError(t, err)
			assert.Empty(t, txs)
			assert.Equal(t, 1, f.count(t, treasury.ActionTransactionRejected))
		})
	}
}

func TestCreateRequiresActiveWallet(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.SetStatus(context.Background(), f.wallet.ID, treasury.WalletMaintenance, "admin", "upgrade")
	require.NoError(t, err)

	_, err = f.engine.Create(context.Background(), CreateRequest{
		WalletID: f.wallet.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee, Amount: decimal.NewFromInt(1),
	})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeWalletNotActive))
}

func TestCreateDefaultsCurrencyAndAllocatesNonces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Create(ctx, CreateRequest{WalletID: f.wallet.ID, Purpose: treasury.TxPurposeRebalance, ToAddress: payee, Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	second := f.create(t, "2")

	assert.Equal(t, "SIM", first.Currency)
	assert.Equal(t, uint64(0), first.Nonce)
	assert.Equal(t, uint64(1), second.Nonce)
	assert.NotEqual(t, first.SigningHash, second.SigningHash)

	_, err = f.engine.Reject(ctx, second.ID, "admin", "duplicate request")
	require.NoError(t, err)
	third := f.create(t, "3")
	assert.Equal(t, uint64(1), third.Nonce)
}

func TestConcurrentCreatesRespectLimitAndNonces(t *testing.T) {
	f := newFixture(t)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = map[uint64]bool{}
		errs   []error
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := f.engine.Create(context.Background(), CreateRequest{
				WalletID: f.wallet.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
				Amount: decimal.NewFromInt(300), Currency: "USDT",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			nonces[tx.Nonce] = true
		}()
	}
	wg.Wait()

	assert.Len(t, nonces, 3)
	assert.Len(t, errs, 7)
	for _, err := range errs {
		assert.True(t, svcerrors.HasCode(err, svcerrors.CodeLimitExceeded))
	}
}

func TestTwinWalletsShareAccountAllowanceAndNonces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	twin, err := f.registry.CreateWallet(ctx, registry.CreateRequest{
		Purpose:            treasury.PurposeOperational,
		Network:            "simnet",
		Signers:            f.wallet.Signers,
		RequiredSignatures: f.wallet.RequiredSignatures,
		SecurityTier:       treasury.TierLow,
		CreatedBy:          "admin",
	})
	require.NoError(t, err)
	require.NotEqual(t, f.wallet.ID, twin.ID)
	require.Equal(t, f.wallet.Address, twin.Address)

	first := f.create(t, "600")

	_, err = f.engine.Create(ctx, CreateRequest{
		WalletID: twin.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
		Amount: decimal.NewFromInt(600), Currency: "USDT", CreatedBy: "ops",
	})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeLimitExceeded), "the twin spends from the same address")

	second, err := f.engine.Create(ctx, CreateRequest{
		WalletID: twin.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
		Amount: decimal.NewFromInt(300), Currency: "USDT", CreatedBy: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Nonce+1, second.Nonce)
}

func TestExecuteRequiresQuorum(t *testing.T) {
	f := newFixture(t)
	tx := f.create(t, "10")
	_, err := f.sign(t, tx, f.keys[0])
	require.NoError(t, err)

	_, err = f.engine.Execute(context.Background(), tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidState))
	assert.Zero(t, f.net.Broadcasts())
}

func TestExecuteHonoursEmergencyControls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.fullySigned(t, "10")

	require.NoError(t, f.registry.Halt(ctx, "", "admin", "incident"))
	_, err := f.engine.Execute(ctx, tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeWalletLocked))

	require.NoError(t, f.registry.Resume(ctx, "", "admin", "resolved"))
	require.NoError(t, f.registry.Halt(ctx, f.wallet.ID, "admin", "key rotation"))
	_, err = f.engine.Execute(ctx, tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeWalletLocked))

	got, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxFullySigned, got.Status)
	assert.Zero(t, f.net.Broadcasts())

	require.NoError(t, f.registry.Resume(ctx, f.wallet.ID, "admin", "rotated"))
	res, err := f.engine.Execute(ctx, tx.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExecuted, res.Status)
}

func TestExecuteInsufficientBalanceLeavesTransactionSigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Fund(f.wallet.Address, "USDT", decimal.NewFromInt(-9_950))
	tx := f.fullySigned(t, "100")

	_, err := f.engine.Execute(ctx, tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInsufficientTreasuryBalance))

	got, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxFullySigned, got.Status)
	assert.Empty(t, got.PayoutID)
	assert.Equal(t, 1, f.count(t, treasury.ActionExecutionRejected))

	f.net.Fund(f.wallet.Address, "USDT", decimal.NewFromInt(100))
	res, err := f.engine.Execute(ctx, tx.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExecuted, res.Status)
}

func TestExecuteBroadcastFailureRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.fullySigned(t, "10")
	f.net.FailBroadcasts(errors.New("replacement transaction underpriced"))

	res, err := f.engine.Execute(ctx, tx.ID, "ops")
	assert.Nil(t, res)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeSubmissionFailed))
	assert.True(t, svcerrors.IsOperator(err))

	got, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxRejected, got.Status)
	assert.Contains(t, got.RejectionReason, "replacement transaction underpriced")

	f.net.FailBroadcasts(nil)
	_, err = f.engine.Execute(ctx, tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidState))
	assert.Zero(t, f.net.Broadcasts())
	assert.Equal(t, 1, f.count(t, treasury.ActionTransactionFailed))
}

func TestExecuteRevertRejects(t *testing.T) {
	f := newFixture(t)
	tx := f.fullySigned(t, "10")
	f.net.RevertNext()

	_, err := f.engine.Execute(context.Background(), tx.ID, "ops")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeReceiptReverted))

	got, err := f.engine.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxRejected, got.Status)
	assert.NotEmpty(t, got.ExecutionHash)
	assert.NotZero(t, got.BlockNumber)
}

func TestUnconfirmedExecutionIsReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.fullySigned(t, "10")
	f.net.HoldReceipts(true)

	res, err := f.engine.Execute(ctx, tx.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, treasury.TxFullySigned, res.Status)
	assert.NotEmpty(t, res.TransactionHash)

	// A submitted transaction does not expire.
	f.clock.Advance(48 * time.Hour)
	got, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxFullySigned, got.Status)

	n, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.net.HoldReceipts(false)
	n, err = f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExecuted, got.Status)
	assert.Equal(t, 1, f.net.Broadcasts())
}

func TestReconcilePicksUpUnrecordedPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.fullySigned(t, "10")

	// A payout submitted by a process that died before recording it.
	_, err := f.engine.payouts.Submit(ctx, payout.Transfer{
		SourceID: tx.ID, WalletID: tx.WalletID, From: tx.WalletAddress, To: tx.ToAddress,
		Amount: tx.Amount, Currency: tx.Currency, Network: tx.Network, Nonce: tx.Nonce, Fee: tx.Fee,
	})
	require.NoError(t, err)

	n, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.engine.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExecuted, got.Status)
	assert.Equal(t, 1, f.net.Broadcasts())
}

func TestRejectOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, "10")

	_, err := f.engine.Reject(ctx, tx.ID, "admin", "")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidInput))

	got, err := f.engine.Reject(ctx, tx.ID, "admin", "suspicious destination")
	require.NoError(t, err)
	assert.Equal(t, treasury.TxRejected, got.Status)
	assert.Equal(t, "suspicious destination", got.RejectionReason)

	_, err = f.sign(t, tx, f.keys[0])
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidState))
	_, err = f.engine.Reject(ctx, tx.ID, "admin", "again")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidState))
	assert.Equal(t, 1, f.count(t, treasury.ActionTransactionOverridden))
}

func TestExpireStaleAndListPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "10")
	partial := f.create(t, "20")
	_, err := f.sign(t, partial, f.keys[0])
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	fresh := f.create(t, "30")

	n, err := f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := f.engine.ListPending(ctx, f.wallet.ID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)

	n, err = f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.List(ctx, treasury.TransactionFilter{Statuses: []treasury.TransactionStatus{"archived"}})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidInput))
}

func TestListPendingExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, "10")
	f.clock.Advance(25 * time.Hour)

	pending, err := f.engine.ListPending(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := f.store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExpired, stored.Status)
}

func TestAutoExecute(t *testing.T) {
	f := newFixture(t, WithAutoExecute(true))
	tx := f.create(t, "10")
	_, err := f.sign(t, tx, f.keys[2])
	require.NoError(t, err)

	tx, err = f.sign(t, tx, f.keys[0])
	require.NoError(t, err)
	assert.Equal(t, treasury.TxExecuted, tx.Status)
	assert.Equal(t, AutoExecutor, tx.ExecutedBy)
}

func TestExecuteBatch(t *testing.T) {
	f := newFixture(t)
	a := f.fullySigned(t, "10")
	b := f.fullySigned(t, "20")

	results := f.engine.ExecuteBatch(context.Background(), []string{a.ID, "missing", b.ID}, "ops")
	require.Len(t, results, 3)
	assert.Nil(t, results[0].Error)
	assert.Equal(t, treasury.TxExecuted, results[0].Result.Status)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, svcerrors.CodeNotFound, results[1].Error.Code)
	assert.Nil(t, results[2].Error)
	assert.Equal(t, treasury.TxExecuted, results[2].Result.Status)
	assert.Equal(t, 2, f.net.Broadcasts())
}

type recordingLinker struct {
	err   error
	links map[string]string
}

func (l *recordingLinker) Link(_ context.Context, _ storage.Store, batch *audit.Batch, operationID, transactionID string) error {
	if l.err != nil {
		return l.err
	}
	l.links[operationID] = transactionID
	batch.Add(treasury.AuditEntry{Action: treasury.ActionOperationLinked, EntityType: treasury.EntityOperation, EntityID: operationID})
	return nil
}

func TestCreateLinksOperation(t *testing.T) {
	linker := &recordingLinker{links: map[string]string{}}
	f := newFixture(t, WithLinker(linker))
	ctx := context.Background()

	tx, err := f.engine.Create(ctx, CreateRequest{
		WalletID: f.wallet.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
		Amount: decimal.NewFromInt(5), OperationID: "op-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", tx.OperationID)
	assert.Equal(t, tx.ID, linker.links["op-1"])
	assert.Equal(t, 1, f.count(t, treasury.ActionOperationLinked))

	linker.err = svcerrors.Conflict("operation op-1 is already linked")
	_, err = f.engine.Create(ctx, CreateRequest{
		WalletID: f.wallet.ID, Purpose: treasury.TxPurposePayout, ToAddress: payee,
		Amount: decimal.NewFromInt(5), OperationID: "op-1",
	})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeConflict))

	txs, err := f.engine.List(ctx, treasury.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
