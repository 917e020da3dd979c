package operations

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	svcerrors "github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/internal/storage/memory"
	"github.com/R3E-Network/treasury_layer/services/audit"
)

func newService(t *testing.T) (*Service, *audit.Ledger) {
	t.Helper()
	ledger := audit.New(memory.New())
	return New(ledger), ledger
}

func createOperation(t *testing.T, svc *Service) *treasury.TreasuryOperation {
	t.Helper()
	op, err := svc.Create(context.Background(), CreateRequest{
		Type:        "merchant_settlement",
		Reference:   "INV-2041",
		Amount:      decimal.NewFromInt(250),
		Currency:    "USDT",
		RiskScore:   15,
		RequestedBy: "ops",
	})
	require.NoError(t, err)
	return op
}

func TestCreate(t *testing.T) {
	svc, ledger := newService(t)
	ctx := context.Background()
	op := createOperation(t, svc)

	assert.Equal(t, treasury.OperationOpen, op.Status)
	assert.Empty(t, op.Checks)

	got, err := svc.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-2041", got.Reference)

	entries, err := ledger.List(ctx, treasury.AuditFilter{EntityID: op.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, treasury.ActionOperationCreated, entries[0].Action)
	assert.Equal(t, "ops", entries[0].Actor)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)
	cases := []struct {
		name string
		req  CreateRequest
		code svcerrors.ErrorCode
	}{
		{"missing type", CreateRequest{Reference: "r"}, svcerrors.CodeInvalidInput},
		{"missing reference", CreateRequest{Type: "t"}, svcerrors.CodeInvalidInput},
		{"negative amount", CreateRequest{Type: "t", Reference: "r", Amount: decimal.NewFromInt(-1)}, svcerrors.CodeInvalidAmount},
		{"risk out of range", CreateRequest{Type: "t", Reference: "r", RiskScore: 101}, svcerrors.CodeInvalidInput},
		{"unknown wallet", CreateRequest{Type: "t", Reference: "r", WalletID: "missing"}, svcerrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.req)
			assert.Equal(t, tc.code, svcerrors.CodeOf(err))
		})
	}
}

func TestRecordCheckDerivesStatus(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	op := createOperation(t, svc)

	op, err := svc.RecordCheck(ctx, op.ID, treasury.ComplianceCheck{Type: treasury.CheckKYC, Status: treasury.CompliancePassed, Provider: "internal"})
	require.NoError(t, err)
	assert.Equal(t, treasury.OperationCleared, op.Status)

	op, err = svc.RecordCheck(ctx, op.ID, treasury.ComplianceCheck{Type: treasury.CheckAML, Status: treasury.ComplianceManualReview, Score: 60})
	require.NoError(t, err)
	assert.Equal(t, treasury.OperationReview, op.Status)

	op, err = svc.RecordCheck(ctx, op.ID, treasury.ComplianceCheck{Type: treasury.CheckSanctions, Status: treasury.ComplianceFailed, Score: 95})
	require.NoError(t, err)
	assert.Equal(t, treasury.OperationBlocked, op.Status)

	got, err := svc.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Len(t, got.Checks, 3)
	assert.Equal(t, treasury.OperationBlocked, got.Status)
	for _, c := range got.Checks {
		assert.Equal(t, op.ID, c.OperationID)
		assert.NotEmpty(t, c.ID)
		assert.False(t, c.CheckedAt.IsZero())
	}
}

func TestRecordCheckValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	op := createOperation(t, svc)

	_, err := svc.RecordCheck(ctx, op.ID, treasury.ComplianceCheck{Type: "credit", Status: treasury.CompliancePassed})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidInput))
	_, err = svc.RecordCheck(ctx, op.ID, treasury.ComplianceCheck{Type: treasury.CheckAML, Status: "maybe"})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidInput))
	_, err = svc.RecordCheck(ctx, "missing", treasury.ComplianceCheck{Type: treasury.CheckAML, Status: treasury.CompliancePassed})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeNotFound))
}

func TestLinkOnce(t *testing.T) {
	svc, ledger := newService(t)
	ctx := context.Background()
	op := createOperation(t, svc)

	link := func(txID string) error {
		return ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
			return svc.Link(ctx, st, batch, op.ID, txID)
		})
	}
	require.NoError(t, link("tx-1"))

	err := link("tx-2")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeConflict))

	got, err := svc.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.TransactionID)

	entries, err := ledger.List(ctx, treasury.AuditFilter{Action: treasury.ActionOperationLinked})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx-1", entries[0].Details["transaction_id"])

	err = ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		return svc.Link(ctx, st, batch, "missing", "tx-4")
	})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeNotFound))
}

func TestLinkRefusesBlockedOperation(t *testing.T) {
	svc, ledger := newService(t)
	ctx := context.Background()
	op := createOperation(t, svc)
	_, err := svc.RecordCheck(ctx, op.ID, treasury.ComplianceCheck{Type: treasury.CheckSanctions, Status: treasury.ComplianceFailed})
	require.NoError(t, err)

	err = ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		return svc.Link(ctx, st, batch, op.ID, "tx-1")
	})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeInvalidState))
}

func TestList(t *testing.T) {
	svc, _ := newService(t)
	createOperation(t, svc)
	createOperation(t, svc)

	ops, err := svc.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = svc.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	_, err = svc.List(context.Background(), -1)
	assert.Error(t, err)
}
