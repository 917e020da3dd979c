// Package storage defines the repositories the treasury services depend on.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("storage: conflict")
)

// WalletStore persists treasury wallets.
type WalletStore interface {
	CreateWallet(ctx context.Context, w *treasury.TreasuryWallet) error
	UpdateWallet(ctx context.Context, w *treasury.TreasuryWallet) error
	GetWallet(ctx context.Context, id string) (*treasury.TreasuryWallet, error)
	ListWallets(ctx context.Context) ([]*treasury.TreasuryWallet, error)
	// LockWallet takes a row lock held until the surrounding unit of work ends.
	LockWallet(ctx context.Context, id string) error
}

// TransactionStore persists multi-signature transactions and their signatures.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *treasury.MultiSigTransaction) error
	UpdateTransaction(ctx context.Context, tx *treasury.MultiSigTransaction) error
	GetTransaction(ctx context.Context, id string) (*treasury.MultiSigTransaction, error)
	ListTransactions(ctx context.Context, filter treasury.TransactionFilter) ([]*treasury.MultiSigTransaction, error)

	// LockAccount serializes units of work spending from one on-chain
	// account. Wallets sharing signers, quorum and network share the account.
	LockAccount(ctx context.Context, network, address string) error
	// AccountUsage sums amounts sent from the account: executions since
	// `since` plus in-flight amounts created since `since` that have not
	// expired at `now`.
	AccountUsage(ctx context.Context, network, address, currency string, since, now time.Time) (decimal.Decimal, error)
	// MaxActiveNonce returns the highest nonce held by a non-terminal
	// transaction of the account.
	MaxActiveNonce(ctx context.Context, network, address string) (uint64, bool, error)
}

// PayoutStore persists payout transactions.
type PayoutStore interface {
	CreatePayout(ctx context.Context, p *treasury.PayoutTransaction) error
	UpdatePayout(ctx context.Context, p *treasury.PayoutTransaction) error
	GetPayout(ctx context.Context, id string) (*treasury.PayoutTransaction, error)
	GetPayoutBySource(ctx context.Context, sourceID string) (*treasury.PayoutTransaction, error)
	ListPayouts(ctx context.Context, status treasury.PayoutStatus, limit int) ([]*treasury.PayoutTransaction, error)
}

// OperationStore persists treasury operations and compliance checks.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *treasury.TreasuryOperation) error
	UpdateOperation(ctx context.Context, op *treasury.TreasuryOperation) error
	GetOperation(ctx context.Context, id string) (*treasury.TreasuryOperation, error)
	ListOperations(ctx context.Context, limit int) ([]*treasury.TreasuryOperation, error)
	AddComplianceCheck(ctx context.Context, check *treasury.ComplianceCheck) error
}

// AuditStore persists the append-only audit chain.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *treasury.AuditEntry) error
	// LastAudit returns the chain head, or ErrNotFound for an empty chain.
	LastAudit(ctx context.Context) (*treasury.AuditEntry, error)
	ListAudit(ctx context.Context, filter treasury.AuditFilter) ([]*treasury.AuditEntry, error)
	// LockAuditChain serializes appends until the surrounding unit of work ends.
	LockAuditChain(ctx context.Context) error
}

// ControlStore persists the treasury-wide controls.
type ControlStore interface {
	GetControls(ctx context.Context) (*treasury.TreasuryControls, error)
	SaveControls(ctx context.Context, c *treasury.TreasuryControls) error
}

// Store aggregates every repository behind one unit-of-work boundary.
type Store interface {
	WalletStore
	TransactionStore
	PayoutStore
	OperationStore
	AuditStore
	ControlStore

	// Atomic runs fn in a single unit of work. All writes made through the
	// Store passed to fn commit together or not at all.
	Atomic(ctx context.Context, fn func(Store) error) error
}
