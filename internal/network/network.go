// Package network defines the per-network capability the treasury builds on:
// balance reads, fee estimation, transfer submission and receipt tracking.
// Each network family (account-based, UTXO-based) provides one Adapter.
package network

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
)

// Family identifies how a network accounts for value.
type Family string

const (
	FamilyNeo    Family = "neo"
	FamilyEVM    Family = "evm"
	FamilyUTXO   Family = "utxo"
	FamilySimnet Family = "simnet"
)

// Currency describes a transferable asset on a network.
type Currency struct {
	Symbol   string
	Contract string // empty for the native currency
	Decimals int32
	Native   bool
}

// TransferRequest describes a single transfer. Account names the custodian
// key that controls From; empty means the key is held under From itself.
type TransferRequest struct {
	From     string
	Account  string
	To       string
	Amount   decimal.Decimal
	Currency string
	Nonce    uint64
	Fee      treasury.FeeParams
}

// CustodyAccount is the custodian account that signs for From.
func (r TransferRequest) CustodyAccount() string {
	if r.Account != "" {
		return r.Account
	}
	return r.From
}

// SignedTransfer is a transfer signed by the custodian but not yet broadcast.
// Hash is known before broadcast so it can be recorded first.
type SignedTransfer struct {
	Network string
	Hash    string
	Raw     string
}

// Receipt is the network's record of a submitted transfer.
type Receipt struct {
	Found       bool
	BlockNumber uint64
	Success     bool
	GasUsed     uint64
}

// Adapter is the capability a network must provide.
type Adapter interface {
	Name() string
	Family() Family

	ValidateAddress(address string) error
	NormalizeAddress(address string) string
	// FormatAddress renders a 20-byte hash as a network address.
	FormatAddress(hash []byte) string
	// AddressFromPublicKey renders the address a custodian key controls.
	AddressFromPublicKey(pub []byte) (string, error)

	Currency(symbol string) (Currency, error)
	DefaultCurrency() string
	NativeCurrency() Currency
	Currencies() []Currency

	GetTokenBalance(ctx context.Context, address, currency string) (decimal.Decimal, error)
	GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
	GetNonce(ctx context.Context, address string) (uint64, error)
	EstimateTransferFee(ctx context.Context, req TransferRequest) (treasury.FeeParams, error)

	BuildTransfer(ctx context.Context, req TransferRequest, custodian Custodian) (*SignedTransfer, error)
	Broadcast(ctx context.Context, transfer *SignedTransfer) (string, error)
	SubmitTransfer(ctx context.Context, req TransferRequest, custodian Custodian) (string, error)

	GetReceipt(ctx context.Context, hash string) (Receipt, error)
	BlockHeight(ctx context.Context) (uint64, error)
	MinConfirmations() uint64

	// VerifySignature checks that material is signerAddress's signature over digest.
	VerifySignature(ctx context.Context, signerAddress string, digest, material []byte) error
}

// Submit builds and broadcasts a transfer in one step.
func Submit(ctx context.Context, a Adapter, req TransferRequest, custodian Custodian) (string, error) {
	signed, err := a.BuildTransfer(ctx, req, custodian)
	if err != nil {
		return "", err
	}
	return a.Broadcast(ctx, signed)
}

// ToBaseUnits converts a decimal amount to integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, errors.InvalidAmount("amount has more than " + decimal.NewFromInt32(decimals).String() + " decimal places")
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units to a decimal amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// FeeTotal computes gasLimit * gasPrice + networkFee + systemFee in whole native units.
func FeeTotal(fee treasury.FeeParams, nativeDecimals int32) decimal.Decimal {
	base := fee.GasPrice.Mul(decimal.NewFromInt(int64(fee.GasLimit))).Add(fee.NetworkFee).Add(fee.SystemFee)
	return base.Shift(-nativeDecimals)
}
