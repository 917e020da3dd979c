// Package utxo is the adapter for UTXO-based networks. UTXO transfers are
// not implemented yet, so every operation fails closed with
// NetworkUnsupported rather than silently doing nothing.
package utxo

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/network"
)

// Adapter is a UTXO network placeholder.
type Adapter struct {
	name   string
	native network.Currency
}

var _ network.Adapter = (*Adapter)(nil)

// New creates a UTXO adapter for a named network.
func New(name, nativeSymbol string, decimals int32) *Adapter {
	return &Adapter{
		name:   name,
		native: network.Currency{Symbol: nativeSymbol, Decimals: decimals, Native: true},
	}
}

func (a *Adapter) unsupported() *errors.ServiceError {
	return errors.NetworkUnsupported(a.name)
}

func (a *Adapter) Name() string { return a.name }
func (a *Adapter) Family() network.Family { return network.FamilyUTXO }
func (a *Adapter) MinConfirmations() uint64 { return 6 }
func (a *Adapter) DefaultCurrency() string { return a.native.Symbol }
func (a *Adapter) NativeCurrency() network.Currency { return a.native }
func (a *Adapter) Currencies() []network.Currency { return []network.Currency{a.native} }

func (a *Adapter) ValidateAddress(string) error { return a.unsupported() }

func (a *Adapter) NormalizeAddress(address string) string { return strings.TrimSpace(address) }

func (a *Adapter) FormatAddress([]byte) string { return "" }

func (a *Adapter) AddressFromPublicKey([]byte) (string, error) { return "", a.unsupported() }

func (a *Adapter) Currency(string) (network.Currency, error) {
	return network.Currency{}, a.unsupported()
}

func (a *Adapter) GetTokenBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, a.unsupported()
}

func (a *Adapter) GetNativeBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, a.unsupported()
}

func (a *Adapter) GetNonce(context.Context, string) (uint64, error) {
	return 0, a.unsupported()
}

func (a *Adapter) EstimateTransferFee(context.Context, network.TransferRequest) (treasury.FeeParams, error) {
	return treasury.FeeParams{}, a.unsupported()
}

func (a *Adapter) BuildTransfer(context.Context, network.TransferRequest, network.Custodian) (*network.SignedTransfer, error) {
	return nil, a.unsupported()
}

func (a *Adapter) Broadcast(context.Context, *network.SignedTransfer) (string, error) {
	return "", a.unsupported()
}

func (a *Adapter) SubmitTransfer(context.Context, network.TransferRequest, network.Custodian) (string, error) {
	return "", a.unsupported()
}

func (a *Adapter) GetReceipt(context.Context, string) (network.Receipt, error) {
	return network.Receipt{}, a.unsupported()
}

func (a *Adapter) BlockHeight(context.Context) (uint64, error) {
	return 0, a.unsupported()
}

func (a *Adapter) VerifySignature(context.Context, string, []byte, []byte) error {
	return a.unsupported()
}
