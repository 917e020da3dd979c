// Package evm implements the network adapter for Ethereum-compatible
// networks. ERC-20 tokens are moved through their transfer method; the
// native currency is moved as plain value.
package evm

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/network"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var parsedERC20 = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Backend is the node access the adapter needs. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Token configures an ERC-20 token.
type Token struct {
	Contract string
	Decimals int32
}

// Config configures an EVM adapter.
type Config struct {
	Name             string
	ChainID          int64 // 0 asks the node
	NativeSymbol     string
	Tokens           map[string]Token
	DefaultCurrency  string
	MinConfirmations uint64
	// GasHeadroomPercent is added on top of the node's gas estimate.
	GasHeadroomPercent uint64
}

// Adapter is the EVM network adapter.
type Adapter struct {
	cfg        Config
	backend    Backend
	currencies map[string]network.Currency

	chainMu sync.Mutex
	chainID *big.Int
}

var _ network.Adapter = (*Adapter)(nil)

// New creates an EVM adapter.
func New(cfg Config, backend Backend) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "ethereum"
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 12
	}
	if cfg.GasHeadroomPercent == 0 {
		cfg.GasHeadroomPercent = 20
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = cfg.NativeSymbol
	}

	currencies := map[string]network.Currency{
		cfg.NativeSymbol: {Symbol: cfg.NativeSymbol, Decimals: 18, Native: true},
	}
	for symbol, token := range cfg.Tokens {
		currencies[symbol] = network.Currency{
			Symbol:   symbol,
			Contract: common.HexToAddress(token.Contract).Hex(),
			Decimals: token.Decimals,
		}
	}

	a := &Adapter{cfg: cfg, backend: backend, currencies: currencies}
	if cfg.ChainID != 0 {
		a.chainID = big.NewInt(cfg.ChainID)
	}
	return a
}

func (a *Adapter) Name() string { return a.cfg.Name }
func (a *Adapter) Family() network.Family { return network.FamilyEVM }
func (a *Adapter) MinConfirmations() uint64 { return a.cfg.MinConfirmations }
func (a *Adapter) DefaultCurrency() string { return a.cfg.DefaultCurrency }

// ValidateAddress accepts 0x-prefixed 20-byte hex. Mixed-case input must
// carry a valid EIP-55 checksum.
func (a *Adapter) ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return errors.InvalidAddress(a.cfg.Name, address, fmt.Errorf("expected 0x-prefixed 20-byte hex"))
	}
	body := address[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if common.HexToAddress(address).Hex() != address {
			return errors.InvalidAddress(a.cfg.Name, address, fmt.Errorf("bad checksum"))
		}
	}
	return nil
}

// NormalizeAddress returns the checksummed form.
func (a *Adapter) NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return address
	}
	return common.HexToAddress(address).Hex()
}

func (a *Adapter) FormatAddress(hash []byte) string {
	return common.BytesToAddress(hash).Hex()
}

func (a *Adapter) AddressFromPublicKey(pub []byte) (string, error) {
	key, err := crypto.DecompressPubkey(pub)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*key).Hex(), nil
}

func (a *Adapter) Currency(symbol string) (network.Currency, error) {
	c, ok := a.currencies[symbol]
	if !ok {
		return network.Currency{}, errors.InvalidInput("currency", fmt.Sprintf("%s is not configured on %s", symbol, a.cfg.Name))
	}
	return c, nil
}

func (a *Adapter) NativeCurrency() network.Currency {
	return a.currencies[a.cfg.NativeSymbol]
}

func (a *Adapter) Currencies() []network.Currency {
	out := make([]network.Currency, 0, len(a.currencies))
	for _, c := range a.currencies {
		out = append(out, c)
	}
	return out
}

func (a *Adapter) resolveChainID(ctx context.Context) (*big.Int, error) {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	if a.chainID != nil {
		return a.chainID, nil
	}
	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return nil, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	a.chainID = id
	return id, nil
}

// =============================================================================
// Reads
// =============================================================================

func (a *Adapter) GetTokenBalance(ctx context.Context, address, currency string) (decimal.Decimal, error) {
	c, err := a.Currency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	if err := a.ValidateAddress(address); err != nil {
		return decimal.Zero, err
	}
	account := common.HexToAddress(address)

	if c.Native {
		wei, err := a.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return decimal.Zero, errors.NetworkUnavailable(a.cfg.Name, err)
		}
		return network.FromBaseUnits(wei, c.Decimals), nil
	}

	data, err := parsedERC20.Pack("balanceOf", account)
	if err != nil {
		return decimal.Zero, errors.Internal("pack balanceOf", err)
	}
	contract := common.HexToAddress(c.Contract)
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	values, err := parsedERC20.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return decimal.Zero, errors.NetworkUnavailable(a.cfg.Name, fmt.Errorf("decode balanceOf: %v", err))
	}
	units, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.NetworkUnavailable(a.cfg.Name, fmt.Errorf("balanceOf returned %T", values[0]))
	}
	return network.FromBaseUnits(units, c.Decimals), nil
}

func (a *Adapter) GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return a.GetTokenBalance(ctx, address, a.cfg.NativeSymbol)
}

func (a *Adapter) GetNonce(ctx context.Context, address string) (uint64, error) {
	if err := a.ValidateAddress(address); err != nil {
		return 0, err
	}
	nonce, err := a.backend.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	return nonce, nil
}

func (a *Adapter) BlockHeight(ctx context.Context) (uint64, error) {
	height, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return 0, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	return height, nil
}

func (a *Adapter) GetReceipt(ctx context.Context, hash string) (network.Receipt, error) {
	receipt, err := a.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if stderrors.Is(err, ethereum.NotFound) {
			return network.Receipt{}, nil
		}
		return network.Receipt{}, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	out := network.Receipt{
		Found:   true,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// =============================================================================
// Fees and submission
// =============================================================================

type call struct {
	to    common.Address
	value *big.Int
	data  []byte
}

func (a *Adapter) transferCall(req network.TransferRequest) (*call, error) {
	c, err := a.Currency(req.Currency)
	if err != nil {
		return nil, err
	}
	if err := a.ValidateAddress(req.To); err != nil {
		return nil, err
	}
	units, err := network.ToBaseUnits(req.Amount, c.Decimals)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(req.To)
	if c.Native {
		return &call{to: to, value: units}, nil
	}
	data, err := parsedERC20.Pack("transfer", to, units)
	if err != nil {
		return nil, errors.Internal("pack transfer", err)
	}
	return &call{to: common.HexToAddress(c.Contract), value: new(big.Int), data: data}, nil
}

// EstimateTransferFee asks the node for gas and price and adds headroom to the gas limit.
func (a *Adapter) EstimateTransferFee(ctx context.Context, req network.TransferRequest) (treasury.FeeParams, error) {
	if err := a.ValidateAddress(req.From); err != nil {
		return treasury.FeeParams{}, err
	}
	c, err := a.transferCall(req)
	if err != nil {
		return treasury.FeeParams{}, err
	}
	from := common.HexToAddress(req.From)

	gas, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.to, Value: c.value, Data: c.data})
	if err != nil {
		return treasury.FeeParams{}, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	price, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return treasury.FeeParams{}, errors.NetworkUnavailable(a.cfg.Name, err)
	}

	fee := treasury.FeeParams{
		GasLimit:   gas + gas*a.cfg.GasHeadroomPercent/100,
		GasPrice:   decimal.NewFromBigInt(price, 0),
		NetworkFee: decimal.Zero,
		SystemFee:  decimal.Zero,
	}
	fee.Total = network.FeeTotal(fee, 18)
	return fee, nil
}

// BuildTransfer builds a legacy EIP-155 transaction with the authorized gas
// parameters and has the custodian sign it.
func (a *Adapter) BuildTransfer(ctx context.Context, req network.TransferRequest, custodian network.Custodian) (*network.SignedTransfer, error) {
	if custodian == nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("no custodian configured"))
	}
	if err := a.ValidateAddress(req.From); err != nil {
		return nil, err
	}
	c, err := a.transferCall(req)
	if err != nil {
		return nil, err
	}
	from := common.HexToAddress(req.From)

	fee := req.Fee
	if fee.GasLimit == 0 || !fee.GasPrice.IsPositive() {
		if fee, err = a.EstimateTransferFee(ctx, req); err != nil {
			return nil, err
		}
	}
	chainID, err := a.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	pubBytes, err := custodian.PublicKey(ctx, network.FamilyEVM, a.cfg.Name, req.CustodyAccount())
	if err != nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian public key: %w", err))
	}
	pub, err := crypto.DecompressPubkey(pubBytes)
	if err != nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian public key: %w", err))
	}
	if crypto.PubkeyToAddress(*pub) != from {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian key does not control %s", req.From))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: fee.GasPrice.BigInt(),
		Gas:      fee.GasLimit,
		To:       &c.to,
		Value:    c.value,
		Data:     c.data,
	})
	signer := types.NewEIP155Signer(chainID)
	digest := signer.Hash(tx)

	sig, err := custodian.SignDigest(ctx, network.FamilyEVM, a.cfg.Name, req.CustodyAccount(), digest.Bytes())
	if err != nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian sign: %w", err))
	}
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("attach signature: %w", err))
	}
	if sender, err := types.Sender(signer, signed); err != nil || sender != from {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("signature does not recover to %s", req.From))
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.Internal("encode transaction", err)
	}
	return &network.SignedTransfer{Network: a.cfg.Name, Hash: signed.Hash().Hex(), Raw: hexutil.Encode(raw)}, nil
}

// Broadcast sends a signed transaction. A node that already holds it
// reports success.
func (a *Adapter) Broadcast(ctx context.Context, transfer *network.SignedTransfer) (string, error) {
	raw, err := hexutil.Decode(transfer.Raw)
	if err != nil {
		return "", errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("decode transaction: %w", err))
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("decode transaction: %w", err))
	}
	if err := a.backend.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return tx.Hash().Hex(), nil
		}
		return "", errors.SubmissionFailed(a.cfg.Name, err)
	}
	return tx.Hash().Hex(), nil
}

func (a *Adapter) SubmitTransfer(ctx context.Context, req network.TransferRequest, custodian network.Custodian) (string, error) {
	return network.Submit(ctx, a, req, custodian)
}

// =============================================================================
// Signatures
// =============================================================================

// VerifySignature expects a 65-byte recoverable signature. A V of 27/28 is
// accepted alongside 0/1.
func (a *Adapter) VerifySignature(_ context.Context, signerAddress string, digest, material []byte) error {
	if len(material) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(material))
	}
	sig := append([]byte(nil), material...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != common.HexToAddress(signerAddress) {
		return fmt.Errorf("signature recovers to %s", got.Hex())
	}
	return nil
}
