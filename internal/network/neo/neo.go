// Package neo implements the network adapter for Neo N3. GAS is the native
// currency; NEO and other NEP-17 tokens are transferred through their
// contract's transfer method.
package neo

import (
	"context"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/core/native/nativehashes"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/vm/opcode"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/treasury_layer/internal/chain"
	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/network"
)

const (
	gasDecimals = 8

	// DefaultValidUntilIncrement is roughly one day of 15 second blocks.
	DefaultValidUntilIncrement = 5760
	// DefaultNetworkFeeEstimate covers a single-signature witness, in GAS fractions.
	DefaultNetworkFeeEstimate = 200000
)

// Token configures a NEP-17 token.
type Token struct {
	Contract string // script hash, 0x-prefixed LE
	Decimals int32
}

// Config configures a Neo N3 adapter.
type Config struct {
	Name                string
	Tokens              map[string]Token
	DefaultCurrency     string
	MinConfirmations    uint64
	ValidUntilIncrement uint32
	NetworkFeeEstimate  int64
}

// RPC is the subset of the JSON-RPC client the adapter uses.
type RPC interface {
	Call(ctx context.Context, method string, params []interface{}) ([]byte, error)
	GetBlockCount(ctx context.Context) (uint64, error)
	GetApplicationLog(ctx context.Context, txHash string) (*chain.ApplicationLog, error)
	GetTransactionHeight(ctx context.Context, txHash string) (uint64, error)
	CalculateNetworkFee(ctx context.Context, txBase64 string) (int64, error)
	SendRawTransaction(ctx context.Context, txBase64 string) (string, error)
	NetworkID() uint32
}

// Adapter is the Neo N3 network adapter.
type Adapter struct {
	cfg        Config
	rpc        RPC
	currencies map[string]network.Currency
}

var _ network.Adapter = (*Adapter)(nil)

// New creates a Neo N3 adapter. GAS and NEO are always configured.
func New(cfg Config, rpc RPC) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "neo"
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.ValidUntilIncrement == 0 {
		cfg.ValidUntilIncrement = DefaultValidUntilIncrement
	}
	if cfg.NetworkFeeEstimate == 0 {
		cfg.NetworkFeeEstimate = DefaultNetworkFeeEstimate
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "GAS"
	}

	currencies := map[string]network.Currency{
		"GAS": {Symbol: "GAS", Contract: "0x" + nativehashes.GasToken.StringLE(), Decimals: gasDecimals, Native: true},
		"NEO": {Symbol: "NEO", Contract: "0x" + nativehashes.NeoToken.StringLE(), Decimals: 0},
	}
	for symbol, token := range cfg.Tokens {
		contract := strings.ToLower(strings.TrimSpace(token.Contract))
		if !strings.HasPrefix(contract, "0x") {
			contract = "0x" + contract
		}
		currencies[symbol] = network.Currency{Symbol: symbol, Contract: contract, Decimals: token.Decimals}
	}

	return &Adapter{cfg: cfg, rpc: rpc, currencies: currencies}
}

// NewWithClient wires the adapter to a JSON-RPC client.
func NewWithClient(cfg Config, client *chain.Client) *Adapter {
	return New(cfg, clientRPC{client})
}

type clientRPC struct{ *chain.Client }

func (c clientRPC) Call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	return c.Client.Call(ctx, method, params)
}

func (a *Adapter) Name() string { return a.cfg.Name }
func (a *Adapter) Family() network.Family { return network.FamilyNeo }
func (a *Adapter) MinConfirmations() uint64 { return a.cfg.MinConfirmations }
func (a *Adapter) DefaultCurrency() string { return a.cfg.DefaultCurrency }

// ValidateAddress checks the base58check encoding and version byte.
func (a *Adapter) ValidateAddress(addr string) error {
	if _, err := address.StringToUint160(addr); err != nil {
		return errors.InvalidAddress(a.cfg.Name, addr, err)
	}
	return nil
}

// NormalizeAddress trims whitespace. Neo addresses are case sensitive.
func (a *Adapter) NormalizeAddress(addr string) string {
	return strings.TrimSpace(addr)
}

func (a *Adapter) FormatAddress(h []byte) string {
	u, err := util.Uint160DecodeBytesBE(h)
	if err != nil {
		return ""
	}
	return address.Uint160ToString(u)
}

func (a *Adapter) AddressFromPublicKey(pub []byte) (string, error) {
	return AddressFromPublicKey(pub)
}

func (a *Adapter) Currency(symbol string) (network.Currency, error) {
	c, ok := a.currencies[symbol]
	if !ok {
		return network.Currency{}, errors.InvalidInput("currency", fmt.Sprintf("%s is not configured on %s", symbol, a.cfg.Name))
	}
	return c, nil
}

func (a *Adapter) NativeCurrency() network.Currency {
	return a.currencies["GAS"]
}

func (a *Adapter) Currencies() []network.Currency {
	out := make([]network.Currency, 0, len(a.currencies))
	for _, c := range a.currencies {
		out = append(out, c)
	}
	return out
}

// =============================================================================
// Reads
// =============================================================================

func (a *Adapter) GetTokenBalance(ctx context.Context, addr, currency string) (decimal.Decimal, error) {
	c, err := a.Currency(currency)
	if err != nil {
		return decimal.Zero, err
	}
	account, err := address.StringToUint160(addr)
	if err != nil {
		return decimal.Zero, errors.InvalidAddress(a.cfg.Name, addr, err)
	}

	result, err := a.rpc.Call(ctx, "invokefunction", []interface{}{
		c.Contract, "balanceOf", []chain.ContractParam{chain.Hash160Param("0x" + account.StringLE())},
	})
	if err != nil {
		return decimal.Zero, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	if state := gjson.GetBytes(result, "state").String(); state != "HALT" {
		return decimal.Zero, errors.NetworkUnavailable(a.cfg.Name,
			fmt.Errorf("balanceOf faulted: %s", gjson.GetBytes(result, "exception").String()))
	}

	units, ok := new(big.Int).SetString(gjson.GetBytes(result, "stack.0.value").String(), 10)
	if !ok {
		return decimal.Zero, errors.NetworkUnavailable(a.cfg.Name, fmt.Errorf("balanceOf returned a non-integer"))
	}
	return network.FromBaseUnits(units, c.Decimals), nil
}

func (a *Adapter) GetNativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	return a.GetTokenBalance(ctx, addr, "GAS")
}

// GetNonce returns 0. Neo transactions carry a free-form nonce rather than
// an account sequence, so the treasury's own counter is authoritative.
func (a *Adapter) GetNonce(context.Context, string) (uint64, error) {
	return 0, nil
}

// EstimateTransferFee test-invokes the transfer for the system fee and uses
// the configured estimate for the network fee.
func (a *Adapter) EstimateTransferFee(ctx context.Context, req network.TransferRequest) (treasury.FeeParams, error) {
	inv, err := a.invokeTransfer(ctx, req, false)
	if err != nil {
		return treasury.FeeParams{}, err
	}
	fee := treasury.FeeParams{
		GasPrice:   decimal.Zero,
		NetworkFee: decimal.NewFromInt(a.cfg.NetworkFeeEstimate),
		SystemFee:  decimal.NewFromInt(inv.systemFee),
	}
	fee.Total = network.FeeTotal(fee, gasDecimals)
	return fee, nil
}

func (a *Adapter) BlockHeight(ctx context.Context) (uint64, error) {
	count, err := a.rpc.GetBlockCount(ctx)
	if err != nil {
		return 0, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	if count == 0 {
		return 0, nil
	}
	return count - 1, nil
}

// GetReceipt reads the application log. A transaction the node does not know
// yet is reported as not found.
func (a *Adapter) GetReceipt(ctx context.Context, txHash string) (network.Receipt, error) {
	log, err := a.rpc.GetApplicationLog(ctx, txHash)
	if err != nil {
		if chain.IsNotFound(err) {
			return network.Receipt{}, nil
		}
		return network.Receipt{}, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	if log == nil || len(log.Executions) == 0 {
		return network.Receipt{}, nil
	}
	height, err := a.rpc.GetTransactionHeight(ctx, txHash)
	if err != nil {
		if chain.IsNotFound(err) {
			return network.Receipt{}, nil
		}
		return network.Receipt{}, errors.NetworkUnavailable(a.cfg.Name, err)
	}

	exec := log.Executions[0]
	gasUsed, _ := new(big.Int).SetString(exec.GasConsumed, 10)
	receipt := network.Receipt{Found: true, BlockNumber: height, Success: exec.VMState == "HALT"}
	if gasUsed != nil && gasUsed.IsUint64() {
		receipt.GasUsed = gasUsed.Uint64()
	}
	return receipt, nil
}

// =============================================================================
// Submission
// =============================================================================

type invocation struct {
	script    []byte
	systemFee int64
	from      util.Uint160
}

// invokeTransfer test-invokes transfer. With mustSucceed, a transfer that
// would return false is refused.
func (a *Adapter) invokeTransfer(ctx context.Context, req network.TransferRequest, mustSucceed bool) (*invocation, error) {
	c, err := a.Currency(req.Currency)
	if err != nil {
		return nil, err
	}
	from, err := address.StringToUint160(req.From)
	if err != nil {
		return nil, errors.InvalidAddress(a.cfg.Name, req.From, err)
	}
	to, err := address.StringToUint160(req.To)
	if err != nil {
		return nil, errors.InvalidAddress(a.cfg.Name, req.To, err)
	}
	units, err := network.ToBaseUnits(req.Amount, c.Decimals)
	if err != nil {
		return nil, err
	}

	params := []chain.ContractParam{
		chain.Hash160Param("0x" + from.StringLE()),
		chain.Hash160Param("0x" + to.StringLE()),
		chain.IntegerParam(units.String()),
		{Type: "Any"},
	}
	signers := []chain.Signer{{Account: "0x" + from.StringLE(), Scopes: "CalledByEntry"}}
	result, err := a.rpc.Call(ctx, "invokefunction", []interface{}{c.Contract, "transfer", params, signers})
	if err != nil {
		return nil, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	if state := gjson.GetBytes(result, "state").String(); state != "HALT" {
		return nil, errors.SubmissionFailed(a.cfg.Name,
			fmt.Errorf("transfer simulation faulted: %s", gjson.GetBytes(result, "exception").String()))
	}
	if mustSucceed && !gjson.GetBytes(result, "stack.0.value").Bool() {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("transfer simulation returned false"))
	}

	script, err := base64.StdEncoding.DecodeString(gjson.GetBytes(result, "script").String())
	if err != nil {
		return nil, errors.NetworkUnavailable(a.cfg.Name, fmt.Errorf("decode script: %w", err))
	}
	sysFee, ok := new(big.Int).SetString(gjson.GetBytes(result, "gasconsumed").String(), 10)
	if !ok || !sysFee.IsInt64() {
		return nil, errors.NetworkUnavailable(a.cfg.Name, fmt.Errorf("invalid gasconsumed"))
	}
	return &invocation{script: script, systemFee: sysFee.Int64(), from: from}, nil
}

// BuildTransfer builds and signs a transfer. Fees above the authorized
// amounts in req.Fee are refused.
func (a *Adapter) BuildTransfer(ctx context.Context, req network.TransferRequest, custodian network.Custodian) (*network.SignedTransfer, error) {
	if custodian == nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("no custodian configured"))
	}
	inv, err := a.invokeTransfer(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if limit := req.Fee.SystemFee; limit.IsPositive() && decimal.NewFromInt(inv.systemFee).GreaterThan(limit) {
		return nil, errors.SubmissionFailed(a.cfg.Name,
			fmt.Errorf("system fee %d exceeds authorized %s", inv.systemFee, limit))
	}

	pubBytes, err := custodian.PublicKey(ctx, network.FamilyNeo, a.cfg.Name, req.CustodyAccount())
	if err != nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian public key: %w", err))
	}
	pub, err := keys.NewPublicKeyFromBytes(pubBytes, elliptic.P256())
	if err != nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian public key: %w", err))
	}
	if !pub.GetScriptHash().Equals(inv.from) {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian key does not control %s", req.From))
	}

	count, err := a.rpc.GetBlockCount(ctx)
	if err != nil {
		return nil, errors.NetworkUnavailable(a.cfg.Name, err)
	}

	tx := transaction.New(inv.script, inv.systemFee)
	tx.Nonce = uint32(req.Nonce)
	tx.ValidUntilBlock = uint32(count) + a.cfg.ValidUntilIncrement
	tx.Signers = []transaction.Signer{{Account: inv.from, Scopes: transaction.CalledByEntry}}
	tx.Scripts = []transaction.Witness{{VerificationScript: pub.GetVerificationScript()}}

	netFee, err := a.rpc.CalculateNetworkFee(ctx, base64.StdEncoding.EncodeToString(tx.Bytes()))
	if err != nil {
		return nil, errors.NetworkUnavailable(a.cfg.Name, err)
	}
	if limit := req.Fee.NetworkFee; limit.IsPositive() && decimal.NewFromInt(netFee).GreaterThan(limit) {
		return nil, errors.SubmissionFailed(a.cfg.Name,
			fmt.Errorf("network fee %d exceeds authorized %s", netFee, limit))
	}
	tx.NetworkFee = netFee

	digest := hash.NetSha256(a.rpc.NetworkID(), tx)
	sig, err := custodian.SignDigest(ctx, network.FamilyNeo, a.cfg.Name, req.CustodyAccount(), digest.BytesBE())
	if err != nil {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian sign: %w", err))
	}
	if len(sig) != 64 {
		return nil, errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("custodian returned %d-byte signature", len(sig)))
	}
	tx.Scripts[0].InvocationScript = append([]byte{byte(opcode.PUSHDATA1), 64}, sig...)

	return &network.SignedTransfer{
		Network: a.cfg.Name,
		Hash:    "0x" + tx.Hash().StringLE(),
		Raw:     base64.StdEncoding.EncodeToString(tx.Bytes()),
	}, nil
}

// Broadcast sends a signed transaction. A node that already holds it
// reports success.
func (a *Adapter) Broadcast(ctx context.Context, transfer *network.SignedTransfer) (string, error) {
	got, err := a.rpc.SendRawTransaction(ctx, transfer.Raw)
	if err != nil {
		if chain.IsAlreadyKnown(err) {
			return transfer.Hash, nil
		}
		return "", errors.SubmissionFailed(a.cfg.Name, err)
	}
	if got != "" && !strings.EqualFold(got, transfer.Hash) {
		return "", errors.SubmissionFailed(a.cfg.Name, fmt.Errorf("node returned hash %s, expected %s", got, transfer.Hash))
	}
	return transfer.Hash, nil
}

func (a *Adapter) SubmitTransfer(ctx context.Context, req network.TransferRequest, custodian network.Custodian) (string, error) {
	return network.Submit(ctx, a, req, custodian)
}

// =============================================================================
// Signatures
// =============================================================================

// VerifySignature expects material = compressed public key || r||s. The key
// must hash to signerAddress.
func (a *Adapter) VerifySignature(_ context.Context, signerAddress string, digest, material []byte) error {
	pubBytes, sig, err := network.SplitKeyedSignature(material)
	if err != nil {
		return err
	}
	pub, err := keys.NewPublicKeyFromBytes(pubBytes, elliptic.P256())
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if pub.Address() != a.NormalizeAddress(signerAddress) {
		return fmt.Errorf("public key belongs to %s", pub.Address())
	}
	if !pub.Verify(sig, digest) {
		return fmt.Errorf("signature does not match")
	}
	return nil
}

// AddressFromPublicKey returns the standard account address of a compressed key.
func AddressFromPublicKey(pub []byte) (string, error) {
	key, err := keys.NewPublicKeyFromBytes(pub, elliptic.P256())
	if err != nil {
		return "", err
	}
	return key.Address(), nil
}
