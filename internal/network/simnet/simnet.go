// Package simnet provides a deterministic in-memory network. It implements
// the full network.Adapter contract so the treasury can run end-to-end in
// development and tests without a node.
package simnet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/network"
)

const addressPrefix = "sim1"

// Config configures a simulated network.
type Config struct {
	Name             string
	NativeSymbol     string
	NativeDecimals   int32
	Tokens           map[string]int32 // symbol -> decimals
	DefaultCurrency  string
	MinConfirmations uint64
	GasPrice         int64
}

type receipt struct {
	block   uint64
	success bool
	gasUsed uint64
}

// Network is an in-memory network.Adapter.
type Network struct {
	cfg        Config
	currencies map[string]network.Currency

	mu         sync.Mutex
	height     uint64
	balances   map[string]map[string]decimal.Decimal
	nonces     map[string]uint64
	receipts   map[string]receipt
	broadcasts int

	// Failure injection.
	broadcastErr error
	readErr      error
	revertNext   bool
	holdReceipts bool
}

var _ network.Adapter = (*Network)(nil)

// New creates a simulated network.
func New(cfg Config) *Network {
	if cfg.Name == "" {
		cfg.Name = "simnet"
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "SIM"
	}
	if cfg.NativeDecimals == 0 {
		cfg.NativeDecimals = 8
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.GasPrice == 0 {
		cfg.GasPrice = 10
	}

	currencies := map[string]network.Currency{
		cfg.NativeSymbol: {Symbol: cfg.NativeSymbol, Decimals: cfg.NativeDecimals, Native: true},
	}
	for symbol, decimals := range cfg.Tokens {
		currencies[symbol] = network.Currency{Symbol: symbol, Contract: "token:" + symbol, Decimals: decimals}
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = cfg.NativeSymbol
	}

	return &Network{
		cfg:        cfg,
		currencies: currencies,
		height:     1,
		balances:   make(map[string]map[string]decimal.Decimal),
		nonces:     make(map[string]uint64),
		receipts:   make(map[string]receipt),
	}
}

func (n *Network) Name() string { return n.cfg.Name }
func (n *Network) Family() network.Family { return network.FamilySimnet }
func (n *Network) MinConfirmations() uint64 { return n.cfg.MinConfirmations }
func (n *Network) DefaultCurrency() string { return n.cfg.DefaultCurrency }

// ValidateAddress accepts sim1 followed by 40 hex characters.
func (n *Network) ValidateAddress(address string) error {
	if !strings.HasPrefix(address, addressPrefix) {
		return errors.InvalidAddress(n.cfg.Name, address, fmt.Errorf("missing %s prefix", addressPrefix))
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(address, addressPrefix))
	if err != nil || len(raw) != 20 {
		return errors.InvalidAddress(n.cfg.Name, address, fmt.Errorf("expected 20-byte hex payload"))
	}
	return nil
}

func (n *Network) NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func (n *Network) FormatAddress(hash []byte) string {
	return addressPrefix + hex.EncodeToString(hash)
}

func (n *Network) AddressFromPublicKey(pub []byte) (string, error) {
	return AddressFromPublicKey(pub), nil
}

func (n *Network) Currency(symbol string) (network.Currency, error) {
	c, ok := n.currencies[symbol]
	if !ok {
		return network.Currency{}, errors.InvalidInput("currency", fmt.Sprintf("%s is not configured on %s", symbol, n.cfg.Name))
	}
	return c, nil
}

func (n *Network) NativeCurrency() network.Currency {
	return n.currencies[n.cfg.NativeSymbol]
}

func (n *Network) Currencies() []network.Currency {
	out := make([]network.Currency, 0, len(n.currencies))
	for _, c := range n.currencies {
		out = append(out, c)
	}
	return out
}

// =============================================================================
// Reads
// =============================================================================

func (n *Network) GetTokenBalance(_ context.Context, address, currency string) (decimal.Decimal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.readErr != nil {
		return decimal.Zero, errors.NetworkUnavailable(n.cfg.Name, n.readErr)
	}
	return n.balances[address][currency], nil
}

func (n *Network) GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return n.GetTokenBalance(ctx, address, n.cfg.NativeSymbol)
}

func (n *Network) GetNonce(_ context.Context, address string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.readErr != nil {
		return 0, errors.NetworkUnavailable(n.cfg.Name, n.readErr)
	}
	return n.nonces[address], nil
}

func (n *Network) EstimateTransferFee(_ context.Context, req network.TransferRequest) (treasury.FeeParams, error) {
	n.mu.Lock()
	readErr := n.readErr
	n.mu.Unlock()
	if readErr != nil {
		return treasury.FeeParams{}, errors.NetworkUnavailable(n.cfg.Name, readErr)
	}

	gasLimit := uint64(21000)
	if c, ok := n.currencies[req.Currency]; ok && !c.Native {
		gasLimit = 65000
	}
	fee := treasury.FeeParams{
		GasLimit:   gasLimit,
		GasPrice:   decimal.NewFromInt(n.cfg.GasPrice),
		NetworkFee: decimal.Zero,
		SystemFee:  decimal.Zero,
	}
	fee.Total = network.FeeTotal(fee, n.cfg.NativeDecimals)
	return fee, nil
}

func (n *Network) BlockHeight(_ context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.readErr != nil {
		return 0, errors.NetworkUnavailable(n.cfg.Name, n.readErr)
	}
	return n.height, nil
}

func (n *Network) GetReceipt(_ context.Context, hash string) (network.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.readErr != nil {
		return network.Receipt{}, errors.NetworkUnavailable(n.cfg.Name, n.readErr)
	}
	r, ok := n.receipts[hash]
	if !ok || n.holdReceipts {
		return network.Receipt{}, nil
	}
	return network.Receipt{Found: true, BlockNumber: r.block, Success: r.success, GasUsed: r.gasUsed}, nil
}

// =============================================================================
// Submission
// =============================================================================

type payload struct {
	From     string             `json:"from"`
	To       string             `json:"to"`
	Amount   decimal.Decimal    `json:"amount"`
	Currency string             `json:"currency"`
	Nonce    uint64             `json:"nonce"`
	Fee      treasury.FeeParams `json:"fee"`
	Sig      string             `json:"sig,omitempty"`
}

func (n *Network) BuildTransfer(ctx context.Context, req network.TransferRequest, custodian network.Custodian) (*network.SignedTransfer, error) {
	if _, err := n.Currency(req.Currency); err != nil {
		return nil, err
	}
	p := payload{From: req.From, To: req.To, Amount: req.Amount, Currency: req.Currency, Nonce: req.Nonce, Fee: req.Fee}
	unsigned, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(unsigned)

	if custodian != nil {
		sig, err := custodian.SignDigest(ctx, network.FamilySimnet, n.cfg.Name, req.CustodyAccount(), digest[:])
		if err != nil {
			return nil, fmt.Errorf("custodian sign: %w", err)
		}
		p.Sig = hex.EncodeToString(sig)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return &network.SignedTransfer{
		Network: n.cfg.Name,
		Hash:    "0x" + hex.EncodeToString(digest[:]),
		Raw:     hex.EncodeToString(raw),
	}, nil
}

// Broadcast applies the transfer and mines it into the next block.
// Re-broadcasting a known hash is a no-op.
func (n *Network) Broadcast(_ context.Context, transfer *network.SignedTransfer) (string, error) {
	raw, err := hex.DecodeString(transfer.Raw)
	if err != nil {
		return "", errors.SubmissionFailed(n.cfg.Name, fmt.Errorf("decode payload: %w", err))
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", errors.SubmissionFailed(n.cfg.Name, fmt.Errorf("decode payload: %w", err))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, known := n.receipts[transfer.Hash]; known {
		return transfer.Hash, nil
	}
	if n.broadcastErr != nil {
		return "", errors.SubmissionFailed(n.cfg.Name, n.broadcastErr)
	}
	if p.Nonce < n.nonces[p.From] {
		return "", errors.SubmissionFailed(n.cfg.Name, fmt.Errorf("nonce too low: have %d, next %d", p.Nonce, n.nonces[p.From]))
	}
	n.broadcasts++
	n.height++

	fee := p.Fee.Total
	success := !n.revertNext
	n.revertNext = false

	native := n.cfg.NativeSymbol
	debitToken := p.Amount
	debitNative := fee
	if p.Currency == native {
		debitToken = decimal.Zero
		debitNative = fee.Add(p.Amount)
	}
	if n.balances[p.From][native].LessThan(debitNative) || n.balances[p.From][p.Currency].LessThan(debitToken) {
		success = false
	}
	if success {
		n.credit(p.From, native, debitNative.Neg())
		if !debitToken.IsZero() {
			n.credit(p.From, p.Currency, debitToken.Neg())
		}
		n.credit(p.To, p.Currency, p.Amount)
	}
	n.nonces[p.From] = p.Nonce + 1
	n.receipts[transfer.Hash] = receipt{block: n.height, success: success, gasUsed: p.Fee.GasLimit}
	return transfer.Hash, nil
}

func (n *Network) SubmitTransfer(ctx context.Context, req network.TransferRequest, custodian network.Custodian) (string, error) {
	return network.Submit(ctx, n, req, custodian)
}

func (n *Network) credit(address, symbol string, delta decimal.Decimal) {
	if n.balances[address] == nil {
		n.balances[address] = make(map[string]decimal.Decimal)
	}
	n.balances[address][symbol] = n.balances[address][symbol].Add(delta)
}

// =============================================================================
// Signatures
// =============================================================================

// VerifySignature expects material = compressed P-256 public key || r||s, where
// the public key hashes to signerAddress.
func (n *Network) VerifySignature(_ context.Context, signerAddress string, digest, material []byte) error {
	pub, sig, err := network.SplitKeyedSignature(material)
	if err != nil {
		return err
	}
	if got := AddressFromPublicKey(pub); got != n.NormalizeAddress(signerAddress) {
		return fmt.Errorf("public key belongs to %s", got)
	}
	return network.VerifyP256(pub, digest, sig)
}

// AddressFromPublicKey derives a simnet address from a compressed public key.
func AddressFromPublicKey(pub []byte) string {
	return addressPrefix + hex.EncodeToString(network.Hash160(pub))
}

// =============================================================================
// Test and development controls
// =============================================================================

// Fund credits an address.
func (n *Network) Fund(address, symbol string, amount decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credit(address, symbol, amount)
}

// Mine advances the chain by blocks.
func (n *Network) Mine(blocks uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.height += blocks
}

// Broadcasts returns how many transfers were accepted.
func (n *Network) Broadcasts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.broadcasts
}

// FailBroadcasts makes every broadcast fail with err until reset with nil.
func (n *Network) FailBroadcasts(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcastErr = err
}

// FailReads makes every read fail with err until reset with nil.
func (n *Network) FailReads(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readErr = err
}

// RevertNext makes the next broadcast transfer revert.
func (n *Network) RevertNext() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revertNext = true
}

// HoldReceipts hides receipts, as if transfers were still in the mempool.
func (n *Network) HoldReceipts(hold bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holdReceipts = hold
}

// KeyPair is a simnet signer key.
type KeyPair struct {
	priv *ecdsa.PrivateKey
}

// GenerateKey creates a random signer key.
func GenerateKey() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), k.priv.X, k.priv.Y)
}

// Address returns the simnet address of the key.
func (k *KeyPair) Address() string {
	return AddressFromPublicKey(k.PublicKey())
}

// SignMaterial signs digest and returns public key || signature.
func (k *KeyPair) SignMaterial(digest []byte) ([]byte, error) {
	sig, err := network.SignP256(rand.Reader, k.priv, digest)
	if err != nil {
		return nil, err
	}
	return append(k.PublicKey(), sig...), nil
}
