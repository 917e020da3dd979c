package simnet

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/network"
)

func newTestNetwork() *Network {
	return New(Config{Name: "simnet", Tokens: map[string]int32{"USDT": 6}, DefaultCurrency: "USDT"})
}

func TestTransferLifecycle(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork()
	custodian, err := network.NewDevKeystore([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	from := n.FormatAddress(network.Hash160([]byte("treasury")))
	to := n.FormatAddress(network.Hash160([]byte("merchant")))
	n.Fund(from, "USDT", decimal.NewFromInt(1000))
	n.Fund(from, "SIM", decimal.NewFromInt(1))

	fee, err := n.EstimateTransferFee(ctx, network.TransferRequest{From: from, To: to, Currency: "USDT"})
	require.NoError(t, err)
	assert.Equal(t, uint64(65000), fee.GasLimit)

	req := network.TransferRequest{From: from, To: to, Amount: decimal.NewFromInt(400), Currency: "USDT", Fee: fee}
	signed, err := n.BuildTransfer(ctx, req, custodian)
	require.NoError(t, err)

	hash, err := n.Broadcast(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, hash)

	// Rebroadcasting the same payload does not move funds twice.
	_, err = n.Broadcast(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Broadcasts())

	receipt, err := n.GetReceipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, receipt.Found)
	assert.True(t, receipt.Success)

	bal, err := n.GetTokenBalance(ctx, to, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(400)))

	nonce, err := n.GetNonce(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
}

func TestInsufficientFundsReverts(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork()
	from := n.FormatAddress(network.Hash160([]byte("empty")))
	to := n.FormatAddress(network.Hash160([]byte("merchant")))

	hash, err := n.SubmitTransfer(ctx, network.TransferRequest{From: from, To: to, Amount: decimal.NewFromInt(5), Currency: "USDT"}, nil)
	require.NoError(t, err)

	receipt, err := n.GetReceipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, receipt.Found)
	assert.False(t, receipt.Success)
}

func TestVerifySignature(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork()
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("transfer"))
	material, err := key.SignMaterial(digest[:])
	require.NoError(t, err)

	require.NoError(t, n.ValidateAddress(key.Address()))
	assert.NoError(t, n.VerifySignature(ctx, key.Address(), digest[:], material))
	assert.Error(t, n.VerifySignature(ctx, other.Address(), digest[:], material))

	tampered := sha256.Sum256([]byte("other transfer"))
	assert.Error(t, n.VerifySignature(ctx, key.Address(), tampered[:], material))
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork()
	n.FailReads(fmt.Errorf("node offline"))

	_, err := n.BlockHeight(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeNetworkUnavailable))

	n.FailReads(nil)
	n.FailBroadcasts(fmt.Errorf("mempool full"))
	_, err = n.SubmitTransfer(ctx, network.TransferRequest{From: "sim1", Currency: "SIM"}, nil)
	assert.True(t, errors.HasCode(err, errors.CodeSubmissionFailed))
}

func TestValidateAddress(t *testing.T) {
	n := newTestNetwork()
	assert.Error(t, n.ValidateAddress("0x1234"))
	assert.Error(t, n.ValidateAddress("sim1zz"))
	assert.NoError(t, n.ValidateAddress(n.FormatAddress(make([]byte, 20))))
}
