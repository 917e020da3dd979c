package utxo

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/network"
)

func TestEveryOperationFailsClosed(t *testing.T) {
	ctx := context.Background()
	a := New("bitcoin", "BTC", 8)
	req := network.TransferRequest{From: "bc1qsource", To: "bc1qdest", Amount: decimal.NewFromInt(1), Currency: "BTC"}

	_, currencyErr := a.Currency("BTC")
	_, balanceErr := a.GetTokenBalance(ctx, "bc1q", "BTC")
	_, nativeErr := a.GetNativeBalance(ctx, "bc1q")
	_, nonceErr := a.GetNonce(ctx, "bc1q")
	_, feeErr := a.EstimateTransferFee(ctx, req)
	_, buildErr := a.BuildTransfer(ctx, req, nil)
	_, broadcastErr := a.Broadcast(ctx, &network.SignedTransfer{})
	_, submitErr := a.SubmitTransfer(ctx, req, nil)
	_, receiptErr := a.GetReceipt(ctx, "abcd")
	_, heightErr := a.BlockHeight(ctx)

	for _, err := range []error{
		a.ValidateAddress("bc1qsource"),
		currencyErr, balanceErr, nativeErr, nonceErr, feeErr,
		buildErr, broadcastErr, submitErr, receiptErr, heightErr,
		a.VerifySignature(ctx, "bc1q", nil, nil),
	} {
		assert.True(t, errors.HasCode(err, errors.CodeNetworkUnsupported), "%v", err)
	}
}
