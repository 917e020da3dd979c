package multisig

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

func TestSigningHashCoversImmutableFields(t *testing.T) {
	base := func() *treasury.MultiSigTransaction {
		return &treasury.MultiSigTransaction{
			Network:       "simnet",
			WalletAddress: "sim1" + "1111111111111111111111111111111111111111",
			ToAddress:     payee,
			Amount:        decimal.RequireFromString("12.5"),
			Currency:      "USDT",
			Nonce:         7,
			Fee:           treasury.FeeParams{GasLimit: 65000, GasPrice: decimal.NewFromInt(10), Total: decimal.RequireFromString("0.0065")},
		}
	}
	want := SigningHash(base())
	assert.Len(t, want, 64)
	assert.Equal(t, want, SigningHash(base()))

	edits := map[string]func(*treasury.MultiSigTransaction){
		"amount":   func(tx *treasury.MultiSigTransaction) { tx.Amount = decimal.RequireFromString("12.6") },
		"to":       func(tx *treasury.MultiSigTransaction) { tx.ToAddress = "sim1" + "4444444444444444444444444444444444444444" },
		"nonce":    func(tx *treasury.MultiSigTransaction) { tx.Nonce = 8 },
		"currency": func(tx *treasury.MultiSigTransaction) { tx.Currency = "SIM" },
		"fee":      func(tx *treasury.MultiSigTransaction) { tx.Fee.GasLimit = 21000 },
	}
	for name, edit := range edits {
		tx := base()
		edit(tx)
		assert.NotEqual(t, want, SigningHash(tx), name)
	}

	// Signatures and status do not change what signers sign.
	tx := base()
	tx.Status = treasury.TxPartiallySigned
	tx.Signatures = []treasury.MultiSigSignature{{SignerAddress: payee}}
	assert.Equal(t, want, SigningHash(tx))
}

func TestDecodeMaterial(t *testing.T) {
	raw, err := decodeMaterial("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)

	_, err = decodeMaterial(" ")
	assert.Error(t, err)
	_, err = decodeMaterial("xyz")
	assert.Error(t, err)
}
