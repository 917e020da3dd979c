package multisig

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

const signingDomain = "treasury-multisig-tx-v1"

// SigningDigest is the digest every signer signs. It covers only the fields
// that never change after creation.
func SigningDigest(tx *treasury.MultiSigTransaction) []byte {
	h := sha256.New()
	h.Write([]byte(signingDomain))
	field := func(s string) {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	uint64Field := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		h.Write([]byte{0})
		h.Write(b[:])
	}

	field(tx.Network)
	field(tx.WalletAddress)
	field(tx.ToAddress)
	field(tx.Amount.String())
	field(tx.Currency)
	uint64Field(tx.Nonce)
	uint64Field(tx.Fee.GasLimit)
	field(tx.Fee.GasPrice.String())
	field(tx.Fee.Total.String())
	return h.Sum(nil)
}

// SigningHash is the hex form of SigningDigest.
func SigningHash(tx *treasury.MultiSigTransaction) string {
	return hex.EncodeToString(SigningDigest(tx))
}

// decodeMaterial accepts hex signature material with an optional 0x prefix.
func decodeMaterial(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("signature is empty")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature must be hex: %w", err)
	}
	return raw, nil
}
