package network

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // Hash160 address derivation
)

// Derivation is a wallet's on-chain address and the custodian account whose
// key controls it.
type Derivation struct {
	Address        string
	CustodyAccount string
}

// AddressDeriver derives a wallet address from its signer set and quorum.
// Implementations must be deterministic.
type AddressDeriver interface {
	DeriveAddress(ctx context.Context, adapter Adapter, signers []string, required int) (Derivation, error)
}

// HashDeriver derives addresses as Hash160 over the network name, quorum
// and sorted signer set. No custodian key controls such an address, so it
// only suits networks that do not check the submitting key.
type HashDeriver struct{}

// DeriveAddress implements AddressDeriver.
func (HashDeriver) DeriveAddress(_ context.Context, adapter Adapter, signers []string, required int) (Derivation, error) {
	if len(signers) == 0 {
		return Derivation{}, fmt.Errorf("signer set is empty")
	}
	h := sha256.New()
	writeDescriptor(h, adapter.Name(), signers, required)
	address := adapter.FormatAddress(Hash160(h.Sum(nil)))
	return Derivation{Address: address, CustodyAccount: address}, nil
}

// CustodianDeriver gives each wallet its own custodian key, named after the
// network, quorum and signer set, and uses the address that key controls.
// The custodian signs submissions once the signer quorum has approved.
type CustodianDeriver struct {
	custodian Custodian
}

// NewCustodianDeriver creates a deriver backed by custodian.
func NewCustodianDeriver(custodian Custodian) *CustodianDeriver {
	return &CustodianDeriver{custodian: custodian}
}

// DeriveAddress implements AddressDeriver.
func (d *CustodianDeriver) DeriveAddress(ctx context.Context, adapter Adapter, signers []string, required int) (Derivation, error) {
	if len(signers) == 0 {
		return Derivation{}, fmt.Errorf("signer set is empty")
	}
	account := CustodyLabel(adapter.Name(), signers, required)
	pub, err := d.custodian.PublicKey(ctx, adapter.Family(), adapter.Name(), account)
	if err != nil {
		return Derivation{}, fmt.Errorf("custodian public key: %w", err)
	}
	address, err := adapter.AddressFromPublicKey(pub)
	if err != nil {
		return Derivation{}, fmt.Errorf("address from custodian key: %w", err)
	}
	return Derivation{Address: address, CustodyAccount: account}, nil
}

// CustodyLabel names the custodian account of a signer set. Signer order
// does not matter.
func CustodyLabel(networkName string, signers []string, required int) string {
	h := sha256.New()
	writeDescriptor(h, networkName, signers, required)
	return "multisig:" + hex.EncodeToString(h.Sum(nil))
}

func writeDescriptor(h hash.Hash, networkName string, signers []string, required int) {
	sorted := append([]string(nil), signers...)
	sort.Strings(sorted)

	h.Write([]byte("treasury-multisig-v1"))
	h.Write([]byte{0})
	h.Write([]byte(networkName))
	h.Write([]byte{0})
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(required))
	h.Write(k[:])
	for _, s := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
}

// Hash160 returns ripemd160(sha256(data)).
func Hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sum[:])
	return r.Sum(nil)
}
