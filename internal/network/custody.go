package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// Custodian is the key-management capability that signs network
// transactions on behalf of treasury wallets. Production deployments back
// it with an HSM; private keys never leave it.
type Custodian interface {
	PublicKey(ctx context.Context, family Family, network, account string) ([]byte, error)
	SignDigest(ctx context.Context, family Family, network, account string, digest []byte) ([]byte, error)
}

var custodySalt = []byte("treasury-custody")

// DevKeystore derives per-account keys from a seed. It is meant for
// development networks and tests only.
type DevKeystore struct {
	seed []byte

	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

// NewDevKeystore creates a keystore from a master seed.
func NewDevKeystore(seed []byte) (*DevKeystore, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("custody seed must be at least 16 bytes")
	}
	return &DevKeystore{seed: append([]byte(nil), seed...), keys: make(map[string]*ecdsa.PrivateKey)}, nil
}

// PublicKey returns the compressed public key for an account.
func (k *DevKeystore) PublicKey(_ context.Context, family Family, network, account string) ([]byte, error) {
	priv, err := k.key(family, network, account)
	if err != nil {
		return nil, err
	}
	if family == FamilyEVM {
		return ethcrypto.CompressPubkey(&priv.PublicKey), nil
	}
	return elliptic.MarshalCompressed(priv.Curve, priv.X, priv.Y), nil
}

// SignDigest signs a 32-byte digest. EVM accounts get a 65-byte recoverable
// secp256k1 signature; other families get a 64-byte P-256 r||s signature.
func (k *DevKeystore) SignDigest(_ context.Context, family Family, network, account string, digest []byte) ([]byte, error) {
	priv, err := k.key(family, network, account)
	if err != nil {
		return nil, err
	}
	if family == FamilyEVM {
		return ethcrypto.Sign(digest, priv)
	}
	return SignP256(rand.Reader, priv, digest)
}

func (k *DevKeystore) key(family Family, network, account string) (*ecdsa.PrivateKey, error) {
	id := string(family) + "|" + network + "|" + account

	k.mu.Lock()
	defer k.mu.Unlock()
	if priv, ok := k.keys[id]; ok {
		return priv, nil
	}

	reader := hkdf.New(sha256.New, k.seed, custodySalt, []byte(id))
	okm := make([]byte, 32)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	var (
		priv *ecdsa.PrivateKey
		err  error
	)
	if family == FamilyEVM {
		priv, err = ethcrypto.ToECDSA(okm)
	} else {
		priv, err = p256FromScalar(okm)
	}
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	k.keys[id] = priv
	return priv, nil
}

// p256FromScalar maps key material into [1, n-1] on P-256.
func p256FromScalar(okm []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	n := curve.Params().N

	d := new(big.Int).SetBytes(okm)
	d.Mod(d, new(big.Int).Sub(n, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	priv := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve}, D: d}
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	if !curve.IsOnCurve(priv.PublicKey.X, priv.PublicKey.Y) {
		return nil, fmt.Errorf("derived key is not on curve")
	}
	return priv, nil
}

// SignP256 produces a 64-byte r||s signature over a digest.
func SignP256(randReader io.Reader, priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if randReader == nil {
		randReader = rand.Reader
	}
	r, s, err := ecdsa.Sign(randReader, priv, digest)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// VerifyP256 checks a 64-byte r||s signature against a compressed public key.
func VerifyP256(compressedPub, digest, sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("signature must be 64 bytes, got %d", len(sig))
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), compressedPub)
	if x == nil {
		return fmt.Errorf("invalid P-256 public key")
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest, r, s) {
		return fmt.Errorf("signature does not match")
	}
	return nil
}

// SplitKeyedSignature splits P-256 signature material of the form
// compressed public key (33 bytes) || r||s (64 bytes).
func SplitKeyedSignature(material []byte) (pub, sig []byte, err error) {
	if len(material) != 97 {
		return nil, nil, fmt.Errorf("signature material must be 97 bytes (pubkey||signature), got %d", len(material))
	}
	return material[:33], material[33:], nil
}
