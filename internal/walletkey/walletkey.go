// Package walletkey loads the Ed25519 keypair backing a wallet's sign
// hook. Signing a real transaction belongs to the swap engine; the
// default adapter in internal/swap only needs a minimal keypair to call,
// and this package provides it (base58 private key, Sign/Address).
package walletkey

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// Wallet holds one wallet's signing key.
type Wallet struct {
	privateKey ed25519.PrivateKey
	address    string
}

// Load decodes a base58-encoded private key (32-byte seed or 64-byte
// expanded key, matching the two forms Solana keypairs are distributed
// in).
func Load(privateKeyBase58 string) (*Wallet, error) {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("walletkey: decode private key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("walletkey: invalid private key length %d (want %d or %d)", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &Wallet{privateKey: priv, address: base58.Encode(pub)}, nil
}

// Address returns the wallet's base58-encoded public key.
func (w *Wallet) Address() string { return w.address }

// Sign signs an arbitrary message with the wallet's private key.
func (w *Wallet) Sign(message []byte) []byte {
	return ed25519.Sign(w.privateKey, message)
}
