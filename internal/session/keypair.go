package session

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/mselser95/pool-settler/pkg/types"
)

// Keypair is an ed25519 signing identity.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  types.Handle
}

// ParseKeypair decodes a base58 secret key: either the 64-byte
// seed||public form or a bare 32-byte seed.
func ParseKeypair(secret string) (kp *Keypair, err error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("secret key cannot be empty")
	}

	raw := base58.Decode(secret)
	switch len(raw) {
	case ed25519.SeedSize:
		return NewKeypairFromSeed(raw)
	case ed25519.PrivateKeySize:
		kp, err = NewKeypairFromSeed(raw[:ed25519.SeedSize])
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(kp.pub[:], raw[ed25519.SeedSize:]) {
			return nil, errors.New("secret key public half does not match its seed")
		}
		return kp, nil
	default:
		return nil, fmt.Errorf("secret key decoded to %d bytes, want %d or %d",
			len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// NewKeypairFromSeed derives a keypair from a 32-byte seed.
func NewKeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub, err := types.HandleFromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}

	return &Keypair{priv: priv, pub: pub}, nil
}

// PublicKey returns the signer's address.
func (k *Keypair) PublicKey() types.Handle {
	return k.pub
}

// Sign signs message with the private key.
func (k *Keypair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, message), nil
}

// Secret returns the base58 64-byte secret key.
func (k *Keypair) Secret() string {
	return base58.Encode(k.priv)
}
