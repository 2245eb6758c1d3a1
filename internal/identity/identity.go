// Package identity implements the asymmetric identities and the
// cryptographic primitives shared by the vault engine: ECIES envelope
// encryption for key distribution, AES-GCM for bulk data and ed25519
// signatures for change provenance.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	ecies "github.com/ecies/go/v2"
	farm "github.com/dgryski/go-farm"
)

var (
	ErrInvalidID = errors.New("invalid identity")
	ErrAuth      = errors.New("authentication failed")
)

const (
	encryptPublicKeySize  = 33 // compressed secp256k1 point
	encryptPrivateKeySize = 32
	signPublicKeySize     = ed25519.PublicKeySize
	signSeedSize          = ed25519.SeedSize

	publicIDSize  = encryptPublicKeySize + signPublicKeySize
	privateIDSize = encryptPrivateKeySize + signSeedSize
)

// PublicID is the shareable half of an identity: a compressed secp256k1
// point followed by an ed25519 public key, base64url encoded.
type PublicID string

// PrivateID is the secret half of an identity: a secp256k1 scalar followed
// by an ed25519 seed, base64url encoded.
type PrivateID string

// NewPrivateID generates a fresh private identity.
func NewPrivateID() (PrivateID, error) {
	encKey, err := ecies.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate secp256k1 key: %w", err)
	}
	_, signKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	packed := append(encKey.Bytes(), signKey.Seed()...)
	return PrivateID(base64.URLEncoding.EncodeToString(packed)), nil
}

// NewKeyPair generates a private identity and derives its public half.
func NewKeyPair() (PublicID, PrivateID, error) {
	priv, err := NewPrivateID()
	if err != nil {
		return "", "", err
	}
	pub, err := priv.Public()
	if err != nil {
		return "", "", err
	}
	return pub, priv, nil
}

// Public derives the public identity. The derivation is deterministic: the
// same private ID always yields the same public ID.
func (p PrivateID) Public() (PublicID, error) {
	encKey, signSeed, err := p.Decode()
	if err != nil {
		return "", err
	}
	pub := ecies.NewPrivateKeyFromBytes(encKey).PublicKey.Bytes(true)
	signPub := ed25519.NewKeyFromSeed(signSeed).Public().(ed25519.PublicKey)
	return PublicID(base64.URLEncoding.EncodeToString(append(pub, signPub...))), nil
}

// Decode splits a private ID into its encryption scalar and signing seed.
// It fails with ErrInvalidID on malformed or truncated input; it never
// returns partial key material.
func (p PrivateID) Decode() (encryptKey, signSeed []byte, err error) {
	data, err := base64.URLEncoding.DecodeString(string(p))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if len(data) != privateIDSize {
		return nil, nil, fmt.Errorf("%w: private ID has %d bytes, want %d", ErrInvalidID, len(data), privateIDSize)
	}
	return data[:encryptPrivateKeySize], data[encryptPrivateKeySize:], nil
}

// Decode splits a public ID into its encryption point and signing key.
// It fails with ErrInvalidID on malformed or truncated input.
func (p PublicID) Decode() (encryptKey, signKey []byte, err error) {
	data, err := base64.URLEncoding.DecodeString(string(p))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if len(data) != publicIDSize {
		return nil, nil, fmt.Errorf("%w: public ID has %d bytes, want %d", ErrInvalidID, len(data), publicIDSize)
	}
	return data[:encryptPublicKeySize], data[encryptPublicKeySize:], nil
}

// DecodePublicID validates an encoded public ID and returns it typed.
func DecodePublicID(encoded string) (PublicID, error) {
	id := PublicID(encoded)
	if _, _, err := id.Decode(); err != nil {
		return "", err
	}
	return id, nil
}

// DecodePrivateID validates an encoded private ID and returns it typed.
func DecodePrivateID(encoded string) (PrivateID, error) {
	id := PrivateID(encoded)
	if _, _, err := id.Decode(); err != nil {
		return "", err
	}
	return id, nil
}

func (p PublicID) String() string  { return string(p) }
func (p PrivateID) String() string { return string(p) }

// ShortID returns a compact 64-bit reference for a public ID, used inside
// encoded file heads where the full 65-byte ID would dominate the record.
func ShortID(p PublicID) uint64 {
	data, _ := base64.URLEncoding.DecodeString(string(p))
	return farm.Hash64(data)
}

// Sign signs data with the ed25519 half of the private identity.
func Sign(p PrivateID, data []byte) ([]byte, error) {
	_, seed, err := p.Decode()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(seed), data), nil
}

// Verify reports whether sig is a valid signature of data by the identity.
func Verify(p PublicID, data, sig []byte) bool {
	_, signKey, err := p.Decode()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signKey), data, sig)
}
