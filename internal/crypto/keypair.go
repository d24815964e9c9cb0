// Package crypto implements the key agreement and authenticated encryption
// used by peerdrop sessions: X25519 for the handshake, HKDF-SHA256 for key
// derivation and ChaCha20-Poly1305 for chunk packages.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// KeyPair holds an X25519 key pair. The public component is what gets
// exported into a conn-request/conn-accept payload.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.Public[:], pub)

	return &kp, nil
}

// PublicBytes exports the public key for transport.
func (kp *KeyPair) PublicBytes() []byte {
	out := make([]byte, KeySize)
	copy(out, kp.Public[:])
	return out
}

// ImportPublicKey validates and imports a peer's exported public key.
func ImportPublicKey(data []byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	if len(data) != KeySize {
		return pub, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(data), KeySize)
	}
	copy(pub[:], data)
	if isZeroKey(pub) {
		return pub, fmt.Errorf("%w: all zeros", ErrInvalidPublicKey)
	}
	return pub, nil
}

func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// ZeroBytes wipes a byte slice, used to discard key material on session
// teardown.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
