package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to this protocol; both sides must use the
// same constant or agreement fails.
var hkdfInfo = []byte("peerdrop-session-v1")

// DeriveSessionKey computes the shared symmetric key from our private key
// and the peer's public key. Both sides of a handshake derive the same key.
func DeriveSessionKey(private [KeySize]byte, peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var key [KeySize]byte

	shared, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return key, fmt.Errorf("key agreement failed: %w", err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		ZeroBytes(shared)
		return key, fmt.Errorf("key derivation failed: %w", err)
	}
	ZeroBytes(shared)

	return key, nil
}
