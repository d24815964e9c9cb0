package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the length of the IV prepended to every sealed package.
const NonceSize = chacha20poly1305.NonceSize

var ErrPackageTooShort = errors.New("package shorter than nonce")

// Seal encrypts plaintext with a fresh random nonce and returns the wire
// package nonce||ciphertext. The nonce is never reused across packages.
func Seal(key [KeySize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open splits the nonce prefix from pkg, authenticates and decrypts.
// A truncated or tampered package returns an error.
func Open(key [KeySize]byte, pkg []byte) ([]byte, error) {
	if len(pkg) < NonceSize {
		return nil, ErrPackageTooShort
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	nonce, ciphertext := pkg[:NonceSize], pkg[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	return plaintext, nil
}
