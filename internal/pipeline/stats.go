// Package pipeline moves one file at a time across a secure session:
// the sender classifies, compresses, encrypts and transmits fixed-size
// chunks under a stop-and-wait discipline; the receiver buffers the raw
// packages and decodes them in one finalize pass.
package pipeline

import (
	"time"

	"peerdrop/internal/protocol"
)

// Stats summarizes one transfer job. Derived per job, never authoritative.
type Stats struct {
	Name      string
	Algorithm protocol.Algorithm

	// OriginalBytes is the plaintext size: the file size on the sending
	// side, the reassembled length on the receiving side.
	OriginalBytes int64
	// WireBytes counts the bytes that actually crossed the relay
	// (compressed, encrypted, nonce included).
	WireBytes int64
	// BadChunks counts chunks lost to compression, decryption or
	// decompression failures. Bad chunks never abort a transfer.
	BadChunks int
	Elapsed   time.Duration
}
