package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/crypto"
	"peerdrop/internal/protocol"
)

// Receiver accumulates the raw packages of one file in arrival order and
// decodes them all in Finish. Buffering raw keeps receipt acknowledgment
// independent of decode speed and correctness.
type Receiver struct {
	logger *logrus.Logger

	name      string
	algorithm protocol.Algorithm
	key       [crypto.KeySize]byte
	packages  [][]byte
	wireBytes int64
	started   time.Time
}

func NewReceiver(logger *logrus.Logger) *Receiver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Receiver{logger: logger}
}

// Start arms the receiver for one file, discarding any previous buffer.
func (r *Receiver) Start(name string, algorithm protocol.Algorithm, key [crypto.KeySize]byte) {
	r.name = name
	r.algorithm = algorithm
	r.key = key
	r.packages = nil
	r.wireBytes = 0
	r.started = time.Now()
	r.logger.Infof("Receiving %q (algorithm=%s)", name, algorithm)
}

// Add buffers one wire package. Packages are not decoded here.
func (r *Receiver) Add(pkg []byte) {
	r.packages = append(r.packages, pkg)
	r.wireBytes += int64(len(pkg))
}

// Finish decodes every buffered package in arrival order and returns the
// concatenation of the chunks that survived. A package that fails to
// decrypt or decompress is skipped and counted, never fatal. Zero buffered
// packages yield an empty result.
func (r *Receiver) Finish() ([]byte, Stats) {
	stats := Stats{
		Name:      r.name,
		Algorithm: r.algorithm,
		WireBytes: r.wireBytes,
	}

	var out []byte
	for index, pkg := range r.packages {
		chunk, err := crypto.Open(r.key, pkg)
		if err != nil {
			r.logger.Warnf("Dropping chunk %d of %q: %v", index, r.name, err)
			stats.BadChunks++
			continue
		}

		if r.algorithm == protocol.AlgorithmZlib {
			chunk, err = inflateChunk(chunk)
			if err != nil {
				r.logger.Warnf("Dropping chunk %d of %q: decompress: %v", index, r.name, err)
				stats.BadChunks++
				continue
			}
		}

		out = append(out, chunk...)
	}

	r.packages = nil
	stats.OriginalBytes = int64(len(out))
	if !r.started.IsZero() {
		stats.Elapsed = time.Since(r.started)
	}

	r.logger.Infof("Reassembled %q: %d bytes from %d bytes on the wire (%d bad chunks)",
		r.name, stats.OriginalBytes, stats.WireBytes, stats.BadChunks)
	return out, stats
}
