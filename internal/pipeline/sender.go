package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/internal/classify"
	"peerdrop/internal/crypto"
	"peerdrop/internal/protocol"
)

// TransmitFunc sends one payload to the peer and returns once the peer's
// acknowledgment arrived. The pipeline calls it for at most one chunk at a
// time.
type TransmitFunc func(ctx context.Context, msg protocol.Message) error

type Sender struct {
	logger    *logrus.Logger
	chunkSize int
}

func NewSender(logger *logrus.Logger, chunkSize int) *Sender {
	if logger == nil {
		logger = logrus.New()
	}
	if chunkSize <= 0 {
		chunkSize = protocol.MaxChunkSize
	}
	return &Sender{logger: logger, chunkSize: chunkSize}
}

// SendFile streams one file through transmit: a file-start announcement,
// then one package per chunk in order, each acknowledged before the next
// chunk is produced, then a file-end. A chunk that fails to compress is
// sent raw and counted; only transmit or encryption errors abort the job.
func (s *Sender) SendFile(ctx context.Context, r io.Reader, name string, size int64, key [crypto.KeySize]byte, strategy classify.Strategy, transmit TransmitFunc) (Stats, error) {
	algorithm := algorithmFor(strategy)
	stats := Stats{Name: name, Algorithm: algorithm, OriginalBytes: size}
	start := time.Now()

	s.logger.Infof("Sending %q (%d bytes, algorithm=%s)", name, size, algorithm)
	err := transmit(ctx, &protocol.FileStart{Name: name, Size: size, Algorithm: algorithm})
	if err != nil {
		return stats, fmt.Errorf("send %q: announce: %w", name, err)
	}

	buf := make([]byte, s.chunkSize)
	for index := 0; ; index++ {
		n, readErr := io.ReadFull(r, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return stats, fmt.Errorf("send %q: read chunk %d: %w", name, index, readErr)
		}

		chunk := buf[:n]
		if algorithm == protocol.AlgorithmZlib {
			compressed, err := deflateChunk(chunk)
			if err != nil {
				// The raw chunk still goes out; the receiver will fail to
				// inflate it and count it on their side too.
				s.logger.Warnf("Chunk %d of %q failed to compress, sending raw: %v", index, name, err)
				stats.BadChunks++
			} else {
				chunk = compressed
			}
		}

		pkg, err := crypto.Seal(key, chunk)
		if err != nil {
			return stats, fmt.Errorf("send %q: encrypt chunk %d: %w", name, index, err)
		}

		if err := transmit(ctx, &protocol.FileChunk{Package: pkg}); err != nil {
			return stats, fmt.Errorf("send %q: chunk %d: %w", name, index, err)
		}
		stats.WireBytes += int64(len(pkg))

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	if err := transmit(ctx, &protocol.FileEnd{}); err != nil {
		return stats, fmt.Errorf("send %q: finish: %w", name, err)
	}

	stats.Elapsed = time.Since(start)
	s.logger.Infof("Sent %q: %d bytes on the wire in %s (%d bad chunks)",
		name, stats.WireBytes, stats.Elapsed.Round(time.Millisecond), stats.BadChunks)
	return stats, nil
}

func algorithmFor(strategy classify.Strategy) protocol.Algorithm {
	if strategy == classify.StrategyCompress {
		return protocol.AlgorithmZlib
	}
	return protocol.AlgorithmNone
}
