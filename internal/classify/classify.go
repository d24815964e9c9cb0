// Package classify recommends a compression strategy for a file from its
// extension and a bounded sample of its content.
package classify

import (
	"io"
	"math"
	"path/filepath"
	"strings"
)

// Strategy is the transform recommendation consumed by the sender pipeline.
type Strategy string

const (
	// StrategyNone sends chunks as-is; the content is already dense.
	StrategyNone Strategy = "none"
	// StrategyCompress applies the generic byte-stream compressor per chunk.
	StrategyCompress Strategy = "compress"
)

const (
	DefaultSampleSize  = 16 * 1024
	DefaultHighEntropy = 7.5
)

// defaultSkipExtensions covers formats that are already compressed or are
// opaque media containers; recompressing them wastes cycles for no gain.
var defaultSkipExtensions = []string{
	".7z", ".aac", ".avi", ".bz2", ".docx", ".flac", ".gif", ".gz",
	".jpeg", ".jpg", ".mkv", ".mov", ".mp3", ".mp4", ".ogg", ".png",
	".pptx", ".rar", ".webm", ".webp", ".xlsx", ".xz", ".zip", ".zst",
}

type Config struct {
	// SampleSize caps how many bytes of content are read for the entropy
	// estimate.
	SampleSize int
	// HighEntropy is the bits-per-byte threshold above which content is
	// treated as incompressible.
	HighEntropy float64
	// SkipExtensions short-circuits classification for known-compressed
	// formats, lowercase with leading dot.
	SkipExtensions []string
}

func DefaultConfig() Config {
	return Config{
		SampleSize:     DefaultSampleSize,
		HighEntropy:    DefaultHighEntropy,
		SkipExtensions: defaultSkipExtensions,
	}
}

type Classifier struct {
	config Config
	skip   map[string]struct{}
}

func NewClassifier(cfg Config) *Classifier {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.HighEntropy <= 0 {
		cfg.HighEntropy = DefaultHighEntropy
	}
	if cfg.SkipExtensions == nil {
		cfg.SkipExtensions = defaultSkipExtensions
	}

	skip := make(map[string]struct{}, len(cfg.SkipExtensions))
	for _, ext := range cfg.SkipExtensions {
		skip[strings.ToLower(ext)] = struct{}{}
	}

	return &Classifier{config: cfg, skip: skip}
}

// Classify recommends a strategy for the named content. The fast path
// decides from the extension without touching r. The slow path samples up
// to SampleSize bytes and measures entropy. Classification never fails: a
// read error yields StrategyNone.
func (c *Classifier) Classify(name string, r io.Reader) Strategy {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := c.skip[ext]; ok {
		return StrategyNone
	}

	sample := make([]byte, c.config.SampleSize)
	n, err := io.ReadFull(r, sample)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return StrategyNone
	}

	if Entropy(sample[:n]) > c.config.HighEntropy {
		return StrategyNone
	}
	return StrategyCompress
}

// Entropy computes the Shannon entropy of data in bits per byte. All-equal
// input scores 0.0; a sample containing each byte value equally often
// scores 8.0.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var freq [256]int
	for _, b := range data {
		freq[b]++
	}

	total := float64(len(data))
	entropy := 0.0
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
