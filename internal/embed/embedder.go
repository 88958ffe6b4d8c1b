// Package embed defines the pluggable semantic-vectorizer boundary the
// matcher calls through. Embedding model execution (tokenizer files,
// runtime sessions, remote model transport) lives behind the Embedder
// interface; this package ships one deterministic local implementation
// used for tests, offline demos, and as a documented fallback.
package embed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/bravo1goingdark/ucfp/internal/chunker"
)

// Sentinel errors surfaced by Embed implementations.
var (
	ErrEmptyText   = errors.New("embed: empty text")
	ErrContextDone = errors.New("embed: context cancelled or deadline exceeded")
)

// Pool selects how chunk-level vectors are combined into a single
// document vector when input text exceeds an embedder's max sequence
// length.
type Pool int

const (
	// PoolMean averages chunk vectors with equal weight.
	PoolMean Pool = iota
	// PoolWeightedMean averages chunk vectors with center chunks weighted
	// more heavily than the head/tail.
	PoolWeightedMean
	// PoolMax takes the element-wise maximum across chunk vectors.
	PoolMax
	// PoolFirstChunk uses only the first chunk's vector, ignoring the rest.
	PoolFirstChunk
)

// Config governs a single Embed call: chunking behavior for
// over-length text and the pooling strategy used to combine chunk
// vectors.
type Config struct {
	// MaxSeqLen is the embedder's declared maximum input length in bytes.
	// Text longer than this is chunked with OverlapRatio before pooling.
	MaxSeqLen int
	// OverlapRatio is the fraction of MaxSeqLen repeated between adjacent
	// chunks, in [0,1).
	OverlapRatio float64
	// PoolStrategy selects how chunk vectors are combined.
	PoolStrategy Pool
}

// DefaultConfig returns reasonable defaults for a 256-token-class model.
func DefaultConfig() Config {
	return Config{
		MaxSeqLen:    1024,
		OverlapRatio: 0.2,
		PoolStrategy: PoolMean,
	}
}

// Result is the output of an embed call.
type Result struct {
	Vector     []float32
	ModelName  string
	Tier       string
	Dim        int
	Normalized bool
}

// Embedder maps text to a float embedding. Implementations may issue a
// remote call and must respect ctx cancellation/timeout; they must be
// safe for concurrent use by multiple callers, either naturally or via
// internal serialization.
type Embedder interface {
	Embed(ctx context.Context, text string, cfg Config) (Result, error)
}

// HashEmbedder is a deterministic, local, seeded pseudo-random projection
// embedder. It produces no semantic meaning but is fully reproducible and
// requires no model assets, making it suitable for tests, offline demos,
// and as a local fallback a caller may configure in place of a remote
// model. Configuring it is a deployment decision; the matcher never
// swaps it in silently after a failed remote call.
type HashEmbedder struct {
	dim  int
	seed uint64
}

// NewHashEmbedder constructs a HashEmbedder producing dim-length unit
// vectors from a feature-hashed bag of words, seeded by seed.
func NewHashEmbedder(dim int, seed uint64) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim, seed: seed}
}

// Embed implements Embedder. For text longer than cfg.MaxSeqLen (in
// bytes) the text is chunked with cfg.OverlapRatio overlap and the
// per-chunk vectors are combined per cfg.PoolStrategy.
func (h *HashEmbedder) Embed(ctx context.Context, text string, cfg Config) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrContextDone, err)
	}
	if text == "" {
		return Result{}, ErrEmptyText
	}

	chunks := splitForEmbedding(text, cfg)
	vecs := make([][]float32, len(chunks))
	for i, c := range chunks {
		vecs[i] = h.hashVector(c)
	}

	vec := pool(vecs, cfg.PoolStrategy)
	l2Normalize(vec)

	return Result{
		Vector:     vec,
		ModelName:  "hash-embedder-v1",
		Tier:       "local",
		Dim:        h.dim,
		Normalized: true,
	}, nil
}

// splitForEmbedding chunks text into overlapping windows no larger than
// cfg.MaxSeqLen bytes. A single chunk is returned when text already fits.
func splitForEmbedding(text string, cfg Config) []string {
	maxLen := cfg.MaxSeqLen
	if maxLen <= 0 {
		maxLen = DefaultConfig().MaxSeqLen
	}
	if len(text) <= maxLen {
		return []string{text}
	}
	overlap := int(float64(maxLen) * cfg.OverlapRatio)
	if overlap < 0 || overlap >= maxLen {
		overlap = 0
	}
	opts := chunker.Options{MaxBytes: maxLen, OverlapBytes: overlap}
	chunks, err := chunker.ChunkBytes([]byte(text), "", opts)
	if err != nil || len(chunks) == 0 {
		return []string{text}
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// pool combines chunk vectors per strategy. All vectors share the same
// dimension (the embedder's declared dim), so this never needs to resize.
func pool(vecs [][]float32, strategy Pool) []float32 {
	if len(vecs) == 1 {
		return vecs[0]
	}
	dim := len(vecs[0])
	out := make([]float32, dim)

	switch strategy {
	case PoolFirstChunk:
		copy(out, vecs[0])
	case PoolMax:
		copy(out, vecs[0])
		for _, v := range vecs[1:] {
			for d := 0; d < dim; d++ {
				if v[d] > out[d] {
					out[d] = v[d]
				}
			}
		}
	case PoolWeightedMean:
		weights := centerWeights(len(vecs))
		var totalW float64
		for _, w := range weights {
			totalW += w
		}
		for i, v := range vecs {
			w := float32(weights[i] / totalW)
			for d := 0; d < dim; d++ {
				out[d] += v[d] * w
			}
		}
	default: // PoolMean
		for _, v := range vecs {
			for d := 0; d < dim; d++ {
				out[d] += v[d]
			}
		}
		inv := float32(1) / float32(len(vecs))
		for d := 0; d < dim; d++ {
			out[d] *= inv
		}
	}
	return out
}

// centerWeights returns n weights shaped like a triangular window,
// peaking at the center chunk, so a document's middle content dominates
// the pooled vector slightly more than its head/tail.
func centerWeights(n int) []float64 {
	w := make([]float64, n)
	mid := float64(n-1) / 2
	for i := range w {
		dist := math.Abs(float64(i) - mid)
		w[i] = 1.0 + (mid - dist)
	}
	return w
}

// hashVector maps text to a dim-length float vector via feature hashing:
// every token-free byte n-gram contributes a +1/-1 signed vote to a slot
// selected by a seeded 64-bit hash, the classic hashing-trick projection.
func (h *HashEmbedder) hashVector(text string) []float32 {
	vec := make([]float32, h.dim)
	const gram = 3
	b := []byte(text)
	if len(b) < gram {
		slot, sign := h.hashSlot(b)
		vec[slot] += sign
		return vec
	}
	for i := 0; i+gram <= len(b); i++ {
		slot, sign := h.hashSlot(b[i : i+gram])
		vec[slot] += sign
	}
	return vec
}

// hashSlot derives a vector slot index (the digest modulo dim) and a sign
// (the digest's top bit) from a single seeded 64-bit xxhash of b.
func (h *HashEmbedder) hashSlot(b []byte) (int, float32) {
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], h.seed)
	d := xxhash.New()
	d.Write(seedBuf[:])
	d.Write(b)
	sum := d.Sum64()
	slot := int(sum % uint64(h.dim))
	sign := float32(1)
	if sum&(1<<63) != 0 {
		sign = -1
	}
	return slot, sign
}

// l2Normalize normalizes v in-place to unit length, leaving a zero
// vector unchanged.
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
