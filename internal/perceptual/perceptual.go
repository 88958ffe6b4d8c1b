// Package perceptual produces locality-sensitive fingerprints of token
// streams: rolling-hash k-shingles, a winnowed subset of those shingles,
// and a fixed-length MinHash signature over the winnowed set.
package perceptual

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Sentinel errors returned by Perceptualize.
var (
	ErrNotEnoughTokens = errors.New("perceptual: not enough tokens for shingle length")
	ErrInvalidConfig   = errors.New("perceptual: invalid config")
)

// AlgorithmName identifies the fingerprinting algorithm in Meta, so that a
// future alternative algorithm can coexist in stored metadata.
const AlgorithmName = "shingle-winnow-minhash"

// DefaultSeed is the default MinHash/shingle seed.
const DefaultSeed uint64 = 0xF00D_BAAD_F00D_BAAD

// goldenGamma is the splitmix64 golden-ratio increment constant, also used
// directly as the MinHash per-slot step multiplier.
const goldenGamma uint64 = 0x9E3779B97F4A7C15

// Config controls shingling, winnowing, and MinHash parameters.
type Config struct {
	K                    int // shingle length, >= 1
	W                    int // winnow window size, >= 1
	MinHashBands         int
	MinHashRowsPerBand   int
	Seed                 uint64
	UseParallel          bool
	IncludeIntermediates bool
	Version              uint32
}

// DefaultConfig returns the documented defaults: k=9, w=4, 16 bands of 8
// rows, the fixed default seed.
func DefaultConfig() Config {
	return Config{
		K:                    9,
		W:                    4,
		MinHashBands:         16,
		MinHashRowsPerBand:   8,
		Seed:                 DefaultSeed,
		UseParallel:          false,
		IncludeIntermediates: true,
		Version:              1,
	}
}

// Validate checks the config is internally consistent.
func (c Config) Validate() error {
	if c.K < 1 {
		return fmt.Errorf("%w: k must be >= 1", ErrInvalidConfig)
	}
	if c.W < 1 {
		return fmt.Errorf("%w: w must be >= 1", ErrInvalidConfig)
	}
	if c.MinHashBands < 1 {
		return fmt.Errorf("%w: minhash_bands must be >= 1", ErrInvalidConfig)
	}
	if c.MinHashRowsPerBand < 1 {
		return fmt.Errorf("%w: minhash_rows_per_band must be >= 1", ErrInvalidConfig)
	}
	if c.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidConfig)
	}
	if c.MinHashBands*c.MinHashRowsPerBand < c.K {
		return fmt.Errorf("%w: minhash length (%d) must be >= k (%d)",
			ErrInvalidConfig, c.MinHashBands*c.MinHashRowsPerBand, c.K)
	}
	return nil
}

func (c Config) minHashLen() int { return c.MinHashBands * c.MinHashRowsPerBand }

// WinnowedShingle is a shingle hash selected by winnowing, along with the
// shingle index it came from.
type WinnowedShingle struct {
	Hash       uint64
	StartIndex int
}

// Meta records the effective parameters a Fingerprint was produced with.
type Meta struct {
	PerceptualVersion  uint32
	AlgorithmName      string
	K                  int
	W                  int
	MinHashLen         int
	MinHashBands       int
	MinHashRowsPerBand int
	Seed               uint64
	UseParallel        bool
	ConfigVersion      uint32
}

// Fingerprint is the output of Perceptualize.
type Fingerprint struct {
	Shingles []uint64
	Winnowed []WinnowedShingle
	MinHash  []uint64
	Meta     Meta
}

// Perceptualize computes shingles, winnowing, and a MinHash signature over
// the given token texts.
func Perceptualize(tokens []string, cfg Config) (Fingerprint, error) {
	if err := cfg.Validate(); err != nil {
		return Fingerprint{}, err
	}
	if len(tokens) < cfg.K {
		return Fingerprint{}, fmt.Errorf("%w: have %d tokens, need at least %d", ErrNotEnoughTokens, len(tokens), cfg.K)
	}

	tokenHashes := make([]uint64, len(tokens))
	for i, tok := range tokens {
		tokenHashes[i] = seededHash64([]byte(tok), cfg.Seed)
	}

	shingles := shingle(tokenHashes, cfg.K, cfg.Seed)
	winnowed := winnow(shingles, cfg.W)

	source := make([]uint64, len(winnowed))
	for i, w := range winnowed {
		source[i] = w.Hash
	}
	if len(source) == 0 {
		source = shingles
	}
	unique := dedupSorted(source)

	var sig []uint64
	if cfg.UseParallel {
		sig = minHashParallel(unique, cfg.Seed, cfg.minHashLen())
	} else {
		sig = minHashSerial(unique, cfg.Seed, cfg.minHashLen())
	}

	fp := Fingerprint{
		MinHash: sig,
		Meta: Meta{
			PerceptualVersion:  cfg.Version,
			AlgorithmName:      AlgorithmName,
			K:                  cfg.K,
			W:                  cfg.W,
			MinHashLen:         cfg.minHashLen(),
			MinHashBands:       cfg.MinHashBands,
			MinHashRowsPerBand: cfg.MinHashRowsPerBand,
			Seed:               cfg.Seed,
			UseParallel:        cfg.UseParallel,
			ConfigVersion:      cfg.Version,
		},
	}
	if cfg.IncludeIntermediates {
		fp.Shingles = shingles
		fp.Winnowed = winnowed
	}
	return fp, nil
}

// shingle computes rolling-hash k-shingles over per-token hashes.
func shingle(tokenHashes []uint64, k int, seed uint64) []uint64 {
	n := len(tokenHashes)
	if n < k {
		return nil
	}
	base := uint64(1_000_003) ^ splitmix64(seed)
	basePowKMinus1 := pow64(base, k-1)

	var h uint64
	for i := 0; i < k; i++ {
		h += tokenHashes[i] * pow64(base, k-1-i)
	}

	out := make([]uint64, n-k+1)
	out[0] = h
	for i := k; i < n; i++ {
		h = (h-tokenHashes[i-k]*basePowKMinus1)*base + tokenHashes[i]
		out[i-k+1] = h
	}
	return out
}

// winnow slides a window of size w over shingle hashes, maintaining a
// monotonic deque whose front holds the rightmost-tie-breaking minimum, and
// emits a (hash, start_idx) pair whenever the front index changes. If w
// exceeds the number of shingles, a single minimum over the whole sequence
// is emitted.
func winnow(shingles []uint64, w int) []WinnowedShingle {
	n := len(shingles)
	if n == 0 {
		return nil
	}
	effectiveW := w
	if effectiveW > n {
		effectiveW = n
	}

	var out []WinnowedShingle
	dq := make([]int, 0, effectiveW)
	lastEmitted := -1

	for i := 0; i < n; i++ {
		for len(dq) > 0 && shingles[i] <= shingles[dq[len(dq)-1]] {
			dq = dq[:len(dq)-1]
		}
		dq = append(dq, i)
		for dq[0] <= i-effectiveW {
			dq = dq[1:]
		}
		if i >= effectiveW-1 {
			front := dq[0]
			if front != lastEmitted {
				out = append(out, WinnowedShingle{Hash: shingles[front], StartIndex: front})
				lastEmitted = front
			}
		}
	}
	return out
}

func dedupSorted(hashes []uint64) []uint64 {
	if len(hashes) == 0 {
		return nil
	}
	cp := append([]uint64(nil), hashes...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	out := cp[:1]
	for _, h := range cp[1:] {
		if h != out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out
}

func minHashSerial(unique []uint64, seed uint64, length int) []uint64 {
	out := make([]uint64, length)
	for j := 0; j < length; j++ {
		out[j] = minHashSlot(unique, seed, j)
	}
	return out
}

func minHashParallel(unique []uint64, seed uint64, length int) []uint64 {
	out := make([]uint64, length)
	var wg sync.WaitGroup
	wg.Add(length)
	for j := 0; j < length; j++ {
		go func(j int) {
			defer wg.Done()
			out[j] = minHashSlot(unique, seed, j)
		}(j)
	}
	wg.Wait()
	return out
}

func minHashSlot(unique []uint64, seed uint64, j int) uint64 {
	if len(unique) == 0 {
		return math.MaxUint64
	}
	key := splitmix64(seed + uint64(j)*goldenGamma)
	min := uint64(math.MaxUint64)
	for _, u := range unique {
		v := mixU64(u, key)
		if v < min {
			min = v
		}
	}
	return min
}

// mixU64 combines a value with a key using a seeded hash followed by
// two stages of the Murmur3 finalizer.
func mixU64(u, key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	h := seededHash64(b[:], key)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// seededHash64 hashes b with a fold-in seed. cespare/xxhash/v2 has no
// native seed parameter, so the seed is folded into the input as its
// little-endian bytes ahead of the payload.
func seededHash64(b []byte, seed uint64) uint64 {
	var sb [8]byte
	binary.LittleEndian.PutUint64(sb[:], seed)
	d := xxhash.New()
	d.Write(sb[:])
	d.Write(b)
	return d.Sum64()
}

// splitmix64 is a stateless mixing function (the classic splitmix64
// generator step, applied once to x rather than a running counter).
func splitmix64(x uint64) uint64 {
	x += goldenGamma
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x ^= x >> 31
	return x
}

func pow64(base uint64, exp int) uint64 {
	result := uint64(1)
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
