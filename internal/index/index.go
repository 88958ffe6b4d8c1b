// Package index implements the record schema, tenant filtering, and
// linear/ANN search orchestration over a storage backend.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bravo1goingdark/ucfp/internal/annindex"
	"github.com/bravo1goingdark/ucfp/internal/quantize"
	"github.com/bravo1goingdark/ucfp/internal/storage"
)

// Sentinel errors returned by Index operations.
var (
	ErrUnsupportedSchemaVersion = errors.New("index: unsupported schema version")
	ErrInvalidTopK              = errors.New("index: top_k must be > 0")
)

// Mode selects which signal a search ranks on.
type Mode int

const (
	ModeSemantic Mode = iota
	ModePerceptual
)

// Record is the persisted unit of the index, keyed by CanonicalHash.
type Record struct {
	SchemaVersion int               `json:"schema_version"`
	CanonicalHash string            `json:"canonical_hash"`
	Perceptual    []uint64          `json:"perceptual,omitempty"`
	Embedding     []int8            `json:"embedding,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Hit is one ranked search result.
type Hit struct {
	CanonicalHash string
	Score         float64
}

// Query is the set of signals a caller wants ranked against stored
// records, plus an optional tenant/attribute filter applied before
// ranking.
type Query struct {
	Embedding  []int8
	Perceptual []uint64
	Filter     func(metadata map[string]string) bool
}

// Config governs Index construction.
type Config struct {
	SchemaVersion int

	ANNEnabled          bool
	ANNMinVectorsForANN int
	ANNM                int
	ANNEfConstruction   int
	ANNEfSearch         int
	// ANNPersistPath, when non-empty, is where the built ANN overlay is
	// saved on Flush and loaded from on construction, skipping the
	// rebuild scan after a restart. Only useful with a durable backend.
	ANNPersistPath string
}

// Index orchestrates storage reads/writes with an ANN overlay for
// semantic search.
type Index struct {
	mu      sync.RWMutex
	backend storage.Backend
	cfg     Config

	ann      *annindex.Graph
	annDirty bool
}

// New constructs an Index over backend. When cfg.ANNPersistPath names an
// overlay saved by a previous Flush, it is loaded and trusted as fresh
// until the first mutation marks it stale again.
func New(backend storage.Backend, cfg Config) *Index {
	if cfg.SchemaVersion < 1 {
		cfg.SchemaVersion = 1
	}
	ix := &Index{
		backend:  backend,
		cfg:      cfg,
		ann:      annindex.New(cfg.ANNM, cfg.ANNEfConstruction, cfg.ANNEfSearch),
		annDirty: true,
	}
	if cfg.ANNPersistPath != "" {
		g, err := annindex.Load(cfg.ANNPersistPath)
		switch {
		case err == nil:
			ix.ann = g
			ix.annDirty = false
		case !errors.Is(err, os.ErrNotExist):
			log.Warn().Err(err).Str("path", cfg.ANNPersistPath).
				Msg("annindex: load persisted overlay failed, will rebuild from storage")
		}
	}
	return ix
}

// Upsert write-throughs record to storage and marks the ANN overlay
// stale.
func (ix *Index) Upsert(rec Record) error {
	if rec.SchemaVersion != ix.cfg.SchemaVersion {
		return fmt.Errorf("%w: got %d, index is %d", ErrUnsupportedSchemaVersion, rec.SchemaVersion, ix.cfg.SchemaVersion)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("index: marshal record %s: %w", rec.CanonicalHash, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.backend.Put(rec.CanonicalHash, b); err != nil {
		return fmt.Errorf("index: upsert %s: %w", rec.CanonicalHash, err)
	}
	ix.annDirty = true
	return nil
}

// Get returns the record stored under hash, if any.
func (ix *Index) Get(hash string) (Record, bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.getLocked(hash)
}

func (ix *Index) getLocked(hash string) (Record, bool, error) {
	b, ok, err := ix.backend.Get(hash)
	if err != nil {
		return Record{}, false, fmt.Errorf("index: get %s: %w", hash, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(b, ix.cfg.SchemaVersion)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Delete removes the record stored under hash and marks the ANN overlay
// stale.
func (ix *Index) Delete(hash string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.backend.Delete(hash); err != nil {
		return fmt.Errorf("index: delete %s: %w", hash, err)
	}
	ix.annDirty = true
	return nil
}

// Flush persists any buffered backend state, then, when an ANN persist
// path is configured, rebuilds the overlay if stale and saves it so the
// next construction can skip the rebuild scan.
func (ix *Index) Flush() error {
	ix.mu.RLock()
	err := ix.backend.Flush()
	ix.mu.RUnlock()
	if err != nil {
		return err
	}
	if ix.cfg.ANNPersistPath == "" {
		return nil
	}
	if err := ix.ensureANNFresh(); err != nil {
		return fmt.Errorf("index: flush ann overlay: %w", err)
	}
	if err := ix.ann.Save(ix.cfg.ANNPersistPath); err != nil {
		return fmt.Errorf("index: persist ann overlay: %w", err)
	}
	return nil
}

// Scan visits every record in the index.
func (ix *Index) Scan(visit func(Record) error) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.backend.Scan(func(_ string, v []byte) error {
		rec, err := decodeRecord(v, ix.cfg.SchemaVersion)
		if err != nil {
			return err
		}
		return visit(rec)
	})
}

func decodeRecord(b []byte, supportedVersion int) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("index: decode record: %w", err)
	}
	if rec.SchemaVersion != supportedVersion {
		return Record{}, fmt.Errorf("%w: stored record has version %d, index is %d",
			ErrUnsupportedSchemaVersion, rec.SchemaVersion, supportedVersion)
	}
	return rec, nil
}

// Search ranks stored records against q under mode, returning up to topK
// hits sorted by descending score with ascending canonical_hash as a
// deterministic tiebreak.
func (ix *Index) Search(q Query, mode Mode, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, ErrInvalidTopK
	}
	switch mode {
	case ModeSemantic:
		return ix.searchSemantic(q, topK)
	case ModePerceptual:
		return ix.searchPerceptual(q, topK)
	default:
		return nil, fmt.Errorf("index: unknown search mode %d", mode)
	}
}

func (ix *Index) searchSemantic(q Query, topK int) ([]Hit, error) {
	count, err := ix.countEmbedded()
	if err != nil {
		return nil, err
	}

	if ix.cfg.ANNEnabled && count >= ix.cfg.ANNMinVectorsForANN {
		hits, err := ix.searchSemanticANN(q, topK)
		if err == nil {
			return hits, nil
		}
		log.Warn().Err(err).Msg("annindex: search degraded to linear scan")
	}
	return ix.searchSemanticLinear(q, topK)
}

func (ix *Index) countEmbedded() (int, error) {
	n := 0
	err := ix.Scan(func(rec Record) error {
		if rec.Embedding != nil {
			n++
		}
		return nil
	})
	return n, err
}

func (ix *Index) searchSemanticANN(q Query, topK int) (hits []Hit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("index: ann search panic: %v", r)
		}
	}()

	if err := ix.ensureANNFresh(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	results := ix.ann.Search(q.Embedding, topK)
	ix.mu.RUnlock()

	out := make([]Hit, 0, len(results))
	for _, r := range results {
		if q.Filter != nil {
			rec, ok, err := ix.Get(r.ID)
			if err != nil || !ok || !q.Filter(rec.Metadata) {
				continue
			}
		}
		out = append(out, Hit{CanonicalHash: r.ID, Score: r.Score})
	}
	sortHits(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (ix *Index) ensureANNFresh() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.annDirty {
		return nil
	}
	var entries []annindex.Entry
	err := ix.backend.Scan(func(_ string, v []byte) error {
		rec, err := decodeRecord(v, ix.cfg.SchemaVersion)
		if err != nil {
			return err
		}
		if rec.Embedding != nil {
			entries = append(entries, annindex.Entry{ID: rec.CanonicalHash, Vector: rec.Embedding})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: rebuild ann overlay: %w", err)
	}
	ix.ann.Build(entries)
	ix.annDirty = false
	return nil
}

func (ix *Index) searchSemanticLinear(q Query, topK int) ([]Hit, error) {
	var hits []Hit
	err := ix.Scan(func(rec Record) error {
		if rec.Embedding == nil {
			return nil
		}
		if q.Filter != nil && !q.Filter(rec.Metadata) {
			return nil
		}
		score := quantize.CosineInt8(q.Embedding, rec.Embedding)
		hits = append(hits, Hit{CanonicalHash: rec.CanonicalHash, Score: score})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (ix *Index) searchPerceptual(q Query, topK int) ([]Hit, error) {
	var hits []Hit
	err := ix.Scan(func(rec Record) error {
		if rec.Perceptual == nil {
			return nil
		}
		if q.Filter != nil && !q.Filter(rec.Metadata) {
			return nil
		}
		score := jaccard(q.Perceptual, rec.Perceptual)
		hits = append(hits, Hit{CanonicalHash: rec.CanonicalHash, Score: score})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// jaccard computes the fraction of equal positions between two MinHash
// signatures of equal length. Mismatched lengths score 0.
func jaccard(a, b []uint64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	equal := 0
	for i := range a {
		if a[i] == b[i] {
			equal++
		}
	}
	return float64(equal) / float64(len(a))
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CanonicalHash < hits[j].CanonicalHash
	})
}
