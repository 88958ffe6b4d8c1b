package index_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bravo1goingdark/ucfp/internal/index"
	"github.com/bravo1goingdark/ucfp/internal/storage"
)

func newTestIndex() *index.Index {
	cfg := index.Config{
		SchemaVersion:       1,
		ANNEnabled:          true,
		ANNMinVectorsForANN: 1000, // high enough that tests exercise the linear path by default
		ANNM:                16,
		ANNEfConstruction:   200,
		ANNEfSearch:         50,
	}
	return index.New(storage.NewMemoryBackend(), cfg)
}

func TestUpsertGetRoundTrip(t *testing.T) {
	ix := newTestIndex()
	rec := index.Record{
		SchemaVersion: 1,
		CanonicalHash: "h1",
		Perceptual:    []uint64{1, 2, 3},
		Embedding:     []int8{10, -3, 7, 5},
		Metadata:      map[string]string{"tenant": "t1"},
	}
	if err := ix.Upsert(rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok, err := ix.Get("h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("round-tripped record mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertRejectsUnsupportedSchemaVersion(t *testing.T) {
	ix := newTestIndex()
	err := ix.Upsert(index.Record{SchemaVersion: 2, CanonicalHash: "h1"})
	if !errors.Is(err, index.ErrUnsupportedSchemaVersion) {
		t.Fatalf("expected ErrUnsupportedSchemaVersion, got %v", err)
	}
}

func TestDuplicateUpsertReplacesAtomically(t *testing.T) {
	ix := newTestIndex()
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "h1", Metadata: map[string]string{"v": "1"}})
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "h1", Metadata: map[string]string{"v": "2"}})
	got, ok, err := ix.Get("h1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Metadata["v"] != "2" {
		t.Fatalf("expected replaced value, got %v", got.Metadata)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	ix := newTestIndex()
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "h1"})
	if err := ix.Delete("h1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := ix.Get("h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected record to be gone after delete")
	}
}

func TestSearchRejectsZeroTopK(t *testing.T) {
	ix := newTestIndex()
	_, err := ix.Search(index.Query{}, index.ModeSemantic, 0)
	if !errors.Is(err, index.ErrInvalidTopK) {
		t.Fatalf("expected ErrInvalidTopK, got %v", err)
	}
}

func TestSemanticSearchLinearScan(t *testing.T) {
	ix := newTestIndex()
	records := []index.Record{
		{SchemaVersion: 1, CanonicalHash: "a", Embedding: []int8{100, 0, 0}},
		{SchemaVersion: 1, CanonicalHash: "b", Embedding: []int8{0, 100, 0}},
		{SchemaVersion: 1, CanonicalHash: "c", Embedding: []int8{90, 10, 0}},
	}
	for _, r := range records {
		if err := ix.Upsert(r); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	hits, err := ix.Search(index.Query{Embedding: []int8{100, 0, 0}}, index.ModeSemantic, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].CanonicalHash != "a" {
		t.Fatalf("expected exact match first, got %s", hits[0].CanonicalHash)
	}
	if hits[0].Score < hits[1].Score {
		t.Fatalf("expected descending score order: %+v", hits)
	}
}

func TestSemanticSearchSkipsRecordsWithoutEmbedding(t *testing.T) {
	ix := newTestIndex()
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "no-embed", Perceptual: []uint64{1}})
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "has-embed", Embedding: []int8{1, 2, 3}})

	hits, err := ix.Search(index.Query{Embedding: []int8{1, 2, 3}}, index.ModeSemantic, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].CanonicalHash != "has-embed" {
		t.Fatalf("expected only has-embed, got %+v", hits)
	}
}

func TestPerceptualSearchJaccard(t *testing.T) {
	ix := newTestIndex()
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "exact", Perceptual: []uint64{1, 2, 3, 4}})
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "half", Perceptual: []uint64{1, 2, 99, 99}})
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "none-signature", Embedding: []int8{1}})

	hits, err := ix.Search(index.Query{Perceptual: []uint64{1, 2, 3, 4}}, index.ModePerceptual, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits (perceptual-only records), got %+v", hits)
	}
	if hits[0].CanonicalHash != "exact" || hits[0].Score != 1.0 {
		t.Fatalf("expected exact match with score 1.0 first, got %+v", hits[0])
	}
	if hits[1].CanonicalHash != "half" || hits[1].Score != 0.5 {
		t.Fatalf("expected half match with score 0.5 second, got %+v", hits[1])
	}
}

func TestTenantFilterExcludesOtherTenants(t *testing.T) {
	ix := newTestIndex()
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "a", Embedding: []int8{1, 2, 3}, Metadata: map[string]string{"tenant": "a"}})
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "b", Embedding: []int8{1, 2, 3}, Metadata: map[string]string{"tenant": "b"}})

	filter := func(meta map[string]string) bool { return meta["tenant"] == "c" }
	hits, err := ix.Search(index.Query{Embedding: []int8{1, 2, 3}, Filter: filter}, index.ModeSemantic, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result for non-matching tenant, got %+v", hits)
	}
}

func TestDeterministicTiebreakOnEqualScore(t *testing.T) {
	ix := newTestIndex()
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "zzz", Embedding: []int8{1, 0}})
	_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: "aaa", Embedding: []int8{1, 0}})

	hits, err := ix.Search(index.Query{Embedding: []int8{1, 0}}, index.ModeSemantic, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].CanonicalHash != "aaa" || hits[1].CanonicalHash != "zzz" {
		t.Fatalf("expected ascending canonical_hash tiebreak, got %+v", hits)
	}
}

func TestScanVisitsAllRecords(t *testing.T) {
	ix := newTestIndex()
	for i := 0; i < 5; i++ {
		_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: fmt.Sprintf("h%d", i)})
	}
	n := 0
	err := ix.Scan(func(index.Record) error {
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 records, visited %d", n)
	}
}

func TestFlushPersistsANNOverlayAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.ann")
	backend := storage.NewMemoryBackend()
	cfg := index.Config{
		SchemaVersion:       1,
		ANNEnabled:          true,
		ANNMinVectorsForANN: 1,
		ANNM:                16,
		ANNEfConstruction:   200,
		ANNEfSearch:         50,
		ANNPersistPath:      path,
	}

	ix := index.New(backend, cfg)
	for i := 0; i < 20; i++ {
		vec := make([]int8, 8)
		vec[i%8] = 100
		if err := ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: fmt.Sprintf("r%02d", i), Embedding: vec}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := ix.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persisted overlay at %s: %v", path, err)
	}

	// A new Index over the same backend loads the saved overlay instead
	// of rebuilding, and serves ANN searches from it.
	reopened := index.New(backend, cfg)
	query := make([]int8, 8)
	query[0] = 100
	hits, err := reopened.Search(index.Query{Embedding: query}, index.ModeSemantic, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Score < 0.99 {
		t.Fatalf("expected near-perfect top-1 from loaded overlay, got %+v", hits)
	}
}

func TestANNSearchMatchesLinearOnSmallDataset(t *testing.T) {
	cfg := index.Config{
		SchemaVersion:       1,
		ANNEnabled:          true,
		ANNMinVectorsForANN: 1, // force ANN eligibility for this test
		ANNM:                16,
		ANNEfConstruction:   200,
		ANNEfSearch:         50,
	}
	ix := index.New(storage.NewMemoryBackend(), cfg)
	for i := 0; i < 50; i++ {
		vec := make([]int8, 8)
		vec[i%8] = 100
		_ = ix.Upsert(index.Record{SchemaVersion: 1, CanonicalHash: fmt.Sprintf("v%02d", i), Embedding: vec})
	}

	query := make([]int8, 8)
	query[0] = 100
	hits, err := ix.Search(index.Query{Embedding: query}, index.ModeSemantic, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Score < 0.99 {
		t.Fatalf("expected near-perfect top-1 match, got score %f for %s", hits[0].Score, hits[0].CanonicalHash)
	}
}
