package perceptual

import (
	"errors"
	"reflect"
	"testing"
)

func tokens(words ...string) []string { return words }

func TestPerceptualizeDeterminism(t *testing.T) {
	cfg := DefaultConfig()
	toks := tokens("the", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog")
	a, err := Perceptualize(toks, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Perceptualize(toks, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a.MinHash, b.MinHash) {
		t.Fatalf("expected deterministic MinHash, got %v vs %v", a.MinHash, b.MinHash)
	}
}

func TestPerceptualizeStability(t *testing.T) {
	cfg := Config{K: 2, W: 4, MinHashBands: 16, MinHashRowsPerBand: 8, Seed: DefaultSeed, Version: 1}
	toks := tokens("hello", "world", "this", "is", "test", "text")
	a, err := Perceptualize(toks, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Perceptualize(toks, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a.MinHash, b.MinHash) {
		t.Fatalf("expected equal MinHash signatures, got %v vs %v", a.MinHash, b.MinHash)
	}
}

func TestPerceptualizeParallelSerialEquivalence(t *testing.T) {
	cfgSerial := DefaultConfig()
	cfgParallel := DefaultConfig()
	cfgParallel.UseParallel = true

	toks := tokens("alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta", "iota", "kappa")
	serial, err := Perceptualize(toks, cfgSerial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parallel, err := Perceptualize(toks, cfgParallel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(serial.MinHash, parallel.MinHash) {
		t.Fatalf("serial and parallel MinHash diverge: %v vs %v", serial.MinHash, parallel.MinHash)
	}
}

func TestPerceptualizeMinHashLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHashBands = 4
	cfg.MinHashRowsPerBand = 3
	toks := tokens("a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	fp, err := Perceptualize(toks, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.MinHash) != cfg.MinHashBands*cfg.MinHashRowsPerBand {
		t.Fatalf("expected length %d, got %d", cfg.MinHashBands*cfg.MinHashRowsPerBand, len(fp.MinHash))
	}
}

func TestPerceptualizeNotEnoughTokens(t *testing.T) {
	cfg := DefaultConfig()
	_, err := Perceptualize(tokens("only", "three", "words"), cfg)
	if !errors.Is(err, ErrNotEnoughTokens) {
		t.Fatalf("expected ErrNotEnoughTokens, got %v", err)
	}
}

func TestWinnowWindowLargerThanShingles(t *testing.T) {
	cfg := Config{K: 1, W: 100, MinHashBands: 2, MinHashRowsPerBand: 2, Seed: DefaultSeed, Version: 1, IncludeIntermediates: true}
	toks := tokens("one", "two", "three")
	fp, err := Perceptualize(toks, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.Winnowed) != 1 {
		t.Fatalf("expected exactly one winnowed entry when w > n, got %d", len(fp.Winnowed))
	}
}

func TestShingleLength(t *testing.T) {
	hashes := []uint64{1, 2, 3, 4, 5}
	out := shingle(hashes, 3, DefaultSeed)
	if len(out) != len(hashes)-3+1 {
		t.Fatalf("expected %d shingles, got %d", len(hashes)-3+1, len(out))
	}
}

func TestWinnowNoConsecutiveDuplicateIndices(t *testing.T) {
	shingles := []uint64{5, 5, 5, 5, 5, 1, 9, 9, 9}
	out := winnow(shingles, 3)
	for i := 1; i < len(out); i++ {
		if out[i].StartIndex == out[i-1].StartIndex {
			t.Fatalf("consecutive duplicate winnowed index at %d", i)
		}
	}
}
