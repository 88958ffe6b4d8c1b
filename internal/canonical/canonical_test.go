package canonical

import (
	"errors"
	"testing"
)

func defaultConfig() Config {
	return Config{Version: 1, NormalizeUnicode: true, Lowercase: true}
}

func TestCanonicalizeDeterminism(t *testing.T) {
	cfg := defaultConfig()
	a, err := Canonicalize("doc1", "Hello, World!", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Canonicalize("doc1", "Hello, World!", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CanonicalText != b.CanonicalText || a.IdentityHash != b.IdentityHash {
		t.Fatalf("canonicalize is not deterministic: %+v vs %+v", a, b)
	}
}

func TestCanonicalizeNFKCEquivalence(t *testing.T) {
	cfg := defaultConfig()
	composed, err := Canonicalize("doc1", "Café", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decomposed, err := Canonicalize("doc1", "Café", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if composed.CanonicalText != decomposed.CanonicalText {
		t.Fatalf("canonical text mismatch: %q vs %q", composed.CanonicalText, decomposed.CanonicalText)
	}
	if composed.IdentityHash != decomposed.IdentityHash {
		t.Fatalf("identity hash mismatch: %q vs %q", composed.IdentityHash, decomposed.IdentityHash)
	}
	if composed.CanonicalText != "café" {
		t.Fatalf("expected canonical text %q, got %q", "café", composed.CanonicalText)
	}
}

func TestCanonicalizeVersionSensitivity(t *testing.T) {
	cfg1 := defaultConfig()
	cfg2 := defaultConfig()
	cfg2.Version = 2

	d1, err := Canonicalize("doc1", "same text", cfg1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2, err := Canonicalize("doc1", "same text", cfg2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d1.IdentityHash == d2.IdentityHash {
		t.Fatal("expected different identity hash for different config version")
	}
}

func TestCanonicalizeTokenSlicing(t *testing.T) {
	cfg := defaultConfig()
	doc, err := Canonicalize("doc1", "the quick brown fox", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tok := range doc.Tokens {
		if doc.CanonicalText[tok.StartByte:tok.EndByte] != tok.Text {
			t.Fatalf("token slice mismatch: got %q want %q", doc.CanonicalText[tok.StartByte:tok.EndByte], tok.Text)
		}
	}
	if len(doc.Tokens) != len(doc.TokenHashes) {
		t.Fatalf("token/hash length mismatch: %d vs %d", len(doc.Tokens), len(doc.TokenHashes))
	}
}

func TestCanonicalizeStripPunctuation(t *testing.T) {
	cfg := Config{Version: 1, NormalizeUnicode: true, StripPunctuation: true, Lowercase: true}
	doc, err := Canonicalize("doc1", "Hello, world! It's UCFP: 100% fun.", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "hello world it s ucfp 100 fun"
	if doc.CanonicalText != want {
		t.Fatalf("canonical text = %q, want %q", doc.CanonicalText, want)
	}
	if len(doc.Tokens) != 7 {
		t.Fatalf("expected 7 tokens, got %d: %+v", len(doc.Tokens), doc.Tokens)
	}
}

func TestCanonicalizeEmptyInput(t *testing.T) {
	cfg := defaultConfig()
	_, err := Canonicalize("doc1", "   \t\n  ", cfg)
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestCanonicalizeMissingDocID(t *testing.T) {
	cfg := defaultConfig()
	_, err := Canonicalize("  ", "hello", cfg)
	if !errors.Is(err, ErrMissingDocID) {
		t.Fatalf("expected ErrMissingDocID, got %v", err)
	}
}

func TestCanonicalizeInvalidConfig(t *testing.T) {
	cfg := Config{Version: 0}
	_, err := Canonicalize("doc1", "hello", cfg)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCanonicalizeWhitespaceCollapsing(t *testing.T) {
	cfg := defaultConfig()
	a, err := Canonicalize("doc1", "hello    world", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Canonicalize("doc1", "hello world", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CanonicalText != b.CanonicalText {
		t.Fatalf("expected collapsed whitespace to match: %q vs %q", a.CanonicalText, b.CanonicalText)
	}
}
