// Package canonical turns raw text into a deterministic normalized form and
// a token stream with a stable identity hash. It is the first stage of the
// fingerprinting pipeline: everything downstream (perceptual fingerprints,
// embeddings, index keys) is derived from its output.
package canonical

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Sentinel errors returned by Canonicalize. Wrap with fmt.Errorf("...: %w")
// for extra context; callers can still match with errors.Is.
var (
	ErrMissingDocID  = errors.New("canonical: missing doc id")
	ErrEmptyInput    = errors.New("canonical: empty input after normalization")
	ErrInvalidConfig = errors.New("canonical: invalid config")
)

// Config controls how Canonicalize normalizes input text.
type Config struct {
	// Version must be >= 1. It is folded into the identity and token hashes
	// so that changing the canonicalization algorithm changes every hash
	// derived from it.
	Version uint32
	// NormalizeUnicode applies NFKC compatibility composition before
	// tokenizing.
	NormalizeUnicode bool
	// StripPunctuation treats Unicode punctuation as a token delimiter, in
	// addition to whitespace.
	StripPunctuation bool
	// Lowercase applies full, locale-independent Unicode case folding. A
	// single grapheme cluster may expand into multiple scalar values (ß→ss).
	Lowercase bool
}

// Validate reports ErrInvalidConfig if the config cannot be used.
func (c Config) Validate() error {
	if c.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidConfig, c.Version)
	}
	return nil
}

// Token is a contiguous run of non-delimiter characters in the canonical
// text, with byte offsets into that text.
type Token struct {
	Text      string
	StartByte int
	EndByte   int
}

// Document is the output of Canonicalize.
type Document struct {
	DocID            string
	CanonicalText    string
	Tokens           []Token
	TokenHashes      []string
	IdentityHash     string
	CanonicalVersion uint32
	ConfigSnapshot   Config
}

// Canonicalize normalizes text into a deterministic canonical form, splits
// it into tokens, and computes identity and per-token hashes. Output is a
// pure function of (docID, text, cfg): no clock, environment, or locale
// access.
func Canonicalize(docID, text string, cfg Config) (Document, error) {
	if err := cfg.Validate(); err != nil {
		return Document{}, err
	}
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return Document{}, ErrMissingDocID
	}

	if cfg.NormalizeUnicode {
		text = norm.NFKC.String(text)
	}

	var canon strings.Builder
	var tokens []Token

	var tokBuf strings.Builder
	tokenStart := -1
	pendingSpace := false

	finalize := func() {
		if tokBuf.Len() == 0 {
			return
		}
		s := tokBuf.String()
		tokens = append(tokens, Token{
			Text:      s,
			StartByte: tokenStart,
			EndByte:   tokenStart + len(s),
		})
		tokBuf.Reset()
		tokenStart = -1
	}

	dispatch := func(ch rune) {
		isDelim := unicode.IsSpace(ch) || (cfg.StripPunctuation && unicode.IsPunct(ch))
		if isDelim {
			finalize()
			if canon.Len() > 0 {
				pendingSpace = true
			}
			return
		}
		if pendingSpace {
			canon.WriteByte(' ')
			pendingSpace = false
		}
		if tokBuf.Len() == 0 {
			tokenStart = canon.Len()
		}
		tokBuf.WriteRune(ch)
		canon.WriteRune(ch)
	}

	folder := cases.Fold()
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		cluster := gr.Str()
		if cfg.Lowercase {
			cluster = folder.String(cluster)
		}
		for _, ch := range cluster {
			dispatch(ch)
		}
	}
	finalize()

	canonicalText := canon.String()
	if strings.TrimSpace(canonicalText) == "" {
		return Document{}, ErrEmptyInput
	}

	identityHash := hashCanonicalBytes(cfg.Version, []byte(canonicalText))
	tokenHashes := make([]string, len(tokens))
	for i, tok := range tokens {
		tokenHashes[i] = hashTokenBytes(cfg.Version, []byte(tok.Text))
	}

	return Document{
		DocID:            docID,
		CanonicalText:    canonicalText,
		Tokens:           tokens,
		TokenHashes:      tokenHashes,
		IdentityHash:     identityHash,
		CanonicalVersion: cfg.Version,
		ConfigSnapshot:   cfg,
	}, nil
}

// hashCanonicalBytes computes hex(SHA256(be32(version) ++ 0x00 ++ bytes)),
// the document identity hash per the external wire contract.
func hashCanonicalBytes(version uint32, b []byte) string {
	return hashWithDomain(version, 0x00, b)
}

// hashTokenBytes computes the per-token hash, identical to
// hashCanonicalBytes except for the domain-separator byte.
func hashTokenBytes(version uint32, b []byte) string {
	return hashWithDomain(version, 0x01, b)
}

func hashWithDomain(version uint32, domain byte, b []byte) string {
	h := sha256.New()
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], version)
	h.Write(vb[:])
	h.Write([]byte{domain})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
