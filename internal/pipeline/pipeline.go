// Package pipeline wires ingest, canonicalization, perceptual
// fingerprinting, embedding, and quantization into a single upsert call,
// the write-side counterpart to internal/matcher's read-side query
// pipeline. It is the glue cmd/ucfp and internal/watcher share so both
// the one-shot "index a directory" command and the fsnotify-driven
// incremental reindexer build IndexRecords the same way.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bravo1goingdark/ucfp/internal/canonical"
	"github.com/bravo1goingdark/ucfp/internal/embed"
	"github.com/bravo1goingdark/ucfp/internal/index"
	"github.com/bravo1goingdark/ucfp/internal/ingest"
	"github.com/bravo1goingdark/ucfp/internal/perceptual"
	"github.com/bravo1goingdark/ucfp/internal/quantize"
)

// Pipeline indexes raw text through the full write-side stack, the
// same stages matcher.Matcher applies to a query, ending in an
// index.Upsert instead of an index.Search.
type Pipeline struct {
	IngestCfg     ingest.Config
	CanonicalCfg  canonical.Config
	PerceptualCfg perceptual.Config
	EmbedCfg      embed.Config
	QuantizeScale float32
	SchemaVersion int

	Index    *index.Index
	Embedder embed.Embedder
}

// IndexText runs the full pipeline over text and upserts the resulting
// record keyed by its identity hash. tenantID and attrs populate the
// stored metadata consulted by tenant filtering and attribute
// predicates.
func (p *Pipeline) IndexText(ctx context.Context, recordID, tenantID, text string, attrs map[string]string) (string, error) {
	raw := ingest.RawRecord{
		RecordID: recordID,
		Source:   ingest.Source{Kind: ingest.SourceRawText},
		Payload:  []byte(text),
		Metadata: ingest.Metadata{TenantID: &tenantID, Attributes: attrs},
	}
	canonRec, err := ingest.Ingest(raw, p.IngestCfg)
	if err != nil {
		return "", fmt.Errorf("pipeline: ingest: %w", err)
	}

	doc, err := canonical.Canonicalize(canonRec.DocID, canonRec.NormalizedText, p.CanonicalCfg)
	if err != nil {
		return "", fmt.Errorf("pipeline: canonicalize: %w", err)
	}

	tokenTexts := make([]string, len(doc.Tokens))
	for i, tok := range doc.Tokens {
		tokenTexts[i] = tok.Text
	}
	var minhash []uint64
	fp, err := perceptual.Perceptualize(tokenTexts, p.PerceptualCfg)
	switch {
	case err == nil:
		minhash = fp.MinHash
	case errors.Is(err, perceptual.ErrNotEnoughTokens):
		// Normal boundary case for very short documents; the record is
		// still indexable via its semantic signal alone.
	default:
		return "", fmt.Errorf("pipeline: perceptualize: %w", err)
	}

	result, err := p.Embedder.Embed(ctx, doc.CanonicalText, p.EmbedCfg)
	if err != nil {
		return "", fmt.Errorf("pipeline: embed: %w", err)
	}
	embedding := quantize.Quantize(result.Vector, p.QuantizeScale)

	metadata := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		metadata[k] = v
	}
	metadata["tenant"] = canonRec.TenantID

	rec := index.Record{
		SchemaVersion: p.SchemaVersion,
		CanonicalHash: doc.IdentityHash,
		Perceptual:    minhash,
		Embedding:     embedding,
		Metadata:      metadata,
	}
	if err := p.Index.Upsert(rec); err != nil {
		return "", fmt.Errorf("pipeline: upsert: %w", err)
	}
	return doc.IdentityHash, nil
}
