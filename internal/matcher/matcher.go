// Package matcher implements the query pipeline: text in, ranked hits
// out. It ties together ingest, canonicalization, perceptual
// fingerprinting, the external embedder, quantization, and index search
// into a single stateless call.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bravo1goingdark/ucfp/internal/canonical"
	"github.com/bravo1goingdark/ucfp/internal/embed"
	"github.com/bravo1goingdark/ucfp/internal/index"
	"github.com/bravo1goingdark/ucfp/internal/ingest"
	"github.com/bravo1goingdark/ucfp/internal/metrics"
	"github.com/bravo1goingdark/ucfp/internal/perceptual"
	"github.com/bravo1goingdark/ucfp/internal/quantize"
)

// Stage names used by PipelineError.Code, stable across versions.
const (
	StageIngest     = "ingest"
	StageCanonical  = "canonical"
	StagePerceptual = "perceptual"
	StageEmbed      = "embed"
	StageIndex      = "index"
	StageValidation = "validation"
)

// PipelineError tags an underlying failure with the pipeline stage it
// occurred in, giving callers a stable machine-readable code without
// leaking internal details.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("matcher: %s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Code returns a stable machine-readable code for external error
// taxonomies: "PipelineFailure:<stage>".
func (e *PipelineError) Code() string {
	return "PipelineFailure:" + e.Stage
}

func pipelineErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Stage: stage, Err: err}
}

// ErrorCode maps any error returned by MatchDocument to the stable
// machine-readable code an outer surface (HTTP layer, RPC adapter)
// exposes to clients. Internal paths and backend diagnostics never leak
// through the code itself.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidMaxResults),
		errors.Is(err, ErrInvalidOversampleFactor),
		errors.Is(err, ErrInvalidMinScore),
		errors.Is(err, ErrInvalidSemanticWeight),
		errors.Is(err, ErrVersionPinMismatch):
		return "InvalidRequest"
	case errors.Is(err, ingest.ErrPayloadTooLarge):
		return "PayloadTooLarge"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	}
	var perr *PipelineError
	if errors.As(err, &perr) {
		if perr.Stage == StageIndex {
			return "IndexFailure"
		}
		return perr.Code()
	}
	return "Internal"
}

// Sentinel errors for request validation, surfaced directly (not wrapped
// in PipelineError since they precede any pipeline stage).
var (
	ErrInvalidMaxResults       = errors.New("matcher: max_results must be > 0")
	ErrInvalidOversampleFactor = errors.New("matcher: oversample_factor must be >= 1.0")
	ErrInvalidMinScore         = errors.New("matcher: min_score must be >= 0")
	ErrInvalidSemanticWeight   = errors.New("matcher: hybrid semantic_weight must be in [0,1]")
	ErrVersionPinMismatch      = errors.New("matcher: pinned stage version does not match configured version")
	ErrCanonicalHashMismatch   = errors.New("matcher: precomputed query canonical hash does not match computed hash")
)

// Mode selects which signal(s) a match request ranks on.
type Mode int

const (
	ModeSemantic Mode = iota
	ModePerceptual
	ModeHybrid
)

func (m Mode) String() string {
	switch m {
	case ModeSemantic:
		return "semantic"
	case ModePerceptual:
		return "perceptual"
	case ModeHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Request is a single match_document call's input.
type Request struct {
	TenantID  string
	QueryText string
	Mode      Mode
	// SemanticWeight is only consulted when Mode == ModeHybrid; must be
	// in [0,1].
	SemanticWeight float64

	MaxResults       int
	MinScore         float64
	TenantEnforce    bool
	OversampleFactor float64
	Explain          bool

	// AttributeFilter, if set, is applied to record metadata before
	// ranking, in addition to (not instead of) TenantEnforce.
	AttributeFilter func(metadata map[string]string) bool

	// QueryCanonicalHash, if non-empty, is the caller's precomputed
	// identity hash for QueryText. The matcher verifies it against the
	// hash it computes itself and fails the canonical stage on mismatch,
	// catching callers whose canonicalization config has drifted.
	QueryCanonicalHash string

	// CanonicalVersionPin / PerceptualVersionPin, if set, must equal the
	// matcher's configured stage versions; a mismatch fails validation
	// rather than silently searching with signals the caller did not
	// expect.
	CanonicalVersionPin  *uint32
	PerceptualVersionPin *uint32

	// EmbedTimeout bounds the external embedder call. Zero means no
	// caller-supplied timeout is applied beyond ctx's own deadline.
	EmbedTimeout time.Duration
}

// Validate checks the request fields the pipeline itself doesn't
// implicitly enforce.
func (r Request) Validate() error {
	if r.MaxResults <= 0 {
		return ErrInvalidMaxResults
	}
	if r.OversampleFactor < 1.0 {
		return ErrInvalidOversampleFactor
	}
	if r.MinScore < 0 {
		return ErrInvalidMinScore
	}
	if r.Mode == ModeHybrid && (r.SemanticWeight < 0 || r.SemanticWeight > 1) {
		return ErrInvalidSemanticWeight
	}
	return nil
}

// Hit is one ranked match result. SemanticScore/PerceptualScore are only
// populated when Request.Explain is true.
type Hit struct {
	CanonicalHash   string
	Score           float64
	SemanticScore   *float64
	PerceptualScore *float64
}

// Matcher is stateless: every MatchDocument call is independent, reusing
// the same ingest/canonical/perceptual configuration and index/embedder
// instances.
type Matcher struct {
	ingestCfg     ingest.Config
	canonicalCfg  canonical.Config
	perceptualCfg perceptual.Config

	idx      *index.Index
	embedder embed.Embedder
	embedCfg embed.Config

	quantizeScale float32
}

// New constructs a Matcher over the given index and embedder, using cfg
// for the ingest/canonicalize/perceptualize stages applied to query
// text.
func New(idx *index.Index, embedder embed.Embedder, ingestCfg ingest.Config, canonicalCfg canonical.Config, perceptualCfg perceptual.Config, embedCfg embed.Config, quantizeScale float32) *Matcher {
	return &Matcher{
		ingestCfg:     ingestCfg,
		canonicalCfg:  canonicalCfg,
		perceptualCfg: perceptualCfg,
		idx:           idx,
		embedder:      embedder,
		embedCfg:      embedCfg,
		quantizeScale: quantizeScale,
	}
}

// MatchDocument runs the full query pipeline for req and returns ranked
// hits. It reports exactly one metrics.Event per call, success or
// failure.
func (m *Matcher) MatchDocument(ctx context.Context, req Request) (hits []Hit, err error) {
	start := time.Now()
	defer func() {
		metrics.Record(metrics.Event{
			TenantID: req.TenantID,
			Mode:     req.Mode.String(),
			Latency:  time.Since(start),
			HitCount: len(hits),
			Err:      err,
		})
	}()

	if verr := req.Validate(); verr != nil {
		return nil, verr
	}
	if req.CanonicalVersionPin != nil && *req.CanonicalVersionPin != m.canonicalCfg.Version {
		return nil, fmt.Errorf("%w: canonical pin %d, configured %d", ErrVersionPinMismatch, *req.CanonicalVersionPin, m.canonicalCfg.Version)
	}
	if req.PerceptualVersionPin != nil && *req.PerceptualVersionPin != m.perceptualCfg.Version {
		return nil, fmt.Errorf("%w: perceptual pin %d, configured %d", ErrVersionPinMismatch, *req.PerceptualVersionPin, m.perceptualCfg.Version)
	}

	query, err := m.buildQuery(ctx, req)
	if err != nil {
		return nil, err
	}

	topKPrime := int(math.Ceil(float64(req.MaxResults) * req.OversampleFactor))

	var semHits, perHits []index.Hit
	wantSemantic := req.Mode == ModeSemantic || req.Mode == ModeHybrid
	wantPerceptual := req.Mode == ModePerceptual || req.Mode == ModeHybrid

	if wantSemantic {
		semHits, err = m.idx.Search(index.Query{Embedding: query.embedding, Filter: req.AttributeFilter}, index.ModeSemantic, topKPrime)
		if err != nil {
			return nil, pipelineErr(StageIndex, err)
		}
	}
	if wantPerceptual {
		perHits, err = m.idx.Search(index.Query{Perceptual: query.perceptual, Filter: req.AttributeFilter}, index.ModePerceptual, topKPrime)
		if err != nil {
			return nil, pipelineErr(StageIndex, err)
		}
	}

	merged := merge(semHits, perHits, req.Mode, req.SemanticWeight)
	merged = applyTenantEnforce(merged, m.idx, req.TenantEnforce, req.TenantID)
	merged = dropBelowMinScore(merged, req.MinScore)
	sortHits(merged)
	if len(merged) > req.MaxResults {
		merged = merged[:req.MaxResults]
	}
	if !req.Explain {
		for i := range merged {
			merged[i].SemanticScore = nil
			merged[i].PerceptualScore = nil
		}
	}
	return merged, nil
}

// queryVectors holds the per-query signals derived from query text,
// ready to hand to index.Search.
type queryVectors struct {
	embedding  []int8
	perceptual []uint64
}

// buildQuery runs ingest -> canonicalize -> perceptualize -> embed ->
// quantize over req.QueryText, producing the signals needed for
// whichever search modes req.Mode requests.
func (m *Matcher) buildQuery(ctx context.Context, req Request) (queryVectors, error) {
	raw := ingest.RawRecord{
		RecordID: "query",
		Source:   ingest.Source{Kind: ingest.SourceRawText},
		Payload:  []byte(req.QueryText),
		Metadata: ingest.Metadata{TenantID: &req.TenantID},
	}
	canonRec, err := ingest.Ingest(raw, m.ingestCfg)
	if err != nil {
		return queryVectors{}, pipelineErr(StageIngest, err)
	}

	doc, err := canonical.Canonicalize("query", canonRec.NormalizedText, m.canonicalCfg)
	if err != nil {
		return queryVectors{}, pipelineErr(StageCanonical, err)
	}
	if req.QueryCanonicalHash != "" && req.QueryCanonicalHash != doc.IdentityHash {
		return queryVectors{}, pipelineErr(StageCanonical, ErrCanonicalHashMismatch)
	}

	var out queryVectors

	if req.Mode == ModePerceptual || req.Mode == ModeHybrid {
		tokenTexts := make([]string, len(doc.Tokens))
		for i, tok := range doc.Tokens {
			tokenTexts[i] = tok.Text
		}
		fp, err := perceptual.Perceptualize(tokenTexts, m.perceptualCfg)
		if err != nil {
			return queryVectors{}, pipelineErr(StagePerceptual, err)
		}
		out.perceptual = fp.MinHash
	}

	if req.Mode == ModeSemantic || req.Mode == ModeHybrid {
		embedCtx := ctx
		var cancel context.CancelFunc
		if req.EmbedTimeout > 0 {
			embedCtx, cancel = context.WithTimeout(ctx, req.EmbedTimeout)
			defer cancel()
		}
		result, err := m.embedder.Embed(embedCtx, doc.CanonicalText, m.embedCfg)
		if err != nil {
			if ctxErr := embedCtx.Err(); ctxErr != nil {
				return queryVectors{}, pipelineErr(StageEmbed, ctxErr)
			}
			return queryVectors{}, pipelineErr(StageEmbed, err)
		}
		out.embedding = quantize.Quantize(result.Vector, m.quantizeScale)
	}

	return out, nil
}

// merge combines semantic and perceptual result sets. Records appearing
// in only one set receive 0 for the missing signal; for single-signal
// modes the set's own score is used directly.
func merge(semHits, perHits []index.Hit, mode Mode, semanticWeight float64) []Hit {
	semByHash := make(map[string]float64, len(semHits))
	for _, h := range semHits {
		semByHash[h.CanonicalHash] = h.Score
	}
	perByHash := make(map[string]float64, len(perHits))
	for _, h := range perHits {
		perByHash[h.CanonicalHash] = h.Score
	}

	seen := make(map[string]bool, len(semHits)+len(perHits))
	var out []Hit
	add := func(hash string) {
		if seen[hash] {
			return
		}
		seen[hash] = true
		sem, hasSem := semByHash[hash]
		per, hasPer := perByHash[hash]

		var score float64
		switch mode {
		case ModeSemantic:
			score = sem
		case ModePerceptual:
			score = per
		default: // ModeHybrid
			score = semanticWeight*sem + (1-semanticWeight)*per
		}

		h := Hit{CanonicalHash: hash, Score: score}
		if hasSem {
			s := sem
			h.SemanticScore = &s
		}
		if hasPer {
			p := per
			h.PerceptualScore = &p
		}
		out = append(out, h)
	}
	for _, h := range semHits {
		add(h.CanonicalHash)
	}
	for _, h := range perHits {
		add(h.CanonicalHash)
	}
	return out
}

// applyTenantEnforce drops hits whose stored metadata tenant doesn't
// match the request tenant, when enforcement is requested. The default
// predicate requires metadata["tenant"] == tenantID.
func applyTenantEnforce(hits []Hit, idx *index.Index, enforce bool, tenantID string) []Hit {
	if !enforce {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		rec, ok, err := idx.Get(h.CanonicalHash)
		if err != nil || !ok {
			continue
		}
		if rec.Metadata["tenant"] == tenantID {
			out = append(out, h)
		}
	}
	return out
}

func dropBelowMinScore(hits []Hit, minScore float64) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	return out
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CanonicalHash < hits[j].CanonicalHash
	})
}
