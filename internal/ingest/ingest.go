// Package ingest validates raw ingestion requests, applies metadata
// defaults, enforces size limits, and hands a normalized record to the
// canonicalizer.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors returned by Ingest.
var (
	ErrMissingPayload      = errors.New("ingest: missing payload")
	ErrInvalidMetadata     = errors.New("ingest: invalid metadata")
	ErrInvalidUTF8         = errors.New("ingest: payload is not valid utf-8")
	ErrEmptyBinaryPayload  = errors.New("ingest: empty binary payload")
	ErrEmptyNormalizedText = errors.New("ingest: normalized text is empty")
	ErrPayloadTooLarge     = errors.New("ingest: payload too large")
	ErrInvalidConfig       = errors.New("ingest: invalid config")
)

// SourceKind discriminates where a raw record came from.
type SourceKind int

const (
	SourceRawText SourceKind = iota
	SourceURL
	SourceFile
	SourceAPI
)

// Source describes the origin of a raw ingestion record.
type Source struct {
	Kind        SourceKind
	URL         string
	Filename    string
	ContentType string
}

// Metadata carries caller-supplied tags about a record. Fields are pointers
// so that "absent" (use default/derive) is distinguishable from "empty
// string supplied".
type Metadata struct {
	TenantID       *string
	DocID          *string
	ReceivedAt     *time.Time
	OriginalSource *string
	Attributes     map[string]string
}

// RawRecord is the caller-supplied, unvalidated ingestion request.
type RawRecord struct {
	RecordID string // caller-chosen identifier, used only to derive DocID
	Source   Source
	Payload  []byte // raw bytes; interpreted as UTF-8 text
	Metadata Metadata
}

// CanonicalRecord is the normalized record handed to the canonicalizer.
type CanonicalRecord struct {
	TenantID       string
	DocID          string
	ReceivedAt     time.Time
	OriginalSource string
	Attributes     map[string]string
	NormalizedText string
}

// RequiredField names a metadata field a MetadataPolicy may require.
type RequiredField int

const (
	RequireTenantID RequiredField = iota
	RequireDocID
	RequireOriginalSource
)

// MetadataPolicy governs metadata validation independent of payload
// handling.
type MetadataPolicy struct {
	RequiredFields         []RequiredField
	MaxAttributeBytes      int64
	RejectFutureTimestamps bool
}

// DocIDNamespace is the UUID namespace used to derive stable doc ids when
// the caller does not supply one.
var DocIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Config governs Ingest's behavior. Validate at load time (fail fast).
type Config struct {
	Version            uint32
	DefaultTenantID    string
	DocIDNamespace     uuid.UUID
	StripControlChars  bool
	MetadataPolicy     MetadataPolicy
	MaxPayloadBytes    int64 // 0 = unlimited
	MaxNormalizedBytes int64 // 0 = unlimited
}

// Validate enforces the config-load invariant: max_normalized_bytes must
// not exceed max_payload_bytes when both are set.
func (c Config) Validate() error {
	if c.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidConfig)
	}
	if c.MaxPayloadBytes > 0 && c.MaxNormalizedBytes > 0 && c.MaxNormalizedBytes > c.MaxPayloadBytes {
		return fmt.Errorf("%w: max_normalized_bytes (%d) exceeds max_payload_bytes (%d)",
			ErrInvalidConfig, c.MaxNormalizedBytes, c.MaxPayloadBytes)
	}
	return nil
}

// Ingest validates raw, applies defaults, and produces a CanonicalRecord
// ready for canonicalization.
func Ingest(raw RawRecord, cfg Config) (CanonicalRecord, error) {
	if err := cfg.Validate(); err != nil {
		return CanonicalRecord{}, err
	}

	switch raw.Source.Kind {
	case SourceRawText, SourceFile:
		if len(raw.Payload) == 0 {
			return CanonicalRecord{}, ErrMissingPayload
		}
	}

	if cfg.MaxPayloadBytes > 0 && int64(len(raw.Payload)) > cfg.MaxPayloadBytes {
		return CanonicalRecord{}, fmt.Errorf("%w: payload is %d bytes, limit %d",
			ErrPayloadTooLarge, len(raw.Payload), cfg.MaxPayloadBytes)
	}

	if len(raw.Payload) == 0 {
		return CanonicalRecord{}, ErrEmptyBinaryPayload
	}
	if !utf8.Valid(raw.Payload) {
		return CanonicalRecord{}, ErrInvalidUTF8
	}

	normalized := normalizeText(string(raw.Payload))
	if normalized == "" {
		return CanonicalRecord{}, ErrEmptyNormalizedText
	}
	if cfg.MaxNormalizedBytes > 0 && int64(len(normalized)) > cfg.MaxNormalizedBytes {
		return CanonicalRecord{}, fmt.Errorf("%w: normalized text is %d bytes, limit %d",
			ErrPayloadTooLarge, len(normalized), cfg.MaxNormalizedBytes)
	}

	now := time.Now().UTC()

	tenantID := cfg.DefaultTenantID
	if raw.Metadata.TenantID != nil {
		tenantID = sanitizeOptional(*raw.Metadata.TenantID, cfg.StripControlChars)
	}

	var docID string
	if raw.Metadata.DocID != nil {
		docID = sanitizeOptional(*raw.Metadata.DocID, cfg.StripControlChars)
	} else {
		docID = deriveDocID(cfg.DocIDNamespace, tenantID, raw.RecordID)
	}

	receivedAt := now
	if raw.Metadata.ReceivedAt != nil {
		receivedAt = *raw.Metadata.ReceivedAt
		if cfg.MetadataPolicy.RejectFutureTimestamps && receivedAt.After(now) {
			return CanonicalRecord{}, fmt.Errorf("%w: received_at %s is in the future", ErrInvalidMetadata, receivedAt)
		}
	}

	originalSource := ""
	if raw.Metadata.OriginalSource != nil {
		originalSource = sanitizeOptional(*raw.Metadata.OriginalSource, cfg.StripControlChars)
	}

	attrs, err := enforceAttributeLimit(raw.Metadata.Attributes, cfg.StripControlChars, cfg.MetadataPolicy.MaxAttributeBytes)
	if err != nil {
		return CanonicalRecord{}, err
	}

	rec := CanonicalRecord{
		TenantID:       tenantID,
		DocID:          docID,
		ReceivedAt:     receivedAt,
		OriginalSource: originalSource,
		Attributes:     attrs,
		NormalizedText: normalized,
	}
	if err := enforceRequiredFields(rec, cfg.MetadataPolicy.RequiredFields); err != nil {
		return CanonicalRecord{}, err
	}
	return rec, nil
}

// normalizeText collapses all runs of Unicode whitespace to a single ASCII
// space, trimming leading/trailing whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// sanitizeOptional trims whitespace and, if configured, strips control
// characters from a caller-supplied metadata string.
func sanitizeOptional(s string, stripControl bool) string {
	if stripControl {
		var b strings.Builder
		b.Grow(len(s))
		for _, r := range s {
			if unicode.IsControl(r) {
				continue
			}
			b.WriteRune(r)
		}
		s = b.String()
	}
	return strings.TrimSpace(s)
}

// deriveDocID derives a stable UUIDv5 doc id from
// (namespace, tenant ++ 0x00 ++ record_id).
func deriveDocID(namespace uuid.UUID, tenantID, recordID string) string {
	data := append([]byte(tenantID), 0x00)
	data = append(data, []byte(recordID)...)
	return uuid.NewSHA1(namespace, data).String()
}

func enforceAttributeLimit(attrs map[string]string, stripControl bool, maxBytes int64) (map[string]string, error) {
	if attrs == nil {
		return nil, nil
	}
	out := make(map[string]string, len(attrs))
	var total bytes.Buffer
	for k, v := range attrs {
		sv := sanitizeOptional(v, stripControl)
		out[k] = sv
		total.WriteString(k)
		total.WriteString(sv)
	}
	if maxBytes > 0 && int64(total.Len()) > maxBytes {
		return nil, fmt.Errorf("%w: attributes serialize to %d bytes, limit %d", ErrInvalidMetadata, total.Len(), maxBytes)
	}
	return out, nil
}

func enforceRequiredFields(rec CanonicalRecord, required []RequiredField) error {
	for _, f := range required {
		switch f {
		case RequireTenantID:
			if rec.TenantID == "" {
				return fmt.Errorf("%w: tenant_id is required", ErrInvalidMetadata)
			}
		case RequireDocID:
			if rec.DocID == "" {
				return fmt.Errorf("%w: doc_id is required", ErrInvalidMetadata)
			}
		case RequireOriginalSource:
			if rec.OriginalSource == "" {
				return fmt.Errorf("%w: original_source is required", ErrInvalidMetadata)
			}
		}
	}
	return nil
}
