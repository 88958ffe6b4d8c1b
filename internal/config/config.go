// Package config defines the TOML-tagged configuration surface for the
// index and matcher, validated fail-fast at load time. cmd/ucfp loads an
// optional .toml file at startup with flag/file/default precedence.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Sentinel errors for configuration validation failures. These are
// startup-time (fail fast), never returned mid-request.
var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// BackendKind selects a storage backend variant.
type BackendKind string

const (
	BackendInMemory   BackendKind = "in_memory"
	BackendPersistent BackendKind = "persistent"
)

// ANNConfig is the ANN overlay's configuration surface.
type ANNConfig struct {
	Enabled          bool `toml:"enabled"`
	MinVectorsForANN int  `toml:"min_vectors_for_ann"`
	M                int  `toml:"m"`
	EfConstruction   int  `toml:"ef_construction"`
	EfSearch         int  `toml:"ef_search"`
	// PersistPath, when set, is where the built overlay is saved on
	// flush and reloaded from on startup. Defaults to "<persistent_path>.ann"
	// when the persistent backend is selected.
	PersistPath string `toml:"persist_path"`
}

// DefaultANNConfig returns the documented default ANN parameters.
func DefaultANNConfig() ANNConfig {
	return ANNConfig{
		Enabled:          true,
		MinVectorsForANN: 1000,
		M:                16,
		EfConstruction:   200,
		EfSearch:         50,
	}
}

// IndexConfig is the index's external configuration surface: backend
// selection, quantization scale, ANN parameters, and schema version.
type IndexConfig struct {
	Backend           BackendKind `toml:"backend"`
	PersistentPath    string      `toml:"persistent_path"`
	QuantizationScale float32     `toml:"quantization_scale"`
	ANN               ANNConfig   `toml:"ann"`
	SchemaVersion     int         `toml:"schema_version"`
}

// DefaultIndexConfig returns an in-memory index configuration with
// documented defaults.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Backend:           BackendInMemory,
		QuantizationScale: 127.0,
		ANN:               DefaultANNConfig(),
		SchemaVersion:     1,
	}
}

// Validate fails fast on a configuration that cannot be used to
// construct an index.
func (c IndexConfig) Validate() error {
	switch c.Backend {
	case BackendInMemory:
	case BackendPersistent:
		if c.PersistentPath == "" {
			return fmt.Errorf("%w: persistent backend requires persistent_path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.QuantizationScale <= 0 {
		return fmt.Errorf("%w: quantization_scale must be > 0", ErrInvalidConfig)
	}
	if c.SchemaVersion < 1 {
		return fmt.Errorf("%w: schema_version must be >= 1", ErrInvalidConfig)
	}
	if c.ANN.Enabled {
		if c.ANN.M < 1 {
			return fmt.Errorf("%w: ann.m must be >= 1", ErrInvalidConfig)
		}
		if c.ANN.EfConstruction < 1 || c.ANN.EfSearch < 1 {
			return fmt.Errorf("%w: ann.ef_construction and ann.ef_search must be >= 1", ErrInvalidConfig)
		}
		if c.ANN.MinVectorsForANN < 0 {
			return fmt.Errorf("%w: ann.min_vectors_for_ann must be >= 0", ErrInvalidConfig)
		}
	}
	return nil
}

// MatcherConfig holds the [matcher] section of the config file. It is
// loaded and validated, but MatchDocument does not read it: a request
// that leaves MaxResults or OversampleFactor at zero fails validation
// instead of falling back to these values.
type MatcherConfig struct {
	DefaultMaxResults       int     `toml:"default_max_results"`
	DefaultOversampleFactor float64 `toml:"default_oversample_factor"`
	DefaultTenantEnforce    bool    `toml:"default_tenant_enforce"`
	EmbedTimeoutSeconds     int     `toml:"embed_timeout_seconds"`
}

// DefaultMatcherConfig returns documented matcher defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		DefaultMaxResults:       10,
		DefaultOversampleFactor: 2.0,
		DefaultTenantEnforce:    true,
		EmbedTimeoutSeconds:     10,
	}
}

// Validate fails fast on a matcher config that cannot be used.
func (c MatcherConfig) Validate() error {
	if c.DefaultMaxResults <= 0 {
		return fmt.Errorf("%w: default_max_results must be > 0", ErrInvalidConfig)
	}
	if c.DefaultOversampleFactor < 1.0 {
		return fmt.Errorf("%w: default_oversample_factor must be >= 1.0", ErrInvalidConfig)
	}
	if c.EmbedTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: embed_timeout_seconds must be > 0", ErrInvalidConfig)
	}
	return nil
}

// File is the top-level TOML document loaded from disk. cmd/ucfp reads
// this with flag/file/default precedence: file overrides defaults, flags
// override file.
type File struct {
	Index   IndexConfig   `toml:"index"`
	Matcher MatcherConfig `toml:"matcher"`
}

// DefaultFile returns a File populated with documented defaults.
func DefaultFile() File {
	return File{
		Index:   DefaultIndexConfig(),
		Matcher: DefaultMatcherConfig(),
	}
}

// Load reads and parses a TOML config file at path, starting from
// defaults so an omitted section still validates. A missing file is not
// an error; callers get defaults back.
func Load(path string) (File, error) {
	f := DefaultFile()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := f.Index.Validate(); err != nil {
		return File{}, err
	}
	if err := f.Matcher.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}
