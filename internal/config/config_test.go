package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bravo1goingdark/ucfp/internal/config"
)

func TestDefaultIndexConfigValidates(t *testing.T) {
	if err := config.DefaultIndexConfig().Validate(); err != nil {
		t.Fatalf("default index config should validate: %v", err)
	}
}

func TestDefaultMatcherConfigValidates(t *testing.T) {
	if err := config.DefaultMatcherConfig().Validate(); err != nil {
		t.Fatalf("default matcher config should validate: %v", err)
	}
}

func TestPersistentBackendRequiresPath(t *testing.T) {
	c := config.DefaultIndexConfig()
	c.Backend = config.BackendPersistent
	c.PersistentPath = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for persistent backend without path")
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	c := config.DefaultIndexConfig()
	c.Backend = "not_a_real_backend"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestInvalidQuantizationScaleRejected(t *testing.T) {
	c := config.DefaultIndexConfig()
	c.QuantizationScale = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-positive quantization_scale")
	}
}

func TestOversampleFactorBelowOneRejected(t *testing.T) {
	c := config.DefaultMatcherConfig()
	c.DefaultOversampleFactor = 0.5
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for oversample_factor < 1.0")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	f, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if f.Index.SchemaVersion != config.DefaultIndexConfig().SchemaVersion {
		t.Fatalf("expected defaults, got %+v", f.Index)
	}
}

func TestLoadParsesTOMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ucfp.toml")
	body := `
[index]
backend = "persistent"
persistent_path = "./data.db"
quantization_scale = 64.0
schema_version = 2

[index.ann]
enabled = true
min_vectors_for_ann = 500
m = 32
ef_construction = 100
ef_search = 40
persist_path = "./data.db.ann"

[matcher]
default_max_results = 5
default_oversample_factor = 3.0
default_tenant_enforce = false
embed_timeout_seconds = 20
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Index.Backend != config.BackendPersistent || f.Index.PersistentPath != "./data.db" {
		t.Fatalf("unexpected index config: %+v", f.Index)
	}
	if f.Index.ANN.M != 32 || f.Index.ANN.MinVectorsForANN != 500 || f.Index.ANN.PersistPath != "./data.db.ann" {
		t.Fatalf("unexpected ann config: %+v", f.Index.ANN)
	}
	if f.Matcher.DefaultMaxResults != 5 || f.Matcher.DefaultTenantEnforce {
		t.Fatalf("unexpected matcher config: %+v", f.Matcher)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ucfp.toml")
	body := `
[index]
backend = "in_memory"
quantization_scale = -1.0
schema_version = 1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for negative quantization_scale")
	}
}
