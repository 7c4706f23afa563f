package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1933, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.VectorDB.Backend)
	assert.Equal(t, 10000, cfg.Queue.Capacity)
	assert.Equal(t, 4, cfg.Queue.EmbeddingWorkers)
	assert.Equal(t, 2, cfg.Queue.SemanticWorkers)
	assert.Equal(t, 0.90, cfg.Memory.DedupThreshold)
	assert.Equal(t, "en", cfg.LanguageFallback)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9000, "api_key": "secret"},
		"storage": {"vectordb": {"backend": "memory", "dimension": 64}},
		"log_level": "debug",
		"unknown_key": "ignored"
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, "memory", cfg.Storage.VectorDB.Backend)
	assert.Equal(t, 64, cfg.Storage.VectorDB.Dimension)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Sections absent from the file keep their defaults.
	assert.Equal(t, 10000, cfg.Queue.Capacity)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9001
storage:
  vectordb:
    backend: memory
    dimension: 32
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Storage.VectorDB.Dimension)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 9000}}`), 0o644))
	t.Setenv("OPENVIKING_PORT", "9100")
	t.Setenv("OPENVIKING_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Server.APIKey)
}

func TestResolvePathPrecedence(t *testing.T) {
	explicit := "/tmp/explicit.json"
	assert.Equal(t, explicit, ResolvePath(explicit))

	t.Setenv(EnvConfigPath, "/tmp/from-env.json")
	assert.Equal(t, "/tmp/from-env.json", ResolvePath(""))
}

func TestValidationErrors(t *testing.T) {
	mutations := []func(*Config){
		func(c *Config) { c.Server.Port = 0 },
		func(c *Config) { c.Storage.AGFS.Backend = "ftp" },
		func(c *Config) { c.Storage.AGFS.Backend = "local"; c.Storage.AGFS.Root = "" },
		func(c *Config) { c.Storage.AGFS.Backend = "s3" },
		func(c *Config) { c.Storage.VectorDB.Backend = "postgres" },
		func(c *Config) { c.Storage.VectorDB.Dimension = 0 },
		func(c *Config) { c.Embedding.Provider = "" },
		func(c *Config) { c.Embedding.Dimensions = 42 },
		func(c *Config) { c.VLM.Provider = "" },
		func(c *Config) { c.Queue.Capacity = -1 },
		func(c *Config) { c.Memory.DedupThreshold = 1.5 },
		func(c *Config) { c.LogFormat = "xml" },
	}
	for i, mutate := range mutations {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "mutation %d must fail validation", i)
	}
}
