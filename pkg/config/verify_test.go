package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadedConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, "server: {}\n"))
	require.NoError(t, err)
	return cfg
}

func TestVerifyAgainstEmbeddedSchema(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		cfg := loadedConfig(t)
		assert.NoError(t, VerifyAgainstEmbeddedSchema(cfg))
	})

	t.Run("missing server listen", func(t *testing.T) {
		cfg := loadedConfig(t)
		cfg.Server.Listen = ""
		err := VerifyAgainstEmbeddedSchema(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.listen is required")
	})

	t.Run("missing vulnerability endpoints", func(t *testing.T) {
		cfg := loadedConfig(t)
		cfg.Upstreams.NVD = ""
		err := VerifyAgainstEmbeddedSchema(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstreams.nvd is required")

		cfg = loadedConfig(t)
		cfg.Upstreams.CIRCL = ""
		err = VerifyAgainstEmbeddedSchema(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstreams.circl is required")
	})
}

func TestValidateRequiredFields(t *testing.T) {
	t.Run("loaded defaults are complete", func(t *testing.T) {
		assert.NoError(t, validateRequiredFields(loadedConfig(t)))
	})

	t.Run("missing github api endpoint", func(t *testing.T) {
		cfg := loadedConfig(t)
		cfg.Upstreams.GitHubAPI = ""
		err := validateRequiredFields(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstreams.github_api is required")
	})
}

func TestGenerateSchema(t *testing.T) {
	schema, err := GenerateSchema()
	require.NoError(t, err)
	require.NotNil(t, schema)

	// verify schema can be marshaled to JSON
	data, err := schema.MarshalJSON()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// verify it contains expected fields
	schemaStr := string(data)
	assert.Contains(t, schemaStr, "Config")
	assert.Contains(t, schemaStr, "server")
	assert.Contains(t, schemaStr, "upstreams")
	assert.Contains(t, schemaStr, "oauth")
}
