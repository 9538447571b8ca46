package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anzen-health/anzen/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.IntakeTimeout)
	assert.Equal(t, 120*time.Second, cfg.RetrievalTimeout)
	assert.Equal(t, 180*time.Second, cfg.SynthesisTimeout)
	assert.Equal(t, 60*time.Second, cfg.VerificationTimeout)
	assert.Equal(t, 10, cfg.RetrievalTopK)
	assert.Equal(t, "anzen", cfg.ServiceName)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANZEN_PORT", "9090")
	t.Setenv("ANZEN_RETRIEVAL_TIMEOUT", "45s")
	t.Setenv("ANZEN_RATE_LIMIT_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.RetrievalTimeout)
	assert.False(t, cfg.RateLimitEnabled)
}

func TestValidate_Rejections(t *testing.T) {
	base, err := config.Load()
	require.NoError(t, err)

	cfg := base
	cfg.DatabaseURL = ""
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL")

	cfg = base
	cfg.EmbeddingDimensions = 0
	assert.ErrorContains(t, cfg.Validate(), "EMBEDDING_DIMENSIONS")

	cfg = base
	cfg.RetrievalTopK = -1
	assert.ErrorContains(t, cfg.Validate(), "TOP_K")

	cfg = base
	cfg.SynthesisTimeout = 0
	assert.ErrorContains(t, cfg.Validate(), "ANZEN_SYNTHESIS_TIMEOUT")
}
