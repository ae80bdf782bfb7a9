package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"act-placemat/backend/internal/constants"
	apperrors "act-placemat/backend/pkg/errors"
)

func TestLoadPipelineFile_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	body := `
confidence_threshold: 0.8
relation_fields:
  theme-based: Related Projects
  email-mention: People
strict_autonomy: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := LoadPipelineFile(path)
	require.NoError(t, err)

	assert.Equal(t, 0.8, p.ConfidenceThreshold)
	assert.True(t, p.StrictAutonomy)
	assert.Equal(t, "People", p.RelationFields["email-mention"])
	// untouched keys keep defaults
	assert.Equal(t, constants.DefaultMaxConcurrency, p.MaxConcurrency)
	assert.Equal(t, constants.DefaultRelationField, p.RelationField)
	assert.NoError(t, p.Validate())
}

func TestLoadPipelineFile_Missing(t *testing.T) {
	_, err := LoadPipelineFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPipelineValidate(t *testing.T) {
	p := DefaultPipeline()
	p.ConfidenceThreshold = 1.5
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeConfig))

	p = DefaultPipeline()
	p.MaxConcurrency = 0
	assert.Error(t, p.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", "")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.65")
	t.Setenv("MAX_CONCURRENCY", "3")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("GROQ_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.65, cfg.Pipeline.ConfidenceThreshold)
	assert.Equal(t, 3, cfg.Pipeline.MaxConcurrency)
	assert.True(t, cfg.Pipeline.DryRun)
	assert.False(t, cfg.EnrichmentEnabled())
}
