package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "schedule", "score", "runs", "contacts"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestScoreCommand_RequiresIDs(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	root.SetArgs([]string{"score"})
	root.SetErr(&bytes.Buffer{})

	assert.Error(t, root.Execute())
}

func TestScheduleCommand_RejectsBadCronBeforeConnecting(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	root.SetArgs([]string{"schedule", "--cron", "every morning"})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --cron")
}

func TestLoadConfig_AppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("confidence_threshold: 0.9\n"), 0o600))
	t.Setenv("PIPELINE_CONFIG", "")

	cfg, err := loadConfig(&cliOptions{configPath: path, dryRun: true})
	require.NoError(t, err)

	assert.True(t, cfg.Pipeline.DryRun)
	assert.Equal(t, 0.9, cfg.Pipeline.ConfidenceThreshold)
}
