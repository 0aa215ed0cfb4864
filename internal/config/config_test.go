package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		if had {
			t.Cleanup(func() { _ = os.Setenv(k, old) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "MAX_CONCURRENT_JOBS", "CONCEPT_MERGE_THRESHOLD", "LLM_PROVIDER",
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 0.85, cfg.ConceptMergeThreshold)
	assert.Equal(t, 15*time.Minute, cfg.JobApprovalTimeout)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestEnvOverridesDefaults(t *testing.T) {
	clearEnv(t, "MAX_CONCURRENT_JOBS", "JOB_APPROVAL_TIMEOUT", "OPENAI_API_KEY")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MAX_CONCURRENT_JOBS", "9")
	t.Setenv("JOB_APPROVAL_TIMEOUT", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Second, cfg.JobApprovalTimeout)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	clearEnv(t, "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY", "LLM_PROVIDER")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadFromYAMLFile(t *testing.T) {
	clearEnv(t, "MAX_CONCURRENT_JOBS", "OPENAI_API_KEY")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	dir := t.TempDir()
	path := dir + "/graphkeep.yaml"
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 12\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxConcurrentJobs)
}

func TestEnvWinsOverYAMLFile(t *testing.T) {
	clearEnv(t, "MAX_CONCURRENT_JOBS", "OPENAI_API_KEY")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MAX_CONCURRENT_JOBS", "7")

	dir := t.TempDir()
	path := dir + "/graphkeep.yaml"
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 12\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxConcurrentJobs)
}
