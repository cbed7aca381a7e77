package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
repo:
  owner: acme
  name: widgets
host:
  token: ghp_test
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Repo.ProtectedBranch)
	assert.Equal(t, "github", cfg.Host.Kind)
	assert.Equal(t, "memory/state.json", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Store.RetryAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Branches.Retention.Duration())
	assert.Equal(t, []string{"configs/", "infra/", "data/"}, cfg.Commit.Whitelist)
	assert.Equal(t, "data/reports", cfg.Report.Dir)
	assert.Equal(t, time.Minute, cfg.Engine.PollInterval.Duration())
	assert.Equal(t, ":9090", cfg.Engine.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeConfig(t, `
repo:
  owner: acme
  name: widgets
  protected_branch: release
host:
  token: ghp_test
branches:
  retention: 48h
  allow_delete: true
engine:
  poll_interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Repo.ProtectedBranch)
	assert.Equal(t, 48*time.Hour, cfg.Branches.Retention.Duration())
	assert.True(t, cfg.Branches.AllowDelete)
	assert.Equal(t, 30*time.Second, cfg.Engine.PollInterval.Duration())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
repo:
  owner: acme
  name: widgets
`)

	t.Setenv("GITOPS_REPO_PROTECTED_BRANCH", "trunk")
	t.Setenv("GITOPS_HOST_TOKEN", "ghp_from_env")
	t.Setenv("GITOPS_ENGINE_POLL_INTERVAL", "15s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "trunk", cfg.Repo.ProtectedBranch)
	assert.Equal(t, "ghp_from_env", cfg.Host.Token.Value())
	assert.Equal(t, 15*time.Second, cfg.Engine.PollInterval.Duration())
}

func TestLoad_Validation(t *testing.T) {
	// github host without repo coordinates
	path := writeConfig(t, `
host:
  kind: github
`)
	_, err := Load(path)
	assert.Error(t, err)

	// local host without path
	path = writeConfig(t, `
host:
  kind: local
`)
	_, err = Load(path)
	assert.Error(t, err)

	// unknown host kind
	path = writeConfig(t, `
host:
  kind: bitbucket
`)
	_, err = Load(path)
	assert.Error(t, err)
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())

	raw, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "supersecret")
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
