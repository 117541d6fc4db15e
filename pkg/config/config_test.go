package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "file:tally.db", cfg.DatabaseURL)
	assert.Equal(t, 900, cfg.LeaseTTLSeconds)
	assert.Equal(t, 7200, cfg.MaxLeaseLifetimeSeconds)
	assert.Equal(t, 30, cfg.ReaperIntervalSeconds)
	assert.Equal(t, 3, cfg.DefaultMaxAttempts)
	assert.Equal(t, 1000, cfg.ChainDepthCap)
	assert.Equal(t, "agent:operator", cfg.RetryPrincipal)
	assert.False(t, cfg.EmitAcceptedOnSubmit)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://tally@localhost:5432/tally?sslmode=disable")
	t.Setenv("LEASE_TTL_SECONDS", "60")
	t.Setenv("EMIT_ACCEPTED_ON_SUBMIT", "true")
	t.Setenv("RATE_LIMIT_RPM", "not-a-number")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres://tally@localhost:5432/tally?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, 60, cfg.LeaseTTLSeconds)
	assert.True(t, cfg.EmitAcceptedOnSubmit)
	// malformed integers fall back to the default
	assert.Equal(t, 600, cfg.RateLimitRPM)
}

func TestLoadAPIKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keys:
  - key: sk-live-1
    tenant_id: tenant-a
    principal: svc:ingest
    roles: [writer]
  - key: sk-live-2
    tenant_id: tenant-b
    principal: agent:helper
`), 0o600))

	keys, err := LoadAPIKeys(path)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "sk-live-1", keys[0].Key)
	assert.Equal(t, "tenant-a", keys[0].TenantID)
	assert.Equal(t, []string{"writer"}, keys[0].Roles)
	assert.Equal(t, "agent:helper", keys[1].Principal)
}

func TestLoadAPIKeysRejectsIncompleteEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keys:
  - key: sk-live-1
    principal: svc:ingest
`), 0o600))

	_, err := LoadAPIKeys(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id")
}

func TestLoadAPIKeysMissingFile(t *testing.T) {
	_, err := LoadAPIKeys(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
