package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.StoreQueryTimeout)
	assert.Equal(t, 30*time.Minute, cfg.LockTTL)
	assert.Equal(t, 5*time.Second, cfg.RepublishDelay)
	assert.Equal(t, 8, cfg.PublishConcurrency)
	assert.True(t, cfg.PublishCompensate)
	assert.Equal(t, "exhibits", cfg.MeiliIndex)
	assert.Equal(t, "exhibits_preview", cfg.MeiliPreviewIndex)
	assert.False(t, cfg.InMemoryStore())
	assert.Empty(t, cfg.GatewayJWTSecret)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("LOCK_TTL", "0s")
	t.Setenv("PUBLISH_COMPENSATE", "false")
	t.Setenv("PUBLISH_CONCURRENCY", "2")
	t.Setenv("REPUBLISH_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.InMemoryStore())
	assert.Zero(t, cfg.LockTTL)
	assert.False(t, cfg.PublishCompensate)
	assert.Equal(t, 2, cfg.PublishConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.RepublishDelay)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PUBLISH_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUBLISH_CONCURRENCY")
}

func TestLoadDotEnvPrefersLocalFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	shared := filepath.Join(dir, ".env")
	missing := filepath.Join(dir, ".env.missing")
	require.NoError(t, os.WriteFile(local, []byte("EXHIBITS_TEST_SOURCE=local\n"), 0o600))
	require.NoError(t, os.WriteFile(shared, []byte("EXHIBITS_TEST_SOURCE=shared\nEXHIBITS_TEST_SHARED=yes\n"), 0o600))

	t.Setenv("EXHIBITS_TEST_SOURCE", "")
	t.Setenv("EXHIBITS_TEST_SHARED", "")
	os.Unsetenv("EXHIBITS_TEST_SOURCE")
	os.Unsetenv("EXHIBITS_TEST_SHARED")

	loaded := LoadDotEnv(local, missing, shared)

	assert.Equal(t, []string{local, shared}, loaded)
	assert.Equal(t, "local", os.Getenv("EXHIBITS_TEST_SOURCE"))
	assert.Equal(t, "yes", os.Getenv("EXHIBITS_TEST_SHARED"))
}
