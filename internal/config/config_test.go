package config

import (
	"os"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func lookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(lookup(map[string]string{
		"AUTHCORE_STORE":          "Memory",
		"AUTHCORE_SIGNING_SECRET": secret,
	}))
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 5*time.Minute, cfg.PermCacheTTL)
	assert.Equal(t, 10000, cfg.PermCacheSize)
	assert.Equal(t, 12, cfg.BcryptCost)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(lookup(map[string]string{
		"AUTHCORE_PG_DSN":          "postgres://localhost/authcore",
		"AUTHCORE_SIGNING_SECRET":  secret,
		"AUTHCORE_ACCESS_TTL":      "5m",
		"AUTHCORE_REFRESH_TTL":     "24h",
		"AUTHCORE_PERM_CACHE_SIZE": "50",
		"AUTHCORE_REDIS_ADDR":      "localhost:6379",
		"AUTHCORE_LOG_FORMAT":      "console",
	}))
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 50, cfg.PermCacheSize)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestFromEnvCollectsAllErrors(t *testing.T) {
	_, err := FromEnv(lookup(map[string]string{
		"AUTHCORE_SIGNING_SECRET": "short",
		"AUTHCORE_ACCESS_TTL":     "soon",
		"AUTHCORE_BCRYPT_COST":    "high",
	}))
	require.Error(t, err)
	for _, want := range []string{"PG_DSN", "SIGNING_SECRET", "ACCESS_TTL", "BCRYPT_COST"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestFromEnvRejectsInvertedLifetimes(t *testing.T) {
	_, err := FromEnv(lookup(map[string]string{
		"AUTHCORE_STORE":          "memory",
		"AUTHCORE_SIGNING_SECRET": secret,
		"AUTHCORE_ACCESS_TTL":     "48h",
		"AUTHCORE_REFRESH_TTL":    "24h",
	}))
	assert.ErrorContains(t, err, "ACCESS_TTL must be shorter")

	_, err = FromEnv(lookup(map[string]string{
		"AUTHCORE_STORE":          "sqlite",
		"AUTHCORE_SIGNING_SECRET": secret,
	}))
	assert.ErrorContains(t, err, "STORE must be")
}

func TestLoadReadsDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"AUTHCORE_STORE=memory\nAUTHCORE_SIGNING_SECRET="+secret+"\nAUTHCORE_ISSUER=from-file\n"), 0o600))
	// godotenv never overrides, so start from a clean slate; Setenv restores
	for _, k := range []string{"AUTHCORE_STORE", "AUTHCORE_SIGNING_SECRET", "AUTHCORE_ISSUER"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Setenv("AUTHCORE_HTTP_ADDR", ":9090")

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Issuer)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
}

func TestFromEnvTrustedProxies(t *testing.T) {
	cfg, err := FromEnv(lookup(map[string]string{
		"AUTHCORE_STORE":           "memory",
		"AUTHCORE_SIGNING_SECRET":  secret,
		"AUTHCORE_TRUSTED_PROXIES": "10.1.2.3/8, 192.0.2.1,",
	}))
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.1/32"),
	}, cfg.TrustedProxies)

	_, err = FromEnv(lookup(map[string]string{
		"AUTHCORE_STORE":           "memory",
		"AUTHCORE_SIGNING_SECRET":  secret,
		"AUTHCORE_TRUSTED_PROXIES": "10.0.0.0/40",
	}))
	assert.ErrorContains(t, err, "AUTHCORE_TRUSTED_PROXIES")
}
