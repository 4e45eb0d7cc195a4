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
	t.Setenv("QR_SIGNATURE_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8083", cfg.HTTPAddr)
	assert.Equal(t, ":9093", cfg.GRPCAddr)
	assert.Equal(t, 15*time.Second, cfg.QRValidity)
	assert.Equal(t, 5*time.Second, cfg.QRRefreshInterval)
	assert.Equal(t, 30.0, cfg.GeoFenceRadius)
	assert.Equal(t, 3*time.Hour, cfg.SessionMaxDuration)
	assert.Equal(t, 5, cfg.LockoutThreshold)
	assert.Equal(t, 5*time.Minute, cfg.LockoutDuration)
	assert.Equal(t, 10*time.Minute, cfg.LockoutSweepInterval)
	assert.True(t, cfg.MigrateOnStart)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("QR_SIGNATURE_SECRET", "s3cret")
	t.Setenv("QR_VALIDITY", "10s")
	t.Setenv("GEO_FENCE_RADIUS", "75.5")
	t.Setenv("LOCKOUT_THRESHOLD", "3")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("TRUST_PROXY_HEADERS", "true")
	t.Setenv("JWT_PUBLIC_KEY", `-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.QRValidity)
	assert.Equal(t, 75.5, cfg.GeoFenceRadius)
	assert.Equal(t, 3, cfg.LockoutThreshold)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.True(t, cfg.TrustProxyHeaders)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----", cfg.JWTPublicKey)
}

func TestLoadReadsDotEnvAndKeyFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	keyPath := filepath.Join(dir, "jwt.pem")
	require.NoError(t, os.WriteFile(keyPath, []byte("  PEM-DATA \n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("QR_SIGNATURE_SECRET=from-dotenv\nJWT_PUBLIC_KEY_FILE="+keyPath+"\n"), 0o600))
	t.Setenv("QR_SIGNATURE_SECRET", "")
	os.Unsetenv("QR_SIGNATURE_SECRET")
	t.Setenv("JWT_PUBLIC_KEY_FILE", "")
	os.Unsetenv("JWT_PUBLIC_KEY_FILE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.QRSignatureSecret)
	assert.Equal(t, "PEM-DATA", cfg.JWTPublicKey)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("QR_SIGNATURE_SECRET", "")
	t.Setenv("GEO_FENCE_RADIUS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QR_SIGNATURE_SECRET")
	assert.Contains(t, err.Error(), "GEO_FENCE_RADIUS")
}
