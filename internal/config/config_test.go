package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"GATEWAY_CONFIG_PATH", "GATEWAY_LISTEN_ADDR", "GATEWAY_ADMIN_LISTEN_ADDR",
		"GATEWAY_TLS_CERT_FILE", "GATEWAY_TLS_KEY_FILE", "GATEWAY_TLS_CLIENT_CA_FILES",
		"GATEWAY_TOKEN", "GATEWAY_PERMANENT_AUTH_TOKEN", "GATEWAY_DISABLE_AUTH",
		"GATEWAY_MAX_MESSAGE_SIZE", "GATEWAY_MAX_HEADER_BYTES",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoad_FallsBackToDefaultsWhenNoFileOrEnv(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ListenAddr, cfg.ListenAddr)
	assert.Equal(t, int64(DefaultMaxMessageSize), cfg.MaxMessageSize)
}

func TestLoad_FileValuesAreOverriddenByEnv(t *testing.T) {
	clearGatewayEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":1111"
permanent_auth_token: "from-file"
`), 0o600))

	t.Setenv("GATEWAY_CONFIG_PATH", path)
	t.Setenv("GATEWAY_LISTEN_ADDR", ":2222")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":2222", cfg.ListenAddr)
	assert.Equal(t, "from-file", cfg.PermanentAuthToken)
}

func TestLoad_InvalidConfigFailsValidation(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("GATEWAY_LISTEN_ADDR", "")
	t.Setenv("GATEWAY_TLS_CERT_FILE", "cert.pem")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_file")
}

func TestLoad_DisableAuthEnvOverride(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("GATEWAY_DISABLE_AUTH", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DisableAuth)
}

func TestLoad_ClientCAFilesEnvOverrideSplitsOnComma(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GATEWAY_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("GATEWAY_TLS_CLIENT_CA_FILES", "a.pem,b.pem")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pem", "b.pem"}, cfg.TLS.ClientCAFiles)
}
