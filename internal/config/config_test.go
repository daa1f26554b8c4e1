package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
backend:
  baseURL: https://erp.example.test
identity:
  file:
    keyDir: /etc/erezept/keys
`

func TestParse_Defaults(t *testing.T) {
	t.Setenv(MockSigningEnv, "")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/erezept", cfg.Server.BasePath)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, "file", cfg.Identity.Mode)
	assert.Equal(t, "erx-{role}", cfg.Identity.PKCS11.KeyLabelPattern)
	assert.False(t, cfg.Identity.Revocation.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Identity.Revocation.Timeout)
	assert.Equal(t, time.Hour, cfg.Identity.Revocation.CacheTTL)
	assert.Equal(t, "static", cfg.Auth.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Auth.TokenTTL)
	assert.False(t, cfg.Signing.Mock)
	assert.Equal(t, DefaultMockPatientID, cfg.Signing.PatientID)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "stderr", cfg.Log.Output)
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("ERX_TEST_P12_PASSWORD", "s3cret")
	t.Setenv("ERX_TEST_TOKEN", "static-token")

	cfg, err := Parse([]byte(`
backend:
  baseURL: https://erp.example.test
identity:
  mode: pkcs12
  pkcs12:
    dir: /etc/erezept/p12
    password: ${ERX_TEST_P12_PASSWORD}
auth:
  staticTokens:
    prescriber: $ERX_TEST_TOKEN
`))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Identity.PKCS12.Password)
	assert.Equal(t, "static-token", cfg.Auth.StaticTokens["prescriber"])
}

func TestParse_MockSigningEnv(t *testing.T) {
	t.Setenv(MockSigningEnv, "true")
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.True(t, cfg.Signing.Mock)

	t.Setenv(MockSigningEnv, "0")
	cfg, err = Parse([]byte(minimal + "signing:\n  mock: true\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Signing.Mock, "environment overrides the file")

	t.Setenv(MockSigningEnv, "maybe")
	_, err = Parse([]byte(minimal))
	assert.Error(t, err)
}

func TestParse_Validation(t *testing.T) {
	t.Setenv(MockSigningEnv, "")

	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing backend", yaml: "identity:\n  file:\n    keyDir: /k\n"},
		{name: "non-http backend", yaml: "backend:\n  baseURL: ftp://x\nidentity:\n  file:\n    keyDir: /k\n"},
		{name: "file without keyDir", yaml: "backend:\n  baseURL: https://x\n"},
		{name: "pkcs12 without dir", yaml: "backend:\n  baseURL: https://x\nidentity:\n  mode: pkcs12\n"},
		{name: "pkcs11 without module", yaml: "backend:\n  baseURL: https://x\nidentity:\n  mode: pkcs11\n"},
		{name: "revocation without issuers", yaml: "backend:\n  baseURL: https://x\nidentity:\n  file:\n    keyDir: /k\n  revocation:\n    enabled: true\n"},
		{name: "unknown identity mode", yaml: "backend:\n  baseURL: https://x\nidentity:\n  mode: card\n"},
		{name: "idp without tokenURL", yaml: minimal + "auth:\n  mode: idp\n  clientID: c\n"},
		{name: "idp without clientID", yaml: minimal + "auth:\n  mode: idp\n  tokenURL: https://idp\n"},
		{name: "unknown auth mode", yaml: minimal + "auth:\n  mode: basic\n"},
		{name: "tls without files", yaml: minimal + "server:\n  tls:\n    enabled: true\n"},
		{name: "unknown log format", yaml: minimal + "log:\n  format: xml\n"},
		{name: "malformed yaml", yaml: "backend: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(MockSigningEnv, "")

	path := filepath.Join(t.TempDir(), "erezept.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+"server:\n  port: 9090\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
