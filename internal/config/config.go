// Package config handles configuration loading for the prescription facade.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows secrets like
// PINs, key store passwords and static tokens to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP facade settings (port, TLS, base path, API key)
//   - backend: prescription backend endpoint, TLS trust and nameserver
//   - identity: key material store (file, pkcs12, or pkcs11)
//   - auth: access token issuance (static or idp)
//   - signing: mock signing toggle for test environments
//   - log: level, format and output of the service log
//
// # Example Configuration
//
//	server:
//	  port: 8080
//	  basePath: /erezept
//
//	backend:
//	  baseURL: https://erp-ref.zentral.erp.splitdns.ti-dienste.de
//	  dnsServer: 10.0.0.53:53
//	  tls:
//	    caFile: /etc/erezept/ti-ca.pem
//
//	identity:
//	  mode: pkcs12
//	  pkcs12:
//	    dir: /etc/erezept/identities
//	    password: ${ERX_P12_PASSWORD}
//
//	auth:
//	  mode: idp
//	  tokenURL: https://idp-ref.zentral.idp.splitdns.ti-dienste.de/token
//	  clientID: erezept-test
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MockSigningEnv overrides signing.mock when set to a boolean value
const MockSigningEnv = "ERX_MOCK_SIGNING"

// DefaultMockPatientID is the synthetic insurant ID used by mock signing
const DefaultMockPatientID = "X234567890"

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Identity IdentityConfig `yaml:"identity"`
	Auth     AuthConfig     `yaml:"auth"`
	Signing  SigningConfig  `yaml:"signing"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"basePath"`
	APIKey   string `yaml:"apiKey"` // required in X-API-Key when set
	TLS      struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// BackendConfig holds the prescription backend settings
type BackendConfig struct {
	BaseURL   string        `yaml:"baseURL"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"userAgent"`
	// Nameserver for backend host resolution, "ip:port"
	DNSServer string `yaml:"dnsServer"`
	TLS       struct {
		InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
		CAFile             string `yaml:"caFile"`
	} `yaml:"tls"`
}

// IdentityConfig holds key material settings
type IdentityConfig struct {
	// Mode determines where actor identities are loaded from
	// - "file": PEM key and certificate per role (development only)
	// - "pkcs12": one PKCS#12 store per role
	// - "pkcs11": keys and certificates in a PKCS#11 token (HSM/smart card)
	Mode string `yaml:"mode"`

	File   FileKeyConfig `yaml:"file"`
	PKCS12 PKCS12Config  `yaml:"pkcs12"`
	PKCS11 PKCS11Config  `yaml:"pkcs11"`

	Revocation RevocationConfig `yaml:"revocation"`
}

// RevocationConfig holds OCSP settings for actor certificates
type RevocationConfig struct {
	Enabled bool `yaml:"enabled"`
	// PEM bundle with the CA certificates that issue actor certificates
	IssuersFile string        `yaml:"issuersFile"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	CRLFallback bool          `yaml:"crlFallback"`
	// Strict rejects identities whose status cannot be determined
	Strict bool `yaml:"strict"`
}

// FileKeyConfig holds file-based key settings (development only)
type FileKeyConfig struct {
	// Directory containing {role}.key and {role}.crt
	KeyDir string `yaml:"keyDir"`
}

// PKCS12Config holds PKCS#12 store settings
type PKCS12Config struct {
	// Directory containing {role}.p12
	Dir      string `yaml:"dir"`
	Password string `yaml:"password"`
}

// PKCS11Config holds PKCS#11 HSM settings
type PKCS11Config struct {
	// Path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string `yaml:"modulePath"`
	// Slot ID or label to use
	SlotID    uint   `yaml:"slotId"`
	SlotLabel string `yaml:"slotLabel"`
	// PIN for authentication (can be env var reference like ${HSM_PIN})
	PIN string `yaml:"pin"`
	// Key labels for actor keys (pattern: erx-{role})
	KeyLabelPattern string `yaml:"keyLabelPattern"`
}

// AuthConfig holds access token settings
type AuthConfig struct {
	// Mode is "static" (pre-issued tokens) or "idp" (negotiated tokens)
	Mode         string            `yaml:"mode"`
	TokenURL     string            `yaml:"tokenURL"`
	ClientID     string            `yaml:"clientID"`
	Audience     string            `yaml:"audience"`
	TokenTTL     time.Duration     `yaml:"tokenTTL"`
	StaticTokens map[string]string `yaml:"staticTokens"` // by role
}

// SigningConfig holds prescription signing settings
type SigningConfig struct {
	// Mock replaces caller-supplied signed documents with locally signed ones
	Mock      bool   `yaml:"mock"`
	PatientID string `yaml:"patientId"`
}

// LogConfig holds service log settings
type LogConfig struct {
	Level    string         `yaml:"level"`  // debug, info, warn, error
	Format   string         `yaml:"format"` // text, json
	Output   string         `yaml:"output"` // stdout, stderr or a file path
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig holds log file rotation settings
type RotationConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxSizeMB  int  `yaml:"maxSizeMB"`
	MaxBackups int  `yaml:"maxBackups"`
	MaxAgeDays int  `yaml:"maxAgeDays"`
	Compress   bool `yaml:"compress"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	v, ok := os.LookupEnv(MockSigningEnv)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	mock, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", MockSigningEnv, err)
	}
	c.Signing.Mock = mock
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/erezept"
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = "file" // Default to file for development
	}
	if c.Identity.PKCS11.KeyLabelPattern == "" {
		c.Identity.PKCS11.KeyLabelPattern = "erx-{role}"
	}
	if c.Identity.Revocation.Timeout == 0 {
		c.Identity.Revocation.Timeout = 10 * time.Second
	}
	if c.Identity.Revocation.CacheTTL == 0 {
		c.Identity.Revocation.CacheTTL = time.Hour
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "static"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 5 * time.Minute
	}
	if c.Signing.PatientID == "" {
		c.Signing.PatientID = DefaultMockPatientID
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	if c.Log.Rotation.MaxSizeMB == 0 {
		c.Log.Rotation.MaxSizeMB = 100
	}
}

func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.baseURL is required")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend.baseURL must be an http(s) URL, got '%s'", c.Backend.BaseURL)
	}

	switch c.Identity.Mode {
	case "file":
		if c.Identity.File.KeyDir == "" {
			return fmt.Errorf("identity.file.keyDir is required when mode is 'file'")
		}
	case "pkcs12":
		if c.Identity.PKCS12.Dir == "" {
			return fmt.Errorf("identity.pkcs12.dir is required when mode is 'pkcs12'")
		}
	case "pkcs11":
		if c.Identity.PKCS11.ModulePath == "" {
			return fmt.Errorf("identity.pkcs11.modulePath is required when mode is 'pkcs11'")
		}
	default:
		return fmt.Errorf("identity.mode must be 'file', 'pkcs12', or 'pkcs11', got '%s'", c.Identity.Mode)
	}

	if c.Identity.Revocation.Enabled && c.Identity.Revocation.IssuersFile == "" {
		return fmt.Errorf("identity.revocation.issuersFile is required when revocation is enabled")
	}

	switch c.Auth.Mode {
	case "static":
	case "idp":
		if c.Auth.TokenURL == "" {
			return fmt.Errorf("auth.tokenURL is required when mode is 'idp'")
		}
		if c.Auth.ClientID == "" {
			return fmt.Errorf("auth.clientID is required when mode is 'idp'")
		}
	default:
		return fmt.Errorf("auth.mode must be 'static' or 'idp', got '%s'", c.Auth.Mode)
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got '%s'", c.Log.Format)
	}

	return nil
}
