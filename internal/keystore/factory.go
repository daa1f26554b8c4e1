package keystore

import (
	"fmt"
	"log/slog"

	"github.com/sirosfoundation/go-erezept/internal/config"
	"github.com/sirosfoundation/go-erezept/pkg/security"
)

// NewProvider creates an IdentityProvider based on the configuration
func NewProvider(cfg *config.IdentityConfig, logger *slog.Logger) (IdentityProvider, error) {
	opts, err := providerOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case "pkcs11":
		return newPKCS11Provider(cfg, logger, opts)
	case "pkcs12":
		return NewPKCS12Provider(cfg.PKCS12.Dir, cfg.PKCS12.Password, logger, opts...)
	case "file":
		keyDir := cfg.File.KeyDir
		if keyDir == "" {
			keyDir = "./keys"
		}
		return NewFileProvider(keyDir, logger, opts...)
	default:
		return nil, fmt.Errorf("unknown identity mode: %s", cfg.Mode)
	}
}

func providerOptions(cfg *config.IdentityConfig, logger *slog.Logger) ([]Option, error) {
	rc := cfg.Revocation
	if !rc.Enabled {
		return nil, nil
	}

	issuers, err := loadCertificates(rc.IssuersFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate issuers: %w", err)
	}
	if logger != nil {
		logger.Info("revocation checking enabled", "issuers", len(issuers), "strict", rc.Strict)
	}

	checker := security.NewOCSPChecker(&security.RevocationConfig{
		Timeout:     rc.Timeout,
		CRLFallback: rc.CRLFallback,
		CacheTTL:    rc.CacheTTL,
		Strict:      rc.Strict,
	})
	return []Option{WithRevocation(checker, issuers)}, nil
}

func newPKCS11Provider(cfg *config.IdentityConfig, logger *slog.Logger, opts []Option) (IdentityProvider, error) {
	p11cfg := &PKCS11Config{
		ModulePath:      cfg.PKCS11.ModulePath,
		SlotLabel:       cfg.PKCS11.SlotLabel,
		PIN:             cfg.PKCS11.PIN,
		KeyLabelPattern: cfg.PKCS11.KeyLabelPattern,
		Logger:          logger,
		Options:         opts,
	}
	if cfg.PKCS11.SlotID > 0 {
		slotID := cfg.PKCS11.SlotID
		p11cfg.SlotID = &slotID
	}
	p, err := NewPKCS11Provider(p11cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
