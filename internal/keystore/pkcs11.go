//go:build pkcs11

package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThalesGroup/crypto11"
)

// PKCS11Provider implements IdentityProvider using a PKCS#11 token (HSM/smart card)
type PKCS11Provider struct {
	ctx             *crypto11.Context
	keyLabelPattern string
	cache           *identityCache
}

// PKCS11Config holds configuration for the PKCS#11 provider
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string

	// SlotID is the slot number to use (optional if SlotLabel is provided)
	SlotID *uint

	// SlotLabel is the token label to search for (optional if SlotID is provided)
	SlotLabel string

	// PIN is the user PIN for authentication
	PIN string

	// KeyLabelPattern is the pattern for key and certificate labels.
	// Use {role} as placeholder, e.g., "erx-{role}"
	KeyLabelPattern string

	Logger  *slog.Logger
	Options []Option
}

// NewPKCS11Provider creates a new PKCS#11 identity provider
func NewPKCS11Provider(cfg *PKCS11Config) (*PKCS11Provider, error) {
	config := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}

	if cfg.SlotID != nil {
		slotID := int(*cfg.SlotID)
		config.SlotNumber = &slotID
	}
	if cfg.SlotLabel != "" {
		config.TokenLabel = cfg.SlotLabel
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	pattern := cfg.KeyLabelPattern
	if pattern == "" {
		pattern = "erx-{role}"
	}

	return &PKCS11Provider{
		ctx:             ctx,
		keyLabelPattern: pattern,
		cache:           newIdentityCache(cfg.Logger, cfg.Options...),
	}, nil
}

// Identity returns the identity for the role
func (p *PKCS11Provider) Identity(ctx context.Context, role Role) (*Identity, error) {
	return p.cache.get(ctx, role, p.load)
}

// Close releases PKCS#11 resources
func (p *PKCS11Provider) Close() error {
	p.cache.close()
	return p.ctx.Close()
}

func (p *PKCS11Provider) keyLabel(role Role) string {
	return strings.ReplaceAll(p.keyLabelPattern, "{role}", string(role))
}

func (p *PKCS11Provider) load(_ context.Context, role Role) (*Identity, error) {
	label := p.keyLabel(role)

	key, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("finding key pair: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}

	cert, err := p.ctx.FindCertificate(nil, []byte(label), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: no certificate labelled %s", ErrKeyNotFound, label)
	}

	return &Identity{Role: role, Certificate: cert, Signer: key}, nil
}
