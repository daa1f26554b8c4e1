package keystore

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pkcs12"
)

// PKCS12Provider implements IdentityProvider using one PKCS#12 store per role
//
// Stores are expected at: {dir}/{role}.p12
// All stores share one password.
type PKCS12Provider struct {
	dir      string
	password string
	cache    *identityCache
}

// NewPKCS12Provider creates a new PKCS#12 identity provider
func NewPKCS12Provider(dir, password string, logger *slog.Logger, opts ...Option) (*PKCS12Provider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("checking store directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store directory is not a directory: %s", dir)
	}

	return &PKCS12Provider{
		dir:      dir,
		password: password,
		cache:    newIdentityCache(logger, opts...),
	}, nil
}

// Identity returns the identity for the role
func (p *PKCS12Provider) Identity(ctx context.Context, role Role) (*Identity, error) {
	return p.cache.get(ctx, role, p.load)
}

// Close releases resources
func (p *PKCS12Provider) Close() error {
	p.cache.close()
	return nil
}

func (p *PKCS12Provider) load(_ context.Context, role Role) (*Identity, error) {
	path := filepath.Join(p.dir, string(role)+".p12")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("reading PKCS#12 store: %w", err)
	}

	key, cert, err := pkcs12.Decode(data, p.password)
	if err != nil {
		return nil, fmt.Errorf("decoding PKCS#12 store %s: %w", path, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key in %s is not a signer", path)
	}

	return &Identity{Role: role, Certificate: cert, Signer: signer}, nil
}
