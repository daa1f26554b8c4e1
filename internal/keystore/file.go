package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileProvider implements IdentityProvider using PEM files on disk
//
// This is intended for development and testing only. In production,
// use PKCS#12 stores or PKCS#11 tokens.
//
// Key files are expected at: {keyDir}/{role}.key
// Certificate files at: {keyDir}/{role}.crt
type FileProvider struct {
	keyDir string
	cache  *identityCache
}

// NewFileProvider creates a new file-based identity provider
func NewFileProvider(keyDir string, logger *slog.Logger, opts ...Option) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}

	return &FileProvider{
		keyDir: keyDir,
		cache:  newIdentityCache(logger, opts...),
	}, nil
}

// Identity returns the identity for the role
func (p *FileProvider) Identity(ctx context.Context, role Role) (*Identity, error) {
	return p.cache.get(ctx, role, p.load)
}

// Close releases resources
func (p *FileProvider) Close() error {
	p.cache.close()
	return nil
}

func (p *FileProvider) load(_ context.Context, role Role) (*Identity, error) {
	keyPath := filepath.Join(p.keyDir, string(role)+".key")
	certPath := filepath.Join(p.keyDir, string(role)+".crt")

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyPath)
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	certs, err := loadCertificates(certPath)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	return &Identity{Role: role, Certificate: certs[0], Signer: key}, nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
