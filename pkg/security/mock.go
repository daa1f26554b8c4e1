package security

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// MockSigningService signs prescription documents locally instead of
// delegating to a signing device. It is only meant for test environments.
type MockSigningService struct {
	signer *DocumentSigner
}

// NewMockSigningService signs with the given key and certificate
func NewMockSigningService(key crypto.Signer, cert *x509.Certificate) (*MockSigningService, error) {
	signer, err := NewDocumentSigner(key, cert)
	if err != nil {
		return nil, err
	}
	return &MockSigningService{signer: signer}, nil
}

// NewEphemeralMockSigningService signs with a freshly generated RSA key and
// a self-signed certificate for the given common name
func NewEphemeralMockSigningService(commonName string) (*MockSigningService, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating mock key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating mock certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing mock certificate: %w", err)
	}

	return NewMockSigningService(key, cert)
}

// Sign returns the document with an enveloped signature
func (m *MockSigningService) Sign(ctx context.Context, document []byte) ([]byte, error) {
	return m.signer.Sign(ctx, document)
}

// Certificate returns the certificate whose key produces the signatures
func (m *MockSigningService) Certificate() *x509.Certificate {
	return m.signer.Certificate()
}
