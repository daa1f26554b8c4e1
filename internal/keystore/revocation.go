package keystore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/sirosfoundation/go-erezept/pkg/security"
)

// ErrUnknownIssuer is returned when revocation checking is enabled and no
// configured issuer signed an identity's certificate
var ErrUnknownIssuer = errors.New("certificate issuer not configured")

// Option configures an identity provider
type Option func(*identityCache)

// WithRevocation checks every loaded certificate against its issuer's
// revocation status. The issuer is looked up among issuers.
func WithRevocation(checker security.RevocationChecker, issuers []*x509.Certificate) Option {
	return func(c *identityCache) {
		c.revocation = &revocationCheck{checker: checker, issuers: issuers}
	}
}

type revocationCheck struct {
	checker security.RevocationChecker
	issuers []*x509.Certificate
}

func (r *revocationCheck) check(ctx context.Context, cert *x509.Certificate) error {
	for _, issuer := range r.issuers {
		if cert.CheckSignatureFrom(issuer) == nil {
			return r.checker.CheckRevocation(ctx, cert, issuer)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownIssuer, cert.Issuer)
}

// loadCertificates reads every certificate in a PEM file
func loadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w", err)
	}

	var certs []*x509.Certificate
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate in %s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return certs, nil
}
