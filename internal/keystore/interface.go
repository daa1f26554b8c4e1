// Package keystore resolves the cryptographic identities of prescription actors.
//
// An identity is a certificate plus a signer for its private key, looked up
// by actor role. The following backends are available:
//
//   - File-based: PEM key and certificate per role (development only)
//   - PKCS#12: one password-protected store per role
//   - PKCS#11: keys stored in hardware security modules (HSM) or smart cards
//
// Callers use identities without knowing the underlying key storage mechanism.
package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-erezept/pkg/security"
)

// Role is the role an actor plays in the prescription lifecycle
type Role string

const (
	RolePrescriber Role = "prescriber"
	RoleDispenser  Role = "dispenser"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RolePrescriber || r == RoleDispenser
}

// Common errors
var (
	ErrKeyNotFound  = errors.New("identity key not found")
	ErrUnknownRole  = errors.New("unknown actor role")
	ErrKeyMismatch  = errors.New("private key does not match certificate")
	ErrProviderDone = errors.New("identity provider is closed")

	// ErrCertificateExpired is returned when an identity's certificate has expired
	ErrCertificateExpired = security.ErrCertificateExpired
)

// Identity is the certificate and signing key of one actor
type Identity struct {
	Role        Role
	Certificate *x509.Certificate
	Signer      crypto.Signer
}

// JWSAlgorithm returns the JWS algorithm name matching the identity's key
func (i *Identity) JWSAlgorithm() string {
	if _, ok := i.Signer.Public().(*ecdsa.PublicKey); ok {
		return "ES256"
	}
	return "RS256"
}

// IdentityProvider resolves identities by role.
//
// Implementations must be safe for concurrent use.
type IdentityProvider interface {
	// Identity returns the identity for role. Identities whose certificate
	// is outside its validity window are rejected.
	Identity(ctx context.Context, role Role) (*Identity, error)

	// Close releases any resources held by the provider.
	Close() error
}

// checkKeyPair verifies that the signer's public key is the certificate's key
func checkKeyPair(signer crypto.Signer, cert *x509.Certificate) error {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := signer.Public().(equaler)
	if !ok {
		return fmt.Errorf("%w: unsupported key type %T", ErrKeyMismatch, signer.Public())
	}
	if !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	default:
		return "Unknown"
	}
}
