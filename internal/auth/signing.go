package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// signerMethod is a jwt.SigningMethod over a crypto.Signer, so that keys
// held in an HSM can sign client assertions without leaving the token.
type signerMethod struct {
	alg    string
	verify jwt.SigningMethod
}

var (
	signerRS256 = &signerMethod{alg: "RS256", verify: jwt.SigningMethodRS256}
	signerES256 = &signerMethod{alg: "ES256", verify: jwt.SigningMethodES256}
)

// methodFor returns the signing method matching the signer's key type
func methodFor(signer crypto.Signer) (*signerMethod, error) {
	switch pub := signer.Public().(type) {
	case *rsa.PublicKey:
		return signerRS256, nil
	case *ecdsa.PublicKey:
		if pub.Curve.Params().BitSize != 256 {
			return nil, fmt.Errorf("%w: ECDSA curve %s", ErrUnsupportedKey, pub.Curve.Params().Name)
		}
		return signerES256, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

func (m *signerMethod) Alg() string {
	return m.alg
}

// Sign hashes signingString with SHA-256 and signs it with key, which must be
// a crypto.Signer. ECDSA signatures are converted to the fixed-size r||s form.
func (m *signerMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}

	digest := sha256.Sum256([]byte(signingString))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}
	if m.alg != "ES256" {
		return sig, nil
	}

	var parsed struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		return nil, fmt.Errorf("decoding ECDSA signature: %w", err)
	}
	out := make([]byte, 64)
	parsed.R.FillBytes(out[:32])
	parsed.S.FillBytes(out[32:])
	return out, nil
}

// Verify checks sig against the public key of key
func (m *signerMethod) Verify(signingString string, sig []byte, key interface{}) error {
	if signer, ok := key.(crypto.Signer); ok {
		key = signer.Public()
	}
	return m.verify.Verify(signingString, sig, key)
}
