// Package security implements enveloped XML signatures over prescription documents
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// Algorithm URIs for XML signatures
const (
	AlgorithmRSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"

	AlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"

	AlgorithmC14N               = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmEnvelopedSignature = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// NSXMLDSig is the XML signature namespace
const NSXMLDSig = "http://www.w3.org/2000/09/xmldsig#"

// IDAttribute is the attribute a signature reference points at
const IDAttribute = "Id"

// Common errors
var (
	ErrNoRootElement      = errors.New("document has no root element")
	ErrUnsupportedKey     = errors.New("unsupported signing key type")
	ErrSignatureInvalid   = errors.New("signature validation failed")
	ErrMissingCertificate = errors.New("certificate is required")
)

// generateID generates a random ID for XML elements using hex encoding
// to avoid characters that are not valid in an XML ID
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
