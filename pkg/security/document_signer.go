package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
)

// DocumentSigner produces enveloped XML signatures with a crypto.Signer.
// The signer's certificate is embedded in KeyInfo so that the recipient can
// validate the document without out-of-band key material.
type DocumentSigner struct {
	key           crypto.Signer
	cert          *x509.Certificate
	certValidator CertificateValidator
}

// NewDocumentSigner creates a signer for RSA or ECDSA keys
func NewDocumentSigner(key crypto.Signer, cert *x509.Certificate) (*DocumentSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cert == nil {
		return nil, ErrMissingCertificate
	}

	switch key.Public().(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key.Public())
	}

	return &DocumentSigner{key: key, cert: cert}, nil
}

// WithCertificateValidator checks the signing certificate before every signature
func (s *DocumentSigner) WithCertificateValidator(validator CertificateValidator) *DocumentSigner {
	s.certValidator = validator
	return s
}

// Certificate returns the signing certificate
func (s *DocumentSigner) Certificate() *x509.Certificate {
	return s.cert
}

// Sign adds an enveloped signature covering the whole document to the root
// element. The root receives an Id attribute if it has none.
func (s *DocumentSigner) Sign(ctx context.Context, document []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.certValidator != nil {
		if err := s.certValidator.ValidateCertificate(s.cert, nil, "signing"); err != nil {
			return nil, fmt.Errorf("signing certificate: %w", err)
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, ErrNoRootElement
	}

	rootID := root.SelectAttrValue(IDAttribute, "")
	if rootID == "" {
		rootID = "doc-" + generateID()
		root.CreateAttr(IDAttribute, rootID)
	}

	sig := root.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NSXMLDSig)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", s.signatureAlgorithmURI())

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+rootID)
	transforms := ref.CreateElement("ds:Transforms")
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", AlgorithmEnvelopedSignature)
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", AlgorithmC14N)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
	// signedxml computes the digest during Sign
	ref.CreateElement("ds:DigestValue").SetText("placeholder")

	sig.CreateElement("ds:SignatureValue").SetText("placeholder")

	x509Data := sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data")
	x509Data.CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))

	xmlStr, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("failed to write XML: %w", err)
	}

	signer, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	signer.SetReferenceIDAttribute(IDAttribute)

	signedXML, err := signer.Sign(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	return []byte(signedXML), nil
}

func (s *DocumentSigner) signatureAlgorithmURI() string {
	if _, ok := s.key.Public().(*ecdsa.PublicKey); ok {
		return AlgorithmECDSASHA256
	}
	return AlgorithmRSASHA256
}

// VerifyDocument validates the enveloped signature of a document against cert
func VerifyDocument(document []byte, cert *x509.Certificate) error {
	if cert == nil {
		return ErrMissingCertificate
	}

	validator, err := signedxml.NewValidator(string(document))
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}
	validator.Certificates = append(validator.Certificates, *cert)
	validator.SetReferenceIDAttribute(IDAttribute)

	if _, err := validator.ValidateReferences(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
