// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements enveloped XML signatures for prescription
documents.

In production the prescription document is signed by the prescriber's
signing device. In test environments the coordinator can substitute a
locally produced signature, which is what this package provides.

# Signing

A [DocumentSigner] works with any RSA or ECDSA crypto.Signer, so keys held
in files, PKCS#12 stores and HSMs can all be used:

	signer, err := security.NewDocumentSigner(identity.Signer, identity.Certificate)
	signed, err := signer.Sign(ctx, document)

Signature features:
  - SHA-256 digest, RSA-SHA256 or ECDSA-SHA256 signature
  - Exclusive XML Canonicalization with the enveloped-signature transform
  - A single reference to the root element's Id attribute
  - X509Certificate in KeyInfo

# Mock Signing Service

[MockSigningService] adapts a DocumentSigner to the coordinator's signing
collaborator. [NewEphemeralMockSigningService] generates a throwaway key and
self-signed certificate when no identity is configured.

# Verification

	err := security.VerifyDocument(signed, cert)

# Certificates

[CheckValidity] and [DefaultCertificateValidator] reject certificates outside
their validity window and, when a root pool is given, certificates that do
not chain to a trusted root.

An [OCSPChecker] asks the responder named in a certificate for its
revocation status, optionally falling back to the CRL distribution points.
Answers are cached:

	checker := security.NewOCSPChecker(security.DefaultRevocationConfig())
	err := checker.CheckRevocation(ctx, cert, issuer)

# References

  - XML Signature: https://www.w3.org/TR/xmldsig-core1/
  - Exclusive XML Canonicalization: https://www.w3.org/TR/xml-exc-c14n/
  - OCSP: https://www.rfc-editor.org/rfc/rfc6960
*/
package security
