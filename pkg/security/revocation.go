package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// ErrRevocationUnknown is returned in strict mode when neither OCSP nor the
// CRL distribution points gave an answer
var ErrRevocationUnknown = errors.New("revocation status unknown")

// RevocationChecker reports whether a certificate was revoked by its issuer.
// A nil error means the certificate is not known to be revoked.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error
}

// RevocationConfig configures OCSP checking
type RevocationConfig struct {
	// HTTPClient for responder and CRL requests (optional)
	HTTPClient *http.Client
	Timeout    time.Duration
	// CRLFallback consults the CRL distribution points when OCSP fails
	CRLFallback bool
	// CacheTTL bounds how long answers are reused
	CacheTTL time.Duration
	// Strict fails when the status cannot be determined
	Strict bool
}

// DefaultRevocationConfig returns the default revocation settings
func DefaultRevocationConfig() *RevocationConfig {
	return &RevocationConfig{
		Timeout:     10 * time.Second,
		CRLFallback: true,
		CacheTTL:    time.Hour,
	}
}

// OCSPChecker implements RevocationChecker using OCSP with optional CRL fallback
type OCSPChecker struct {
	config *RevocationConfig
	client *http.Client
	ocsp   *ttlCache[error]
	crls   *ttlCache[*x509.RevocationList]
}

// NewOCSPChecker creates a revocation checker. A nil config selects the defaults.
func NewOCSPChecker(config *RevocationConfig) *OCSPChecker {
	if config == nil {
		config = DefaultRevocationConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &OCSPChecker{
		config: config,
		client: client,
		ocsp:   newTTLCache[error](config.CacheTTL),
		crls:   newTTLCache[*x509.RevocationList](config.CacheTTL),
	}
}

// CheckRevocation checks the revocation status of cert
func (c *OCSPChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error {
	if cert == nil || issuer == nil {
		return fmt.Errorf("%w: certificate and issuer are required", ErrInvalidCertificate)
	}

	ocspErr := c.checkOCSP(ctx, cert, issuer)
	if ocspErr == nil || errors.Is(ocspErr, ErrCertificateRevoked) {
		return ocspErr
	}

	if c.config.CRLFallback {
		crlErr := c.checkCRL(ctx, cert, issuer)
		if crlErr == nil || errors.Is(crlErr, ErrCertificateRevoked) {
			return crlErr
		}
		if c.config.Strict {
			return fmt.Errorf("%w: OCSP: %v, CRL: %v", ErrRevocationUnknown, ocspErr, crlErr)
		}
		return nil
	}

	if c.config.Strict {
		return fmt.Errorf("%w: %v", ErrRevocationUnknown, ocspErr)
	}
	return nil
}

func (c *OCSPChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) error {
	key := issuer.SerialNumber.String() + "/" + cert.SerialNumber.String()
	if cached, ok := c.ocsp.get(key); ok {
		return cached
	}

	if len(cert.OCSPServer) == 0 {
		return fmt.Errorf("no OCSP responder in certificate")
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return fmt.Errorf("creating OCSP request: %w", err)
	}

	raw, err := c.queryResponder(ctx, cert.OCSPServer[0], req)
	if err != nil {
		return fmt.Errorf("OCSP request failed: %w", err)
	}

	resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return fmt.Errorf("parsing OCSP response: %w", err)
	}

	var result error
	switch resp.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		result = fmt.Errorf("%w: serial %s revoked at %s", ErrCertificateRevoked,
			cert.SerialNumber, resp.RevokedAt.Format(time.RFC3339))
	default:
		// unknown answers are not cached
		return fmt.Errorf("OCSP status unknown")
	}

	c.ocsp.set(key, result)
	return result
}

// queryResponder posts the request and falls back to GET
func (c *OCSPChecker) queryResponder(ctx context.Context, responder string, req []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	if body, err := c.fetch(httpReq); err == nil {
		return body, nil
	}

	getURL := responder + "/" + url.PathEscape(base64.StdEncoding.EncodeToString(req))
	httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/ocsp-response")
	return c.fetch(httpReq)
}

func (c *OCSPChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) error {
	if len(cert.CRLDistributionPoints) == 0 {
		return fmt.Errorf("no CRL distribution points in certificate")
	}

	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, err := c.fetchCRL(ctx, dp, issuer)
		if err != nil {
			lastErr = err
			continue
		}
		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return fmt.Errorf("%w: serial %s listed in %s", ErrCertificateRevoked, cert.SerialNumber, dp)
			}
		}
		return nil
	}
	return fmt.Errorf("checking CRL: %w", lastErr)
}

func (c *OCSPChecker) fetchCRL(ctx context.Context, dp string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	if cached, ok := c.crls.get(dp); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dp, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.fetch(req)
	if err != nil {
		return nil, err
	}

	crl, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("CRL %s: %w", dp, err)
	}

	c.crls.set(dp, crl)
	return crl, nil
}

func (c *OCSPChecker) fetch(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ttlCache is a concurrency-safe map whose entries expire after ttl
type ttlCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value  V
	stored time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]ttlEntry[V]),
	}
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.stored) > c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[V]) set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: v, stored: c.now()}
}
