// Package auth issues the bearer tokens that authorize backend calls.
//
// Two modes are supported. In static mode a pre-issued token is used, either
// the caller's hint or a token configured per actor role. In idp mode the
// issuer negotiates a token at an OAuth2 token endpoint with a client
// assertion signed by the actor's identity (RFC 7523), unless the hint is
// already a valid JWT.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sirosfoundation/go-erezept/internal/config"
	"github.com/sirosfoundation/go-erezept/internal/keystore"
	"github.com/sirosfoundation/go-erezept/pkg/transport"
)

// Sentinel errors for token issuance.
var (
	// ErrNoToken indicates no hint was given and no static token is configured for the role.
	ErrNoToken = errors.New("no access token available")

	// ErrTokenRequest indicates the token endpoint refused the client assertion.
	ErrTokenRequest = errors.New("token request failed")

	// ErrInvalidTokenResponse indicates the token endpoint answered without a usable token.
	ErrInvalidTokenResponse = errors.New("invalid token response")

	// ErrUnsupportedKey indicates the identity's key cannot sign a client assertion.
	ErrUnsupportedKey = errors.New("unsupported key for client assertion")

	// ErrNoIdentity indicates Issue was called without an identity.
	ErrNoIdentity = errors.New("no identity")
)

const (
	// ClientAssertionType is the RFC 7523 assertion type
	ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	assertionLifetime = 5 * time.Minute

	// tokens are refreshed this long before the endpoint says they expire
	expirySkew = 30 * time.Second
)

// Doer sends a backend request. *transport.HTTPSClient implements it.
type Doer interface {
	Do(ctx context.Context, r *transport.Request) (*transport.Response, error)
}

// Issuer produces access tokens for actor identities
type Issuer struct {
	config *config.AuthConfig
	client Doer
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[keystore.Role]cachedToken
}

type cachedToken struct {
	value   string
	expires time.Time
}

// tokenResponse is the token endpoint answer (RFC 6749 section 5)
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// NewIssuer creates a token issuer. client is only used in idp mode and
// defaults to a transport.HTTPSClient with default settings.
func NewIssuer(cfg *config.AuthConfig, client Doer, logger *slog.Logger) (*Issuer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mode {
	case "", "static":
	case "idp":
		if cfg.TokenURL == "" || cfg.ClientID == "" {
			return nil, errors.New("idp mode requires tokenURL and clientID")
		}
		if client == nil {
			client = transport.NewHTTPSClient(nil)
		}
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}

	return &Issuer{
		config: cfg,
		client: client,
		logger: logger,
		now:    time.Now,
		tokens: make(map[keystore.Role]cachedToken),
	}, nil
}

// Issue returns a bearer token for identity. hint is a token the caller
// already holds and may be empty.
func (i *Issuer) Issue(ctx context.Context, identity *keystore.Identity, hint string) (string, error) {
	if identity == nil {
		return "", ErrNoIdentity
	}
	hint = strings.TrimSpace(hint)

	if i.config.Mode != "idp" {
		return i.static(identity.Role, hint)
	}

	if hint != "" && i.usableJWT(hint) {
		i.logger.Debug("using pre-issued token", "role", identity.Role)
		return hint, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if cached, ok := i.tokens[identity.Role]; ok && i.now().Before(cached.expires) {
		return cached.value, nil
	}

	token, err := i.negotiate(ctx, identity)
	if err != nil {
		return "", err
	}
	i.tokens[identity.Role] = token
	i.logger.Info("negotiated access token",
		"role", identity.Role,
		"expires", token.expires.Format(time.RFC3339),
	)
	return token.value, nil
}

func (i *Issuer) static(role keystore.Role, hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}
	if token := i.config.StaticTokens[string(role)]; token != "" {
		return token, nil
	}
	return "", fmt.Errorf("%w for role %s", ErrNoToken, role)
}

// usableJWT reports whether token is a JWT that has not expired. The
// signature is not checked; the backend does that.
func (i *Issuer) usableJWT(token string) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return i.now().Before(claims.ExpiresAt.Time)
}

func (i *Issuer) negotiate(ctx context.Context, identity *keystore.Identity) (cachedToken, error) {
	assertion, err := i.clientAssertion(identity)
	if err != nil {
		return cachedToken{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", ClientAssertionType)
	form.Set("client_assertion", assertion)

	resp, err := i.client.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    i.config.TokenURL,
		Header: http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
			"Accept":       {"application/json"},
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		return cachedToken{}, fmt.Errorf("requesting token: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil && resp.StatusCode == http.StatusOK {
		return cachedToken{}, fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}
	if resp.StatusCode != http.StatusOK {
		if tr.Error != "" {
			return cachedToken{}, fmt.Errorf("%w: status %d: %s %s", ErrTokenRequest, resp.StatusCode, tr.Error, tr.ErrorDescription)
		}
		return cachedToken{}, fmt.Errorf("%w: status %d", ErrTokenRequest, resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return cachedToken{}, fmt.Errorf("%w: no access_token", ErrInvalidTokenResponse)
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = i.config.TokenTTL
	}
	if lifetime > expirySkew {
		lifetime -= expirySkew
	}

	return cachedToken{value: tr.AccessToken, expires: i.now().Add(lifetime)}, nil
}

// clientAssertion builds the signed JWT that authenticates the client
func (i *Issuer) clientAssertion(identity *keystore.Identity) (string, error) {
	method, err := methodFor(identity.Signer)
	if err != nil {
		return "", err
	}

	audience := i.config.Audience
	if audience == "" {
		audience = i.config.TokenURL
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    i.config.ClientID,
		Subject:   i.config.ClientID,
		Audience:  jwt.ClaimStrings{audience},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}

	token := jwt.NewWithClaims(method, claims)
	if identity.Certificate != nil {
		token.Header["x5c"] = []string{base64.StdEncoding.EncodeToString(identity.Certificate.Raw)}
	}

	signed, err := token.SignedString(identity.Signer)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}

// Forget drops the cached token of role
func (i *Issuer) Forget(role keystore.Role) {
	i.mu.Lock()
	delete(i.tokens, role)
	i.mu.Unlock()
}
