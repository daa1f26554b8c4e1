package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirosfoundation/go-erezept/pkg/transport"
)

// Common errors, matched by *APIError
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPrecondition    = errors.New("phase precondition failed")
	ErrUnauthorized    = errors.New("unauthorized")
)

// APIError is a non-success answer of the facade
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("facade answered %d", e.StatusCode)
	}
	return fmt.Sprintf("facade answered %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes to the package errors
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrSessionNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrPrecondition:
		return e.StatusCode == http.StatusPreconditionFailed
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// CreateResult is the outcome of the create phase
type CreateResult struct {
	StatusCode     int    `json:"statusCode"`
	Present        bool   `json:"present"`
	TaskID         string `json:"taskId"`
	PrescriptionID string `json:"prescriptionId"`
	AccessCode     string `json:"accessCode"`
	Status         string `json:"status"`
}

// ActivateResult is the outcome of the activate phase
type ActivateResult struct {
	StatusCode int    `json:"statusCode"`
	Present    bool   `json:"present"`
	Status     string `json:"status"`
}

// AcceptResult is the outcome of the accept phase
type AcceptResult struct {
	StatusCode         int    `json:"statusCode"`
	Present            bool   `json:"present"`
	Status             string `json:"status"`
	Secret             string `json:"secret,omitempty"`
	SignedPrescription []byte `json:"signedPrescription,omitempty"`
}

// CloseResult is the outcome of the close phase
type CloseResult struct {
	StatusCode int    `json:"statusCode"`
	Present    bool   `json:"present"`
	Signature  []byte `json:"signature,omitempty"`
}

// Medication identifies the dispensed medication
type Medication struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Snapshot is the facade's view of a session
type Snapshot struct {
	ID             string   `json:"sessionId"`
	State          string   `json:"state"`
	LastPhase      string   `json:"lastPhase,omitempty"`
	TaskID         string   `json:"taskId,omitempty"`
	PrescriptionID string   `json:"prescriptionId,omitempty"`
	Status         string   `json:"status,omitempty"`
	Actors         []string `json:"actors"`
}

// Client calls the lifecycle facade
type Client struct {
	http    *transport.HTTPSClient
	baseURL string
	apiKey  string
}

// ClientConfig holds client configuration
type ClientConfig struct {
	// BaseURL is the facade URL including its base path
	BaseURL     string
	APIKey      string
	HTTPSConfig *transport.HTTPSConfig
}

// NewClient creates a new facade client
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &Client{
		http:    transport.NewHTTPSClient(config.HTTPSConfig),
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
	}, nil
}

// NewSession opens a session and returns its ID
func (c *Client) NewSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if _, err := c.call(ctx, http.MethodPost, "/sessions", nil, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// Snapshot returns the state of a session
func (c *Client) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	var out Snapshot
	if _, err := c.call(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Discard removes a session
func (c *Client) Discard(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
	return err
}

// Create runs the create phase. accessToken may be empty.
func (c *Client) Create(ctx context.Context, sessionID, accessToken string) (*CreateResult, error) {
	var out CreateResult
	body := map[string]string{"accessToken": accessToken}
	if _, err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "create"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Activate runs the activate phase with the signed prescription
func (c *Client) Activate(ctx context.Context, sessionID string, signed []byte) (*ActivateResult, error) {
	var out ActivateResult
	body := map[string][]byte{"signedBundle": signed}
	if _, err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "activate"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Accept runs the accept phase. ok is false if the facade refused to accept.
func (c *Client) Accept(ctx context.Context, sessionID, accessToken string) (result *AcceptResult, ok bool, err error) {
	var out AcceptResult
	body := map[string]string{"accessToken": accessToken}
	status, err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "accept"), body, &out)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNoContent {
		return nil, false, nil
	}
	return &out, true, nil
}

// Close runs the close phase
func (c *Client) Close(ctx context.Context, sessionID string, med Medication) (*CloseResult, error) {
	var out CloseResult
	if _, err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "close"), med, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(sessionID, phase string) string {
	p := "/sessions/" + url.PathEscape(sessionID)
	if phase != "" {
		p += "/" + phase
	}
	return p
}

// call sends a JSON request and decodes a JSON answer into out. It returns
// the status code of successful answers.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	header := http.Header{"Accept": {"application/json"}}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, &transport.Request{
		Method: method,
		URL:    c.baseURL + path,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body, &e)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s answer: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
