// Package taskservice is the client of the backend task service that tracks
// prescriptions through create, activate, accept and close.
//
// Every operation returns the HTTP status code together with the resource the
// backend answered with, if any. An empty body or an OperationOutcome is an
// absent resource, not an error; only transport failures and bodies that
// cannot be parsed are errors.
package taskservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-erezept/pkg/fhir"
	"github.com/sirosfoundation/go-erezept/pkg/transport"
)

// Common errors
var (
	ErrUnexpectedResource = errors.New("unexpected resource in response")
	ErrInvalidTask        = errors.New("task lacks required identifiers")
	ErrNoBaseURL          = errors.New("backend base URL is required")
)

// Doer sends a backend request. *transport.HTTPSClient implements it.
type Doer interface {
	Do(ctx context.Context, r *transport.Request) (*transport.Response, error)
}

// Response is the outcome of one backend operation
type Response[T fhir.Resource] struct {
	StatusCode int

	// Resource is only meaningful when Present is true
	Resource T
	Present  bool

	// Outcome is set when the backend answered with an OperationOutcome
	Outcome *fhir.OperationOutcome
}

// Client calls the backend task service
type Client struct {
	baseURL string
	http    Doer
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for dispense timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a task service client for the backend at baseURL
func New(baseURL string, doer Doer, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if doer == nil {
		doer = transport.NewHTTPSClient(nil)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    doer,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create asks the backend for a new Task of the standard workflow type
func (c *Client) Create(ctx context.Context, token string) (*Response[*fhir.Task], error) {
	body, err := fhir.Marshal(fhir.NewCreateParameters(fhir.FlowTypeStandard))
	if err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, "create", token, c.baseURL+"/Task/$create", nil, body)
	if err != nil {
		return nil, err
	}
	return decode[*fhir.Task](c, "create", resp)
}

// Activate hands the signed prescription to the backend, authorized by the
// task's access code
func (c *Client) Activate(ctx context.Context, token string, task *fhir.Task, signed []byte) (*Response[*fhir.Task], error) {
	if task.TaskID() == "" || task.AccessCode() == "" {
		return nil, fmt.Errorf("%w: activate needs id and access code", ErrInvalidTask)
	}

	body, err := fhir.Marshal(fhir.NewActivateParameters(signed))
	if err != nil {
		return nil, err
	}

	header := http.Header{"X-AccessCode": {task.AccessCode()}}
	resp, err := c.call(ctx, "activate", token, c.taskURL(task, "$activate", nil), header, body)
	if err != nil {
		return nil, err
	}
	return decode[*fhir.Task](c, "activate", resp)
}

// Accept claims the task for a dispenser. The answer bundle carries the
// task with its secret and the signed prescription.
func (c *Client) Accept(ctx context.Context, token string, task *fhir.Task) (*Response[*fhir.Bundle], error) {
	if task.TaskID() == "" || task.AccessCode() == "" {
		return nil, fmt.Errorf("%w: accept needs id and access code", ErrInvalidTask)
	}

	query := url.Values{"ac": {task.AccessCode()}}
	resp, err := c.call(ctx, "accept", token, c.taskURL(task, "$accept", query), nil, nil)
	if err != nil {
		return nil, err
	}
	return decode[*fhir.Bundle](c, "accept", resp)
}

// Close records the dispense of med for an accepted task. The answer is a
// receipt bundle signed by the backend.
func (c *Client) Close(ctx context.Context, token string, accepted *fhir.Bundle, med *fhir.Medication) (*Response[*fhir.Bundle], error) {
	task := accepted.Task()
	if task == nil {
		return nil, fmt.Errorf("%w: accept bundle has no task", ErrInvalidTask)
	}
	if task.TaskID() == "" || task.Secret() == "" {
		return nil, fmt.Errorf("%w: close needs id and secret", ErrInvalidTask)
	}

	body, err := fhir.Marshal(fhir.NewMedicationDispense(task.PrescriptionID(), med, c.now()))
	if err != nil {
		return nil, err
	}

	query := url.Values{"secret": {task.Secret()}}
	resp, err := c.call(ctx, "close", token, c.taskURL(task, "$close", query), nil, body)
	if err != nil {
		return nil, err
	}
	return decode[*fhir.Bundle](c, "close", resp)
}

func (c *Client) taskURL(task *fhir.Task, operation string, query url.Values) string {
	u := c.baseURL + "/Task/" + url.PathEscape(task.TaskID()) + "/" + operation
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) call(ctx context.Context, op, token, target string, header http.Header, body []byte) (*transport.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	requestID := uuid.NewString()
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", fhir.ContentType)
	header.Set("X-Request-ID", requestID)
	if body != nil {
		header.Set("Content-Type", fhir.ContentType)
	}

	c.logger.Debug("calling task service", "operation", op, "url", target, "request_id", requestID)

	resp, err := c.http.Do(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    target,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c.logger.Debug("task service answered", "operation", op, "status", resp.StatusCode, "request_id", requestID)
	return resp, nil
}

// decode turns a backend answer into a Response. The generic parameter is the
// resource type the operation is expected to return.
func decode[T fhir.Resource](c *Client, op string, resp *transport.Response) (*Response[T], error) {
	out := &Response[T]{StatusCode: resp.StatusCode}

	res, err := fhir.Decode(resp.Body)
	if errors.Is(err, fhir.ErrEmptyDocument) {
		c.logger.Warn("task service returned no resource", "operation", op, "status", resp.StatusCode)
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: status %d: %w", op, resp.StatusCode, err)
	}

	if outcome, ok := res.(*fhir.OperationOutcome); ok {
		c.logger.Warn("task service returned operation outcome",
			"operation", op,
			"status", resp.StatusCode,
			"outcome", outcome.Error(),
		)
		out.Outcome = outcome
		return out, nil
	}

	typed, ok := res.(T)
	if !ok {
		return nil, fmt.Errorf("%w: %s answered with %s", ErrUnexpectedResource, op, res.ResourceType())
	}
	out.Resource = typed
	out.Present = true
	return out, nil
}
