package coordinator

import (
	"errors"
	"fmt"
)

// Phase names one step of the prescription lifecycle
type Phase string

const (
	PhaseCreate   Phase = "create"
	PhaseActivate Phase = "activate"
	PhaseAccept   Phase = "accept"
	PhaseClose    Phase = "close"
)

// Common errors
var (
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoTask means no Create has produced a Task in the session
	ErrNoTask = errors.New("no task in session")

	// ErrNoAcceptBundle means no Accept has produced an accept bundle in the session
	ErrNoAcceptBundle = errors.New("no accept bundle in session")

	ErrNoSignedDocument = errors.New("signed prescription document is empty")
	ErrMalformedBundle  = errors.New("accept bundle carries no task")
)

// PreconditionError is returned when a phase runs before the phase that
// produces its input. It unwraps to ErrNoTask or ErrNoAcceptBundle.
type PreconditionError struct {
	Phase   Phase
	Missing error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition failed: %v", e.Phase, e.Missing)
}

func (e *PreconditionError) Unwrap() error {
	return e.Missing
}

// PhaseResult is the contract shared by the results of all phases.
// A result without a resource still carries the backend status code.
type PhaseResult interface {
	Phase() Phase
	Code() int
	HasResource() bool
}

// CreateResult is the outcome of Create
type CreateResult struct {
	StatusCode     int    `json:"statusCode"`
	Present        bool   `json:"present"`
	TaskID         string `json:"taskId"`
	PrescriptionID string `json:"prescriptionId"`
	AccessCode     string `json:"accessCode"`
	Status         string `json:"status"`
}

func (r CreateResult) Phase() Phase      { return PhaseCreate }
func (r CreateResult) Code() int         { return r.StatusCode }
func (r CreateResult) HasResource() bool { return r.Present }

// ActivateResult is the outcome of Activate
type ActivateResult struct {
	StatusCode int    `json:"statusCode"`
	Present    bool   `json:"present"`
	Status     string `json:"status"`
}

func (r ActivateResult) Phase() Phase      { return PhaseActivate }
func (r ActivateResult) Code() int         { return r.StatusCode }
func (r ActivateResult) HasResource() bool { return r.Present }

// AcceptResult is the outcome of an Accept that reached the backend
type AcceptResult struct {
	StatusCode         int    `json:"statusCode"`
	Present            bool   `json:"present"`
	Status             string `json:"status"`
	Secret             string `json:"secret,omitempty"`
	SignedPrescription []byte `json:"signedPrescription,omitempty"`
}

func (r AcceptResult) Phase() Phase      { return PhaseAccept }
func (r AcceptResult) Code() int         { return r.StatusCode }
func (r AcceptResult) HasResource() bool { return r.Present }

// CloseResult is the outcome of Close. Signature is nil when the backend
// returned no receipt or the receipt is unsigned.
type CloseResult struct {
	StatusCode int    `json:"statusCode"`
	Present    bool   `json:"present"`
	Signature  []byte `json:"signature,omitempty"`
}

func (r CloseResult) Phase() Phase      { return PhaseClose }
func (r CloseResult) Code() int         { return r.StatusCode }
func (r CloseResult) HasResource() bool { return r.Present }

// MedicationInput identifies the dispensed medication by product number
type MedicationInput struct {
	Code string `json:"code"`
	Text string `json:"text"`
}
