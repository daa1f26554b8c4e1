// Package coordinator drives prescriptions through the task lifecycle.
//
// A prescription passes four phases. The prescriber creates a Task and
// activates it with the signed prescription; the dispenser accepts the
// ready Task and closes it with the dispensed medication. The access code
// issued on create authorizes activate and accept, and the secret issued on
// accept authorizes close. The coordinator keeps both in a Session so that
// the caller never has to hand them back.
//
// Sessions are keyed by an external ID and are independent of each other.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-erezept/internal/keystore"
	"github.com/sirosfoundation/go-erezept/internal/taskservice"
	"github.com/sirosfoundation/go-erezept/pkg/fhir"
)

// IdentityProvider resolves actor identities
type IdentityProvider interface {
	Identity(ctx context.Context, role keystore.Role) (*keystore.Identity, error)
}

// TokenIssuer produces bearer tokens for identities
type TokenIssuer interface {
	Issue(ctx context.Context, identity *keystore.Identity, hint string) (string, error)
}

// TaskService is the backend task service
type TaskService interface {
	Create(ctx context.Context, token string) (*taskservice.Response[*fhir.Task], error)
	Activate(ctx context.Context, token string, task *fhir.Task, signed []byte) (*taskservice.Response[*fhir.Task], error)
	Accept(ctx context.Context, token string, task *fhir.Task) (*taskservice.Response[*fhir.Bundle], error)
	Close(ctx context.Context, token string, accepted *fhir.Bundle, med *fhir.Medication) (*taskservice.Response[*fhir.Bundle], error)
}

// SigningService signs prescription documents
type SigningService interface {
	Sign(ctx context.Context, document []byte) ([]byte, error)
}

// Config holds coordinator settings. They are fixed for the lifetime of the
// coordinator.
type Config struct {
	// MockSigning makes Activate sign a generated prescription with Signer
	// instead of forwarding the caller's document
	MockSigning bool

	// MockPatientID is the patient of generated prescriptions
	MockPatientID string

	Logger *slog.Logger
}

// Collaborators are the services the coordinator calls
type Collaborators struct {
	Identities IdentityProvider
	Tokens     TokenIssuer
	Tasks      TaskService

	// Signer is required when MockSigning is enabled
	Signer SigningService
}

// Coordinator runs lifecycle phases on sessions
type Coordinator struct {
	identities IdentityProvider
	tokens     TokenIssuer
	tasks      TaskService
	signer     SigningService

	mockSigning   bool
	mockPatientID string
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a coordinator
func New(c Collaborators, cfg Config) (*Coordinator, error) {
	if c.Identities == nil || c.Tokens == nil || c.Tasks == nil {
		return nil, errors.New("identity provider, token issuer and task service are required")
	}
	if cfg.MockSigning {
		if c.Signer == nil {
			return nil, errors.New("mock signing requires a signing service")
		}
		if cfg.MockPatientID == "" {
			return nil, errors.New("mock signing requires a patient ID")
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		identities:    c.Identities,
		tokens:        c.Tokens,
		tasks:         c.Tasks,
		signer:        c.Signer,
		mockSigning:   cfg.MockSigning,
		mockPatientID: cfg.MockPatientID,
		logger:        logger,
		now:           time.Now,
		sessions:      make(map[string]*Session),
	}, nil
}

// Session operations

// NewSession registers an empty session and returns its ID
func (c *Coordinator) NewSession() string {
	id := uuid.NewString()
	c.mu.Lock()
	c.sessions[id] = newSession(id, c.now())
	c.mu.Unlock()
	return id
}

// Snapshot returns the current view of a session
func (c *Coordinator) Snapshot(id string) (Snapshot, error) {
	s, err := c.session(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// Discard forgets a session
func (c *Coordinator) Discard(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(c.sessions, id)
	return nil
}

// Sessions returns the number of registered sessions
func (c *Coordinator) Sessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Coordinator) session(id string) (*Session, error) {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// sessionOrNew returns the session registered under id, registering an
// empty one if there is none
func (c *Coordinator) sessionOrNew(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		s = newSession(id, c.now())
		c.sessions[id] = s
	}
	return s
}

// Phase operations

// Create asks the backend for a new Task as prescriber. accessToken is a
// hint for the token issuer. The prescriber identity is resolved on the
// first Create of the session and reused afterwards. A Create answered with
// a Task replaces the session's Task and drops any accept bundle.
func (c *Coordinator) Create(ctx context.Context, sessionID, accessToken string) (CreateResult, error) {
	s := c.sessionOrNew(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prescriber == nil {
		a, err := c.initActor(ctx, keystore.RolePrescriber, accessToken)
		if err != nil {
			return CreateResult{}, fmt.Errorf("%s: %w", PhaseCreate, err)
		}
		s.prescriber = &PrescriberSession{actor: a}
	}

	resp, err := c.tasks.Create(ctx, s.prescriber.Token())
	if err != nil {
		return CreateResult{}, fmt.Errorf("%s: %w", PhaseCreate, err)
	}
	c.touch(s, PhaseCreate)

	result := CreateResult{StatusCode: resp.StatusCode}
	if !resp.Present {
		c.logger.Warn("create returned no task", "session", s.id, "status", resp.StatusCode)
		return result, nil
	}

	task := resp.Resource
	s.task = task
	s.accepted = nil

	result.Present = true
	result.TaskID = task.TaskID()
	result.PrescriptionID = task.PrescriptionID()
	result.AccessCode = task.AccessCode()
	result.Status = string(task.TaskStatus())

	c.logger.Info("task created",
		"session", s.id,
		"task", result.TaskID,
		"prescription", result.PrescriptionID,
		"status", result.Status,
	)
	return result, nil
}

// Activate hands the signed prescription for the session's Task to the
// backend. With mock signing the caller's document is ignored and a
// generated prescription is signed locally.
func (c *Coordinator) Activate(ctx context.Context, sessionID string, signed []byte) (ActivateResult, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return ActivateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task == nil {
		return ActivateResult{}, &PreconditionError{Phase: PhaseActivate, Missing: ErrNoTask}
	}

	document := signed
	if c.mockSigning {
		document, err = c.mockSign(ctx, s.task)
		if err != nil {
			return ActivateResult{}, fmt.Errorf("%s: %w", PhaseActivate, err)
		}
	} else if len(document) == 0 {
		return ActivateResult{}, fmt.Errorf("%s: %w", PhaseActivate, ErrNoSignedDocument)
	}

	resp, err := c.tasks.Activate(ctx, s.prescriber.Token(), s.task, document)
	if err != nil {
		return ActivateResult{}, fmt.Errorf("%s: %w", PhaseActivate, err)
	}
	c.touch(s, PhaseActivate)

	result := ActivateResult{StatusCode: resp.StatusCode}
	if !resp.Present {
		c.logger.Warn("activate returned no task", "session", s.id, "status", resp.StatusCode)
		return result, nil
	}

	// only the status is taken over; the access code stays as issued
	s.task.Status = resp.Resource.Status

	result.Present = true
	result.Status = string(s.task.TaskStatus())

	c.logger.Info("task activated", "session", s.id, "task", s.task.TaskID(), "status", result.Status)
	return result, nil
}

// Accept claims the session's Task as dispenser. The Task must be ready;
// otherwise Accept is refused without calling the backend and the boolean
// result is false.
func (c *Coordinator) Accept(ctx context.Context, sessionID, accessToken string) (AcceptResult, bool, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return AcceptResult{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.task == nil {
		c.logger.Error("accept refused", "session", s.id, "error", ErrNoTask)
		return AcceptResult{}, false, nil
	}
	if status := s.task.TaskStatus(); status != fhir.TaskStatusReady {
		c.logger.Error("accept refused: task not ready",
			"session", s.id,
			"task", s.task.TaskID(),
			"status", status,
		)
		return AcceptResult{}, false, nil
	}

	if s.dispenser == nil {
		a, err := c.initActor(ctx, keystore.RoleDispenser, accessToken)
		if err != nil {
			return AcceptResult{}, false, fmt.Errorf("%s: %w", PhaseAccept, err)
		}
		s.dispenser = &DispenserSession{actor: a}
	}

	resp, err := c.tasks.Accept(ctx, s.dispenser.Token(), s.task)
	if err != nil {
		return AcceptResult{}, false, fmt.Errorf("%s: %w", PhaseAccept, err)
	}
	c.touch(s, PhaseAccept)

	result := AcceptResult{StatusCode: resp.StatusCode}
	if !resp.Present {
		c.logger.Warn("accept returned no bundle", "session", s.id, "status", resp.StatusCode)
		return result, true, nil
	}

	bundle := resp.Resource
	task := bundle.Task()
	if task == nil {
		return AcceptResult{}, false, fmt.Errorf("%s: %w", PhaseAccept, ErrMalformedBundle)
	}
	var prescription []byte
	if bin := bundle.Binary(); bin != nil {
		prescription, err = bin.Content()
		if err != nil {
			return AcceptResult{}, false, fmt.Errorf("%s: %w", PhaseAccept, err)
		}
	}

	s.accepted = bundle
	s.task.Status = task.Status

	result.Present = true
	result.Status = string(task.TaskStatus())
	result.Secret = task.Secret()
	result.SignedPrescription = prescription

	c.logger.Info("task accepted", "session", s.id, "task", task.TaskID(), "status", result.Status)
	return result, true, nil
}

// Close records the dispense of med for the session's accepted Task and
// returns the receipt signature.
func (c *Coordinator) Close(ctx context.Context, sessionID string, med MedicationInput) (CloseResult, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return CloseResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accepted == nil {
		return CloseResult{}, &PreconditionError{Phase: PhaseClose, Missing: ErrNoAcceptBundle}
	}

	resp, err := c.tasks.Close(ctx, s.dispenser.Token(), s.accepted, fhir.NewMedication(med.Code, med.Text))
	if err != nil {
		return CloseResult{}, fmt.Errorf("%s: %w", PhaseClose, err)
	}
	c.touch(s, PhaseClose)

	result := CloseResult{StatusCode: resp.StatusCode}
	if !resp.Present {
		c.logger.Warn("close returned no receipt", "session", s.id, "status", resp.StatusCode)
		return result, nil
	}
	result.Present = true

	if sig := resp.Resource.Signature; sig != nil {
		result.Signature, err = sig.Bytes()
		if err != nil {
			return CloseResult{}, fmt.Errorf("%s: %w", PhaseClose, err)
		}
	} else {
		c.logger.Warn("receipt is unsigned", "session", s.id)
	}

	c.logger.Info("task closed", "session", s.id, "status", resp.StatusCode)
	return result, nil
}

// initActor resolves the identity of role and obtains its token
func (c *Coordinator) initActor(ctx context.Context, role keystore.Role, hint string) (actor, error) {
	identity, err := c.identities.Identity(ctx, role)
	if err != nil {
		return actor{}, fmt.Errorf("resolving %s identity: %w", role, err)
	}
	token, err := c.tokens.Issue(ctx, identity, hint)
	if err != nil {
		return actor{}, fmt.Errorf("issuing %s token: %w", role, err)
	}
	c.logger.Debug("actor initialized", "role", role)
	return actor{identity: identity, token: token}, nil
}

// mockSign builds a prescription for task and signs it locally
func (c *Coordinator) mockSign(ctx context.Context, task *fhir.Task) ([]byte, error) {
	document, err := fhir.NewPrescriptionBundle(task.PrescriptionID(), c.mockPatientID)
	if err != nil {
		return nil, fmt.Errorf("building prescription: %w", err)
	}
	signed, err := c.signer.Sign(ctx, document)
	if err != nil {
		return nil, fmt.Errorf("mock signing: %w", err)
	}
	c.logger.Debug("prescription mock signed", "prescription", task.PrescriptionID())
	return signed, nil
}

// touch must be called with s.mu held
func (c *Coordinator) touch(s *Session, phase Phase) {
	s.lastPhase = phase
	s.updated = c.now()
}
