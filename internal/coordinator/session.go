package coordinator

import (
	"sync"
	"time"

	"github.com/sirosfoundation/go-erezept/internal/keystore"
	"github.com/sirosfoundation/go-erezept/pkg/fhir"
)

// State is the position of a session in the lifecycle
type State string

const (
	StateNoTask    State = "no-task"
	StateHasTask   State = "has-task"
	StateHasBundle State = "has-bundle"
)

// ActorSession is the identity and token one actor uses for backend calls.
// It is implemented by *PrescriberSession and *DispenserSession only.
type ActorSession interface {
	Role() keystore.Role
	Identity() *keystore.Identity
	Token() string
	actorSession()
}

type actor struct {
	identity *keystore.Identity
	token    string
}

func (a *actor) Identity() *keystore.Identity { return a.identity }
func (a *actor) Token() string                { return a.token }
func (a *actor) actorSession()                {}

// PrescriberSession is the actor that creates and activates tasks
type PrescriberSession struct{ actor }

func (*PrescriberSession) Role() keystore.Role { return keystore.RolePrescriber }

// DispenserSession is the actor that accepts and closes tasks
type DispenserSession struct{ actor }

func (*DispenserSession) Role() keystore.Role { return keystore.RoleDispenser }

// Session holds the state of one prescription. Phases on a session are
// serialised by its mutex; distinct sessions run independently.
type Session struct {
	id      string
	created time.Time

	mu         sync.Mutex
	prescriber *PrescriberSession
	dispenser  *DispenserSession
	task       *fhir.Task
	accepted   *fhir.Bundle
	lastPhase  Phase
	updated    time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{id: id, created: now, updated: now}
}

// state must be called with s.mu held
func (s *Session) state() State {
	switch {
	case s.accepted != nil:
		return StateHasBundle
	case s.task != nil:
		return StateHasTask
	default:
		return StateNoTask
	}
}

// Snapshot is a read-only view of a session
type Snapshot struct {
	ID             string    `json:"sessionId"`
	State          State     `json:"state"`
	LastPhase      Phase     `json:"lastPhase,omitempty"`
	TaskID         string    `json:"taskId,omitempty"`
	PrescriptionID string    `json:"prescriptionId,omitempty"`
	Status         string    `json:"status,omitempty"`
	Actors         []string  `json:"actors"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		State:     s.state(),
		LastPhase: s.lastPhase,
		Actors:    []string{},
		Created:   s.created,
		Updated:   s.updated,
	}
	if s.task != nil {
		snap.TaskID = s.task.TaskID()
		snap.PrescriptionID = s.task.PrescriptionID()
		snap.Status = string(s.task.TaskStatus())
	}
	if s.prescriber != nil {
		snap.Actors = append(snap.Actors, string(keystore.RolePrescriber))
	}
	if s.dispenser != nil {
		snap.Actors = append(snap.Actors, string(keystore.RoleDispenser))
	}
	return snap
}
