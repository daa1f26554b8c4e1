// Package backendtest provides an in-process task service backend for tests.
package backendtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-erezept/pkg/fhir"
)

// Operations served by the backend
const (
	OpCreate   = "create"
	OpActivate = "activate"
	OpAccept   = "accept"
	OpClose    = "close"
)

// Behaviour selects how the backend answers an operation
type Behaviour int

const (
	// Normal answers with the operation's resource
	Normal Behaviour = iota
	// Empty answers with the status code and no body
	Empty
	// Outcome answers with an OperationOutcome
	Outcome
	// Garbage answers with a body that is not FHIR XML
	Garbage
)

// Request is a request the backend received
type Request struct {
	Operation string
	TaskID    string
	Header    http.Header
	Query     url.Values
	Body      []byte
}

// Backend is a task service holding its tasks in memory. Exported fields
// configure the values it issues and must be set before the first request.
type Backend struct {
	*httptest.Server

	// TaskID is the id of the first created task; later tasks get a suffix
	TaskID             string
	PrescriptionID     string
	AccessCode         string
	Secret             string
	SignedPrescription []byte
	ReceiptSignature   []byte

	mu         sync.Mutex
	created    int
	tasks      map[string]*fhir.Task
	requests   []Request
	behaviours map[string]behaviour
}

type behaviour struct {
	kind   Behaviour
	status int
}

// New starts a backend with fixed test values
func New() *Backend {
	b := &Backend{
		TaskID:             "4711",
		PrescriptionID:     "160.123.456.789.123.58",
		AccessCode:         "777bea0e13cc9c42ceec14aec3ddee2263325dc2c6c699db115f58fe423607ea",
		Secret:             "c36ca26502892b371d252c99b496e31505ff449aca9bc69e231c58148f6233cf",
		SignedPrescription: []byte("Ich bin ein Base64-String"),
		ReceiptSignature:   []byte("receipt-signature"),
		tasks:              make(map[string]*fhir.Task),
		behaviours:         make(map[string]behaviour),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /Task/$create", b.handleCreate)
	mux.HandleFunc("POST /Task/{id}/$activate", b.handleActivate)
	mux.HandleFunc("POST /Task/{id}/$accept", b.handleAccept)
	mux.HandleFunc("POST /Task/{id}/$close", b.handleClose)
	b.Server = httptest.NewServer(mux)
	return b
}

// Set makes op answer with kind and status. A zero status keeps the
// operation's normal status code.
func (b *Backend) Set(op string, kind Behaviour, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.behaviours[op] = behaviour{kind: kind, status: status}
}

// SetStatus overrides the status the backend reports for a task
func (b *Backend) SetStatus(taskID string, status fhir.TaskStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok {
		t.Status = fhir.NewValue(string(status))
	}
}

// Requests returns the received requests for op, oldest first
func (b *Backend) Requests(op string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Request
	for _, r := range b.requests {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}

func (b *Backend) record(op string, r *http.Request) (Request, behaviour) {
	body, _ := io.ReadAll(r.Body)
	req := Request{
		Operation: op,
		TaskID:    r.PathValue("id"),
		Header:    r.Header.Clone(),
		Query:     r.URL.Query(),
		Body:      body,
	}
	b.requests = append(b.requests, req)
	return req, b.behaviours[op]
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, bh := b.record(OpCreate, r)

	if !authorized(req) {
		writeOutcome(w, http.StatusUnauthorized, "login", "missing bearer token")
		return
	}
	if b.override(w, bh) {
		return
	}

	b.created++
	id := b.TaskID
	if b.created > 1 {
		id = fmt.Sprintf("%s-%d", b.TaskID, b.created)
	}
	task := fhir.NewTask(id, b.PrescriptionID, b.AccessCode, fhir.TaskStatusDraft)
	task.AuthoredOn = fhir.NewValue(time.Now().UTC().Format(time.RFC3339))
	b.tasks[id] = task

	writeResource(w, status(bh, http.StatusCreated), task)
}

func (b *Backend) handleActivate(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, bh := b.record(OpActivate, r)

	task, ok := b.check(w, req)
	if !ok {
		return
	}
	if req.Header.Get("X-AccessCode") != task.AccessCode() {
		writeOutcome(w, http.StatusForbidden, "forbidden", "access code mismatch")
		return
	}
	if b.override(w, bh) {
		return
	}

	res, err := fhir.Decode(req.Body)
	params, isParams := res.(*fhir.Parameters)
	if err != nil || !isParams {
		writeOutcome(w, http.StatusBadRequest, "invalid", "expected Parameters")
		return
	}
	if p, found := params.Get("ePrescription"); !found || p.Resource == nil || p.Resource.Binary == nil {
		writeOutcome(w, http.StatusBadRequest, "required", "ePrescription missing")
		return
	}

	task.Status = fhir.NewValue(string(fhir.TaskStatusReady))
	writeResource(w, status(bh, http.StatusOK), task)
}

func (b *Backend) handleAccept(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, bh := b.record(OpAccept, r)

	task, ok := b.check(w, req)
	if !ok {
		return
	}
	if req.Query.Get("ac") != task.AccessCode() {
		writeOutcome(w, http.StatusForbidden, "forbidden", "access code mismatch")
		return
	}
	if b.override(w, bh) {
		return
	}
	if task.TaskStatus() != fhir.TaskStatusReady {
		writeOutcome(w, http.StatusConflict, "conflict", "task is "+task.Status.String())
		return
	}

	task.Status = fhir.NewValue(string(fhir.TaskStatusInProgress))
	task.SetIdentifier(fhir.SystemSecret, b.Secret)
	writeResource(w, status(bh, http.StatusOK), fhir.NewAcceptBundle(task, b.SignedPrescription))
}

func (b *Backend) handleClose(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, bh := b.record(OpClose, r)

	task, ok := b.check(w, req)
	if !ok {
		return
	}
	if req.Query.Get("secret") != task.Secret() {
		writeOutcome(w, http.StatusForbidden, "forbidden", "secret mismatch")
		return
	}
	if b.override(w, bh) {
		return
	}

	res, err := fhir.Decode(req.Body)
	if _, isDispense := res.(*fhir.MedicationDispense); err != nil || !isDispense {
		writeOutcome(w, http.StatusBadRequest, "invalid", "expected MedicationDispense")
		return
	}

	task.Status = fhir.NewValue(string(fhir.TaskStatusCompleted))
	writeResource(w, status(bh, http.StatusOK), fhir.NewReceiptBundle(b.ReceiptSignature, time.Now()))
}

// check authorizes req and resolves its task
func (b *Backend) check(w http.ResponseWriter, req Request) (*fhir.Task, bool) {
	if !authorized(req) {
		writeOutcome(w, http.StatusUnauthorized, "login", "missing bearer token")
		return nil, false
	}
	task, ok := b.tasks[req.TaskID]
	if !ok {
		writeOutcome(w, http.StatusNotFound, "not-found", "unknown task "+req.TaskID)
		return nil, false
	}
	return task, true
}

// override answers according to a configured behaviour, returning true if it did
func (b *Backend) override(w http.ResponseWriter, bh behaviour) bool {
	switch bh.kind {
	case Empty:
		w.WriteHeader(status(bh, http.StatusNoContent))
	case Outcome:
		writeOutcome(w, status(bh, http.StatusBadRequest), "processing", "configured outcome")
	case Garbage:
		w.Header().Set("Content-Type", fhir.ContentType)
		w.WriteHeader(status(bh, http.StatusOK))
		w.Write([]byte("<<not xml"))
	default:
		return false
	}
	return true
}

func authorized(req Request) bool {
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	return ok && token != ""
}

func status(bh behaviour, normal int) int {
	if bh.status != 0 {
		return bh.status
	}
	return normal
}

func writeResource(w http.ResponseWriter, code int, res fhir.Resource) {
	data, err := fhir.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(code)
	w.Write(data)
}

func writeOutcome(w http.ResponseWriter, code int, issueCode, diagnostics string) {
	writeResource(w, code, &fhir.OperationOutcome{
		Issue: []fhir.Issue{{
			Severity:    fhir.NewValue("error"),
			Code:        fhir.NewValue(issueCode),
			Diagnostics: fhir.NewValue(diagnostics),
		}},
	})
}
