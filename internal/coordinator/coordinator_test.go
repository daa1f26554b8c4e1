package coordinator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-erezept/internal/keystore"
	"github.com/sirosfoundation/go-erezept/internal/taskservice"
	"github.com/sirosfoundation/go-erezept/pkg/fhir"
	"github.com/sirosfoundation/go-erezept/pkg/security"
)

const (
	testTaskID         = "4711"
	testPrescriptionID = "160.123.456.789.123.58"
	testAccessCode     = "777bea0e13cc9c42ceec14aec3ddee2263325dc2c6c699db115f58fe423607ea"
	testSecret         = "c36ca26502892b371d252c99b496e31505ff449aca9bc69e231c58148f6233cf"
)

type fakeIdentities struct {
	mu    sync.Mutex
	calls map[keystore.Role]int
	err   error
}

func (f *fakeIdentities) Identity(_ context.Context, role keystore.Role) (*keystore.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[keystore.Role]int)
	}
	f.calls[role]++
	if f.err != nil {
		return nil, f.err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: string(role)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &keystore.Identity{Role: role, Certificate: cert, Signer: key}, nil
}

type fakeTokens struct {
	mu    sync.Mutex
	hints []string
}

func (f *fakeTokens) Issue(_ context.Context, identity *keystore.Identity, hint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, hint)
	return "token-" + string(identity.Role), nil
}

// fakeTasks answers with configured responses and records what it was called with
type fakeTasks struct {
	create   []*taskservice.Response[*fhir.Task]
	activate *taskservice.Response[*fhir.Task]
	accept   *taskservice.Response[*fhir.Bundle]
	close    *taskservice.Response[*fhir.Bundle]
	err      error

	createCalls    int
	activateTokens []string
	activateDocs   [][]byte
	activateTasks  []*fhir.Task
	acceptCalls    int
	acceptTokens   []string
	closeBundles   []*fhir.Bundle
	closeMeds      []*fhir.Medication
	closeTokens    []string
}

func (f *fakeTasks) Create(_ context.Context, token string) (*taskservice.Response[*fhir.Task], error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := f.create[f.createCalls%len(f.create)]
	f.createCalls++
	return resp, nil
}

func (f *fakeTasks) Activate(_ context.Context, token string, task *fhir.Task, signed []byte) (*taskservice.Response[*fhir.Task], error) {
	f.activateTokens = append(f.activateTokens, token)
	f.activateDocs = append(f.activateDocs, signed)
	f.activateTasks = append(f.activateTasks, task)
	if f.err != nil {
		return nil, f.err
	}
	return f.activate, nil
}

func (f *fakeTasks) Accept(_ context.Context, token string, task *fhir.Task) (*taskservice.Response[*fhir.Bundle], error) {
	f.acceptCalls++
	f.acceptTokens = append(f.acceptTokens, token)
	if f.err != nil {
		return nil, f.err
	}
	return f.accept, nil
}

func (f *fakeTasks) Close(_ context.Context, token string, accepted *fhir.Bundle, med *fhir.Medication) (*taskservice.Response[*fhir.Bundle], error) {
	f.closeBundles = append(f.closeBundles, accepted)
	f.closeMeds = append(f.closeMeds, med)
	f.closeTokens = append(f.closeTokens, token)
	if f.err != nil {
		return nil, f.err
	}
	return f.close, nil
}

func taskResponse(status int, task *fhir.Task) *taskservice.Response[*fhir.Task] {
	return &taskservice.Response[*fhir.Task]{StatusCode: status, Resource: task, Present: task != nil}
}

func bundleResponse(status int, bundle *fhir.Bundle) *taskservice.Response[*fhir.Bundle] {
	return &taskservice.Response[*fhir.Bundle]{StatusCode: status, Resource: bundle, Present: bundle != nil}
}

func acceptBundle(secret, binary string) *fhir.Bundle {
	task := fhir.NewTask(testTaskID, testPrescriptionID, testAccessCode, fhir.TaskStatusInProgress)
	task.SetIdentifier(fhir.SystemSecret, secret)
	return &fhir.Bundle{
		Type: fhir.NewValue("collection"),
		Entry: []fhir.Entry{
			{Resource: fhir.EntryResource{Task: task}},
			{Resource: fhir.EntryResource{Binary: &fhir.Binary{
				ContentType: fhir.NewValue(fhir.ContentTypePKCS7),
				Data:        fhir.NewValue(binary),
			}}},
		},
	}
}

// happyTasks answers every phase like a well-behaved backend
func happyTasks() *fakeTasks {
	return &fakeTasks{
		create: []*taskservice.Response[*fhir.Task]{
			taskResponse(http.StatusCreated, fhir.NewTask(testTaskID, testPrescriptionID, testAccessCode, fhir.TaskStatusDraft)),
		},
		activate: taskResponse(http.StatusOK, fhir.NewTask(testTaskID, testPrescriptionID, "", fhir.TaskStatusReady)),
		accept:   bundleResponse(http.StatusOK, acceptBundle(testSecret, "SWNoIGJpbiBlaW4gQmFzZTY0LVN0cmluZw==")),
		close:    bundleResponse(http.StatusOK, fhir.NewReceiptBundle([]byte("fixed receipt signature"), time.Now())),
	}
}

type fixture struct {
	coord      *Coordinator
	identities *fakeIdentities
	tokens     *fakeTokens
	tasks      *fakeTasks
}

func newFixture(t *testing.T, tasks *fakeTasks, cfg Config) *fixture {
	t.Helper()
	f := &fixture{identities: &fakeIdentities{}, tokens: &fakeTokens{}, tasks: tasks}

	var signer SigningService
	if cfg.MockSigning {
		mock, err := security.NewEphemeralMockSigningService("Mock Prescriber")
		require.NoError(t, err)
		signer = mock
	}

	coord, err := New(Collaborators{
		Identities: f.identities,
		Tokens:     f.tokens,
		Tasks:      tasks,
		Signer:     signer,
	}, cfg)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func TestCoordinator_FullLifecycle(t *testing.T) {
	f := newFixture(t, happyTasks(), Config{})
	ctx := context.Background()
	id := f.coord.NewSession()

	// scenario 1
	created, err := f.coord.Create(ctx, id, "not relevant")
	require.NoError(t, err)
	assert.Equal(t, CreateResult{
		StatusCode:     201,
		Present:        true,
		TaskID:         testTaskID,
		PrescriptionID: testPrescriptionID,
		AccessCode:     testAccessCode,
		Status:         "draft",
	}, created)
	assert.Equal(t, []string{"not relevant"}, f.tokens.hints)

	// scenario 2
	activated, err := f.coord.Activate(ctx, id, []byte("signed prescription"))
	require.NoError(t, err)
	assert.Equal(t, ActivateResult{StatusCode: 200, Present: true, Status: "ready"}, activated)
	assert.Equal(t, []byte("signed prescription"), f.tasks.activateDocs[0])
	assert.Equal(t, "token-prescriber", f.tasks.activateTokens[0])
	assert.Equal(t, testAccessCode, f.tasks.activateTasks[0].AccessCode(), "access code is kept as issued")

	// scenario 3
	accepted, ok, err := f.coord.Accept(ctx, id, "dispenser hint")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, AcceptResult{
		StatusCode:         200,
		Present:            true,
		Status:             "in-progress",
		Secret:             testSecret,
		SignedPrescription: []byte("Ich bin ein Base64-String"),
	}, accepted)
	assert.Equal(t, []string{"token-dispenser"}, f.tasks.acceptTokens)

	// scenario 4
	closed, err := f.coord.Close(ctx, id, MedicationInput{Code: "pznValue", Text: "pznText"})
	require.NoError(t, err)
	assert.Equal(t, CloseResult{StatusCode: 200, Present: true, Signature: []byte("fixed receipt signature")}, closed)

	require.Len(t, f.tasks.closeMeds, 1)
	assert.Equal(t, "pznValue", f.tasks.closeMeds[0].PZN())
	assert.Equal(t, "pznText", f.tasks.closeMeds[0].Code.Text.String())
	assert.Equal(t, fhir.SystemPZN, f.tasks.closeMeds[0].Code.Coding[0].System.String())
	assert.Same(t, f.tasks.accept.Resource, f.tasks.closeBundles[0])
	assert.Equal(t, "token-dispenser", f.tasks.closeTokens[0])

	snap, err := f.coord.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, StateHasBundle, snap.State)
	assert.Equal(t, PhaseClose, snap.LastPhase)
	assert.Equal(t, "in-progress", snap.Status)
	assert.Equal(t, []string{"prescriber", "dispenser"}, snap.Actors)
}

func TestCoordinator_PhaseResults(t *testing.T) {
	results := []PhaseResult{
		CreateResult{StatusCode: 201, Present: true},
		ActivateResult{StatusCode: 200},
		AcceptResult{StatusCode: 409},
		CloseResult{StatusCode: 200, Present: true},
	}
	phases := []Phase{PhaseCreate, PhaseActivate, PhaseAccept, PhaseClose}
	for i, r := range results {
		assert.Equal(t, phases[i], r.Phase())
	}
	assert.Equal(t, 409, results[2].Code())
	assert.False(t, results[1].HasResource())
	assert.True(t, results[3].HasResource())
}

func TestCoordinator_AbsentResources(t *testing.T) {
	tasks := happyTasks()
	f := newFixture(t, tasks, Config{})
	ctx := context.Background()
	id := f.coord.NewSession()

	tasks.create = []*taskservice.Response[*fhir.Task]{taskResponse(http.StatusBadRequest, nil)}
	created, err := f.coord.Create(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, CreateResult{StatusCode: http.StatusBadRequest}, created)

	snap, err := f.coord.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, StateNoTask, snap.State)

	tasks.create = happyTasks().create
	_, err = f.coord.Create(ctx, id, "")
	require.NoError(t, err)

	tasks.activate = taskResponse(http.StatusForbidden, nil)
	activated, err := f.coord.Activate(ctx, id, []byte("doc"))
	require.NoError(t, err)
	assert.Equal(t, ActivateResult{StatusCode: http.StatusForbidden}, activated)

	// the session keeps the status last reported
	snap, err = f.coord.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "draft", snap.Status)

	tasks.activate = happyTasks().activate
	_, err = f.coord.Activate(ctx, id, []byte("doc"))
	require.NoError(t, err)

	tasks.accept = bundleResponse(http.StatusGone, nil)
	accepted, ok, err := f.coord.Accept(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, ok, "a backend answer is a result even without a bundle")
	assert.Equal(t, AcceptResult{StatusCode: http.StatusGone}, accepted)

	_, err = f.coord.Close(ctx, id, MedicationInput{Code: "1"})
	assert.ErrorIs(t, err, ErrNoAcceptBundle, "an accept without bundle leaves nothing to close")

	tasks.accept = happyTasks().accept
	_, _, err = f.coord.Accept(ctx, id, "")
	require.NoError(t, err)

	tasks.close = bundleResponse(http.StatusOK, nil)
	closed, err := f.coord.Close(ctx, id, MedicationInput{Code: "1"})
	require.NoError(t, err)
	assert.Equal(t, CloseResult{StatusCode: http.StatusOK}, closed)
	assert.Nil(t, closed.Signature)
}

func TestCoordinator_AcceptGate(t *testing.T) {
	statuses := []fhir.TaskStatus{
		fhir.TaskStatusDraft,
		fhir.TaskStatusInProgress,
		fhir.TaskStatusCompleted,
		fhir.TaskStatusCancelled,
		"",
	}

	for _, status := range statuses {
		t.Run("status "+string(status), func(t *testing.T) {
			tasks := happyTasks()
			tasks.create = []*taskservice.Response[*fhir.Task]{
				taskResponse(http.StatusCreated, fhir.NewTask(testTaskID, testPrescriptionID, testAccessCode, status)),
			}
			f := newFixture(t, tasks, Config{})
			id := f.coord.NewSession()

			_, err := f.coord.Create(context.Background(), id, "")
			require.NoError(t, err)

			result, ok, err := f.coord.Accept(context.Background(), id, "")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, AcceptResult{}, result)
			assert.Zero(t, tasks.acceptCalls)
			assert.Zero(t, f.identities.calls[keystore.RoleDispenser])
		})
	}

	t.Run("no task", func(t *testing.T) {
		tasks := happyTasks()
		f := newFixture(t, tasks, Config{})
		id := f.coord.NewSession()

		_, ok, err := f.coord.Accept(context.Background(), id, "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, tasks.acceptCalls)
	})
}

func TestCoordinator_Preconditions(t *testing.T) {
	f := newFixture(t, happyTasks(), Config{})
	ctx := context.Background()
	id := f.coord.NewSession()

	_, err := f.coord.Activate(ctx, id, []byte("doc"))
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseActivate, pe.Phase)
	assert.ErrorIs(t, err, ErrNoTask)
	assert.Empty(t, f.tasks.activateDocs)

	_, err = f.coord.Close(ctx, id, MedicationInput{Code: "1"})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseClose, pe.Phase)
	assert.ErrorIs(t, err, ErrNoAcceptBundle)
	assert.Empty(t, f.tasks.closeBundles)

	// a task alone does not allow closing
	_, err = f.coord.Create(ctx, id, "")
	require.NoError(t, err)
	_, err = f.coord.Close(ctx, id, MedicationInput{Code: "1"})
	assert.ErrorIs(t, err, ErrNoAcceptBundle)

	_, err = f.coord.Activate(ctx, id, nil)
	assert.ErrorIs(t, err, ErrNoSignedDocument)
}

func TestCoordinator_UnknownSession(t *testing.T) {
	f := newFixture(t, happyTasks(), Config{})
	ctx := context.Background()

	_, err := f.coord.Activate(ctx, "missing", []byte("doc"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = f.coord.Accept(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.coord.Close(ctx, "missing", MedicationInput{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.coord.Snapshot("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.coord.Discard("missing"), ErrSessionNotFound)

	// create registers the session it is given
	_, err = f.coord.Create(ctx, "rx-1", "")
	require.NoError(t, err)
	snap, err := f.coord.Snapshot("rx-1")
	require.NoError(t, err)
	assert.Equal(t, StateHasTask, snap.State)

	require.NoError(t, f.coord.Discard("rx-1"))
	assert.Zero(t, f.coord.Sessions())
}

func TestCoordinator_RepeatedCreate(t *testing.T) {
	tasks := happyTasks()
	tasks.create = []*taskservice.Response[*fhir.Task]{
		taskResponse(http.StatusCreated, fhir.NewTask("1", "160.000.000.000.001.01", "ac-1", fhir.TaskStatusDraft)),
		taskResponse(http.StatusCreated, fhir.NewTask("2", "160.000.000.000.002.02", "ac-2", fhir.TaskStatusDraft)),
	}
	f := newFixture(t, tasks, Config{})
	ctx := context.Background()
	id := f.coord.NewSession()

	first, err := f.coord.Create(ctx, id, "hint")
	require.NoError(t, err)
	second, err := f.coord.Create(ctx, id, "other hint")
	require.NoError(t, err)

	assert.Equal(t, "1", first.TaskID)
	assert.Equal(t, "2", second.TaskID)
	assert.Equal(t, 1, f.identities.calls[keystore.RolePrescriber], "identity is resolved once")
	assert.Equal(t, []string{"hint"}, f.tokens.hints, "token is issued once")

	_, err = f.coord.Activate(ctx, id, []byte("doc"))
	require.NoError(t, err)
	assert.Equal(t, "ac-2", f.tasks.activateTasks[0].AccessCode())
	assert.Equal(t, "2", f.tasks.activateTasks[0].TaskID())
}

func TestCoordinator_CreateDropsAcceptBundle(t *testing.T) {
	f := newFixture(t, happyTasks(), Config{})
	ctx := context.Background()
	id := f.coord.NewSession()

	_, err := f.coord.Create(ctx, id, "")
	require.NoError(t, err)
	_, err = f.coord.Activate(ctx, id, []byte("doc"))
	require.NoError(t, err)
	_, ok, err := f.coord.Accept(ctx, id, "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.coord.Create(ctx, id, "")
	require.NoError(t, err)
	_, err = f.coord.Close(ctx, id, MedicationInput{Code: "1"})
	assert.ErrorIs(t, err, ErrNoAcceptBundle)
}

func TestCoordinator_CloseUsesLatestAcceptBundle(t *testing.T) {
	tasks := happyTasks()
	f := newFixture(t, tasks, Config{})
	ctx := context.Background()
	id := f.coord.NewSession()

	_, err := f.coord.Create(ctx, id, "")
	require.NoError(t, err)
	_, err = f.coord.Activate(ctx, id, []byte("doc"))
	require.NoError(t, err)
	_, _, err = f.coord.Accept(ctx, id, "")
	require.NoError(t, err)

	// the backend reports the task ready again and hands out a new secret
	_, err = f.coord.Activate(ctx, id, []byte("doc"))
	require.NoError(t, err)
	tasks.accept = bundleResponse(http.StatusOK, acceptBundle("second-secret", "AAEC"))
	_, ok, err := f.coord.Accept(ctx, id, "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.coord.Close(ctx, id, MedicationInput{Code: "1"})
	require.NoError(t, err)
	require.Len(t, tasks.closeBundles, 1)
	assert.Same(t, tasks.accept.Resource, tasks.closeBundles[0])
	assert.Equal(t, "second-secret", tasks.closeBundles[0].Task().Secret())
}

func TestCoordinator_SessionsAreIndependent(t *testing.T) {
	tasks := happyTasks()
	f := newFixture(t, tasks, Config{})
	ctx := context.Background()
	a := f.coord.NewSession()
	b := f.coord.NewSession()

	_, err := f.coord.Create(ctx, a, "")
	require.NoError(t, err)

	_, err = f.coord.Activate(ctx, b, []byte("doc"))
	assert.ErrorIs(t, err, ErrNoTask)

	snapB, err := f.coord.Snapshot(b)
	require.NoError(t, err)
	assert.Equal(t, StateNoTask, snapB.State)
	assert.Empty(t, snapB.Actors)
}

func TestCoordinator_MockSigning(t *testing.T) {
	tasks := happyTasks()
	f := newFixture(t, tasks, Config{MockSigning: true, MockPatientID: "X234567890"})
	ctx := context.Background()
	id := f.coord.NewSession()

	_, err := f.coord.Create(ctx, id, "")
	require.NoError(t, err)

	_, err = f.coord.Activate(ctx, id, []byte("caller document"))
	require.NoError(t, err)

	require.Len(t, tasks.activateDocs, 1)
	signed := tasks.activateDocs[0]
	assert.NotEqual(t, []byte("caller document"), signed)
	assert.Contains(t, string(signed), testPrescriptionID)
	assert.Contains(t, string(signed), "X234567890")
	assert.Contains(t, string(signed), "SignatureValue")

	mock := f.coord.signer.(*security.MockSigningService)
	assert.NoError(t, security.VerifyDocument(signed, mock.Certificate()))
}

func TestCoordinator_CollaboratorFailures(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		f := newFixture(t, happyTasks(), Config{})
		f.identities.err = keystore.ErrKeyNotFound

		_, err := f.coord.Create(context.Background(), f.coord.NewSession(), "")
		assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
		assert.Zero(t, f.tasks.createCalls)
	})

	t.Run("transport", func(t *testing.T) {
		tasks := happyTasks()
		f := newFixture(t, tasks, Config{})
		id := f.coord.NewSession()
		_, err := f.coord.Create(context.Background(), id, "")
		require.NoError(t, err)

		boom := errors.New("connection refused")
		tasks.err = boom
		_, err = f.coord.Activate(context.Background(), id, []byte("doc"))
		assert.ErrorIs(t, err, boom)

		snap, err := f.coord.Snapshot(id)
		require.NoError(t, err)
		assert.Equal(t, "draft", snap.Status)
		assert.Equal(t, PhaseCreate, snap.LastPhase)
	})

	t.Run("bundle without task", func(t *testing.T) {
		tasks := happyTasks()
		f := newFixture(t, tasks, Config{})
		id := f.coord.NewSession()
		_, err := f.coord.Create(context.Background(), id, "")
		require.NoError(t, err)
		_, err = f.coord.Activate(context.Background(), id, []byte("doc"))
		require.NoError(t, err)

		tasks.accept = bundleResponse(http.StatusOK, &fhir.Bundle{Type: fhir.NewValue("collection")})
		_, ok, err := f.coord.Accept(context.Background(), id, "")
		assert.ErrorIs(t, err, ErrMalformedBundle)
		assert.False(t, ok)
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Collaborators{}, Config{})
	assert.Error(t, err)

	c := Collaborators{Identities: &fakeIdentities{}, Tokens: &fakeTokens{}, Tasks: happyTasks()}
	_, err = New(c, Config{MockSigning: true, MockPatientID: "X1"})
	assert.Error(t, err, "mock signing without signer")

	mock, err := security.NewEphemeralMockSigningService("test")
	require.NoError(t, err)
	c.Signer = mock
	_, err = New(c, Config{MockSigning: true})
	assert.Error(t, err, "mock signing without patient")
}
