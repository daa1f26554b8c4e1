package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-erezept/internal/auth"
	"github.com/sirosfoundation/go-erezept/internal/config"
	"github.com/sirosfoundation/go-erezept/internal/coordinator"
	"github.com/sirosfoundation/go-erezept/internal/keystore"
	"github.com/sirosfoundation/go-erezept/internal/taskservice"
	"github.com/sirosfoundation/go-erezept/internal/taskservice/backendtest"
)

type testIdentities struct{}

func (testIdentities) Identity(_ context.Context, role keystore.Role) (*keystore.Identity, error) {
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

type testEnv struct {
	backend *backendtest.Backend
	api     *httptest.Server
	apiKey  string
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	backend := backendtest.New()
	t.Cleanup(backend.Close)

	tasks, err := taskservice.New(backend.URL, nil)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(&config.AuthConfig{
		Mode:         "static",
		StaticTokens: map[string]string{"prescriber": "p-token", "dispenser": "d-token"},
	}, nil, nil)
	require.NoError(t, err)

	coord, err := coordinator.New(coordinator.Collaborators{
		Identities: testIdentities{},
		Tokens:     issuer,
		Tasks:      tasks,
	}, coordinator.Config{})
	require.NoError(t, err)

	srv, err := New(&config.ServerConfig{BasePath: "/erezept", APIKey: apiKey}, coord, nil)
	require.NoError(t, err)

	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)
	return &testEnv{backend: backend, api: api, apiKey: apiKey}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.api.URL+path, &buf)
	require.NoError(t, err)
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) openSession(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/erezept/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[SessionResponse](t, resp).SessionID
}

func TestServer_Lifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.openSession(t)
	base := "/erezept/sessions/" + id

	resp := env.do(t, http.MethodPost, base+"/create", TokenRequest{AccessToken: "not relevant"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeJSON[coordinator.CreateResult](t, resp)
	assert.Equal(t, 201, created.StatusCode)
	assert.Equal(t, "4711", created.TaskID)
	assert.Equal(t, env.backend.AccessCode, created.AccessCode)
	assert.Equal(t, "draft", created.Status)
	assert.Equal(t, "Bearer not relevant", env.backend.Requests(backendtest.OpCreate)[0].Header.Get("Authorization"))

	resp = env.do(t, http.MethodPost, base+"/activate", ActivateRequest{SignedBundle: []byte("signed")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	activated := decodeJSON[coordinator.ActivateResult](t, resp)
	assert.Equal(t, coordinator.ActivateResult{StatusCode: 200, Present: true, Status: "ready"}, activated)

	resp = env.do(t, http.MethodPost, base+"/accept", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	accepted := decodeJSON[coordinator.AcceptResult](t, resp)
	assert.Equal(t, "in-progress", accepted.Status)
	assert.Equal(t, env.backend.Secret, accepted.Secret)
	assert.Equal(t, env.backend.SignedPrescription, accepted.SignedPrescription)
	assert.Equal(t, "Bearer d-token", env.backend.Requests(backendtest.OpAccept)[0].Header.Get("Authorization"))

	resp = env.do(t, http.MethodPost, base+"/close", coordinator.MedicationInput{Code: "pznValue", Text: "pznText"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	closed := decodeJSON[coordinator.CloseResult](t, resp)
	assert.Equal(t, 200, closed.StatusCode)
	assert.Equal(t, env.backend.ReceiptSignature, closed.Signature)

	resp = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeJSON[coordinator.Snapshot](t, resp)
	assert.Equal(t, coordinator.StateHasBundle, snap.State)

	resp = env.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StatusMapping(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.openSession(t)
	base := "/erezept/sessions/" + id

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"activate before create", http.MethodPost, base + "/activate", ActivateRequest{SignedBundle: []byte("x")}, http.StatusPreconditionFailed},
		{"close before accept", http.MethodPost, base + "/close", coordinator.MedicationInput{Code: "1"}, http.StatusPreconditionFailed},
		{"accept without ready task", http.MethodPost, base + "/accept", TokenRequest{}, http.StatusNoContent},
		{"unknown session", http.MethodPost, "/erezept/sessions/nope/activate", ActivateRequest{SignedBundle: []byte("x")}, http.StatusNotFound},
		{"close without code", http.MethodPost, base + "/close", coordinator.MedicationInput{}, http.StatusBadRequest},
		{"bad body", http.MethodPost, base + "/create", "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.Empty(t, env.backend.Requests(backendtest.OpAccept))
}

func TestServer_BackendFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.Set(backendtest.OpCreate, backendtest.Garbage, 0)
	id := env.openSession(t)

	resp := env.do(t, http.MethodPost, "/erezept/sessions/"+id+"/create", TokenRequest{})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_AbsentResource(t *testing.T) {
	env := newTestEnv(t, "")
	env.backend.Set(backendtest.OpCreate, backendtest.Outcome, http.StatusForbidden)
	id := env.openSession(t)

	resp := env.do(t, http.MethodPost, "/erezept/sessions/"+id+"/create", TokenRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeJSON[coordinator.CreateResult](t, resp)
	assert.Equal(t, coordinator.CreateResult{StatusCode: http.StatusForbidden}, created)
}

func TestServer_APIKey(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	req, err := http.NewRequest(http.MethodPost, env.api.URL+"/erezept/sessions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.openSession(t)

	// health stays open
	resp, err = http.Get(env.api.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Ready(t *testing.T) {
	env := newTestEnv(t, "")
	env.openSession(t)
	env.openSession(t)

	resp := env.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[map[string]interface{}](t, resp)
	assert.Equal(t, float64(2), body["sessions"])
}
