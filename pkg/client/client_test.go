package client_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
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
	"github.com/sirosfoundation/go-erezept/internal/server"
	"github.com/sirosfoundation/go-erezept/internal/taskservice"
	"github.com/sirosfoundation/go-erezept/internal/taskservice/backendtest"
	"github.com/sirosfoundation/go-erezept/pkg/client"
	"github.com/sirosfoundation/go-erezept/pkg/fhir"
	"github.com/sirosfoundation/go-erezept/pkg/security"
)

type generatedIdentities struct{}

func (generatedIdentities) Identity(_ context.Context, role keystore.Role) (*keystore.Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
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

type facade struct {
	client  *client.Client
	url     string
	backend *backendtest.Backend
	signer  *security.MockSigningService
}

func newFacade(t *testing.T, apiKey string) *facade {
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

	signer, err := security.NewEphemeralMockSigningService("Mock Prescriber")
	require.NoError(t, err)

	coord, err := coordinator.New(coordinator.Collaborators{
		Identities: generatedIdentities{},
		Tokens:     issuer,
		Tasks:      tasks,
		Signer:     signer,
	}, coordinator.Config{MockSigning: true, MockPatientID: config.DefaultMockPatientID})
	require.NoError(t, err)

	srv, err := server.New(&config.ServerConfig{BasePath: "/erezept", APIKey: apiKey}, coord, nil)
	require.NoError(t, err)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	c, err := client.NewClient(&client.ClientConfig{BaseURL: api.URL + "/erezept/", APIKey: apiKey})
	require.NoError(t, err)
	return &facade{client: c, url: api.URL + "/erezept", backend: backend, signer: signer}
}

func TestClient_Phases(t *testing.T) {
	f := newFacade(t, "key")
	c, backend := f.client, f.backend
	ctx := context.Background()

	id, err := c.NewSession(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	created, err := c.Create(ctx, id, "not relevant")
	require.NoError(t, err)
	assert.Equal(t, &client.CreateResult{
		StatusCode:     201,
		Present:        true,
		TaskID:         backend.TaskID,
		PrescriptionID: backend.PrescriptionID,
		AccessCode:     backend.AccessCode,
		Status:         "draft",
	}, created)

	activated, err := c.Activate(ctx, id, []byte("ignored with mock signing"))
	require.NoError(t, err)
	assert.Equal(t, "ready", activated.Status)

	// the backend received a locally signed prescription
	res, err := fhir.Decode(backend.Requests(backendtest.OpActivate)[0].Body)
	require.NoError(t, err)
	param, found := res.(*fhir.Parameters).Get("ePrescription")
	require.True(t, found)
	signed, err := param.Resource.Binary.Content()
	require.NoError(t, err)
	assert.NoError(t, security.VerifyDocument(signed, f.signer.Certificate()))

	accepted, ok, err := c.Accept(ctx, id, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, backend.Secret, accepted.Secret)
	assert.Equal(t, backend.SignedPrescription, accepted.SignedPrescription)

	closed, err := c.Close(ctx, id, client.Medication{Code: "pznValue", Text: "pznText"})
	require.NoError(t, err)
	assert.Equal(t, 200, closed.StatusCode)
	assert.Equal(t, backend.ReceiptSignature, closed.Signature)

	snap, err := c.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "has-bundle", snap.State)
	assert.Equal(t, []string{"prescriber", "dispenser"}, snap.Actors)

	require.NoError(t, c.Discard(ctx, id))
	_, err = c.Snapshot(ctx, id)
	assert.ErrorIs(t, err, client.ErrSessionNotFound)
}

func TestClient_Errors(t *testing.T) {
	c := newFacade(t, "key").client
	ctx := context.Background()

	id, err := c.NewSession(ctx)
	require.NoError(t, err)

	_, err = c.Close(ctx, id, client.Medication{Code: "1"})
	assert.ErrorIs(t, err, client.ErrPrecondition)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "no accept bundle")

	result, ok, err := c.Accept(ctx, id, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, result)
}

func TestClient_Unauthorized(t *testing.T) {
	f := newFacade(t, "key")
	ctx := context.Background()

	wrongKey, err := client.NewClient(&client.ClientConfig{BaseURL: f.url, APIKey: "other"})
	require.NoError(t, err)
	_, err = wrongKey.NewSession(ctx)
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	id, err := f.client.NewSession(ctx)
	require.NoError(t, err)
	snap, err := f.client.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "no-task", snap.State)

	_, err = client.NewClient(&client.ClientConfig{})
	assert.Error(t, err)
}

func TestClient_RunFlow(t *testing.T) {
	f := newFacade(t, "")
	c, backend := f.client, f.backend

	res, err := c.RunFlow(context.Background(), client.FlowInput{
		PrescriberToken: "not relevant",
		Medication:      client.Medication{Code: "06313728", Text: "Ibuprofen 400"},
	})
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, backend.Secret, res.Accept.Secret)
	assert.Equal(t, backend.ReceiptSignature, res.Close.Signature)
}

func TestClient_RunFlowStopsOnAbsentResource(t *testing.T) {
	f := newFacade(t, "")
	c, backend := f.client, f.backend
	backend.Set(backendtest.OpActivate, backendtest.Outcome, http.StatusForbidden)

	res, err := c.RunFlow(context.Background(), client.FlowInput{Medication: client.Medication{Code: "1"}})
	require.NoError(t, err)
	assert.False(t, res.Completed())
	assert.Equal(t, http.StatusForbidden, res.Activate.StatusCode)
	assert.Nil(t, res.Accept)
	assert.Empty(t, backend.Requests(backendtest.OpAccept))
}
