package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/approval"
	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/flows"
	"github.com/vigilsec/fleet/internal/hunt"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/notify"
	"github.com/vigilsec/fleet/internal/signedbinary"
)

type testEnv struct {
	store  *datastore.MemoryStore
	engine *flow.Engine
	router *mux.Router
	client ids.ClientID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := datastore.NewMemoryStore()
	log := logrus.New()
	engine := flow.NewEngine(store, notify.NewLocalNotifier(), events.NewBus(log), log)
	dispatcher := hunt.NewDispatcher(store, engine, events.NewBus(log), log, 1000)
	checker := approval.NewChecker(store, log, 2, 28*24*time.Hour)
	signKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	binaries := signedbinary.NewService(store, signKey, log)

	router := mux.NewRouter()
	NewServer(store, engine, dispatcher, checker, binaries, log).Routes(router)

	env := &testEnv{store: store, engine: engine, router: router, client: ids.ClientID(0xabcd)}
	ctx := context.Background()
	for _, u := range []*datastore.User{
		{Username: "alice", Type: datastore.UserStandard},
		{Username: "bob", Type: datastore.UserStandard},
		{Username: "carol", Type: datastore.UserStandard},
		{Username: "dora", Type: datastore.UserAdmin},
	} {
		require.NoError(t, store.WriteUser(ctx, u))
	}
	require.NoError(t, store.WriteClientMetadata(ctx, &datastore.Client{
		ID: env.client, FirstSeen: time.Now(),
	}))
	return env
}

func (env *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

// approveClient walks alice's approval through the two-grant quorum.
func (env *testEnv) approveClient(t *testing.T, requestor string, client ids.ClientID) {
	t.Helper()
	w := env.do(t, http.MethodPost, "/approvals", requestor, createApprovalRequest{
		Type: "CLIENT", SubjectID: client.String(), Reason: "ticket 4711",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a apiApproval
	decodeBody(t, w, &a)
	for _, grantor := range []string{"bob", "carol"} {
		w := env.do(t, http.MethodPost,
			fmt.Sprintf("/approvals/%s/%s/grant", requestor, a.ApprovalID), grantor, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

func TestMissingUserHeaderRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/clients", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartFlowRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/clients/%s/flows", env.client)

	w := env.do(t, http.MethodPost, path, "alice", startFlowRequest{Class: "ListProcesses"})
	require.Equal(t, http.StatusForbidden, w.Code)
	var apiErr apiError
	decodeBody(t, w, &apiErr)
	assert.Equal(t, "unauthorized", apiErr.Code)
	assert.Contains(t, apiErr.Message, "no approval found")

	env.approveClient(t, "alice", env.client)

	w = env.do(t, http.MethodPost, path, "alice", startFlowRequest{Class: "ListProcesses"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var f apiFlow
	decodeBody(t, w, &f)
	assert.Equal(t, "ListProcesses", f.Class)
	assert.Equal(t, "alice", f.Creator)
	assert.Equal(t, "RUNNING", f.State)
}

func TestRestrictedFlowNeedsAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.approveClient(t, "alice", env.client)
	path := fmt.Sprintf("/clients/%s/flows", env.client)

	w := env.do(t, http.MethodPost, path, "alice", startFlowRequest{Class: "UpdateAgent"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetAndListFlows(t *testing.T) {
	env := newTestEnv(t)
	env.approveClient(t, "alice", env.client)
	ctx := context.Background()

	obj, err := env.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID: env.client, Class: "ListProcesses", Creator: "alice",
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet,
		fmt.Sprintf("/clients/%s/flows/%s", env.client, obj.FlowID), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var f apiFlow
	decodeBody(t, w, &f)
	assert.Equal(t, obj.FlowID.String(), f.FlowID)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/clients/%s/flows", env.client), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []apiFlow `json:"items"`
	}
	decodeBody(t, w, &list)
	assert.Len(t, list.Items, 1)

	w = env.do(t, http.MethodGet,
		fmt.Sprintf("/clients/%s/flows/%s", env.client, ids.NewFlowID()), "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelFlowSetsPendingTermination(t *testing.T) {
	env := newTestEnv(t)
	env.approveClient(t, "alice", env.client)
	ctx := context.Background()

	obj, err := env.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID: env.client, Class: "ListProcesses", Creator: "alice",
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost,
		fmt.Sprintf("/clients/%s/flows/%s/cancel", env.client, obj.FlowID), "alice",
		cancelFlowRequest{Reason: "wrong host"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := env.store.ReadFlowObject(ctx, env.client, obj.FlowID)
	require.NoError(t, err)
	assert.Equal(t, "wrong host", got.PendingTermination)
}

func TestSearchClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.AddClientKeywords(ctx, env.client, []string{"web-01", "debian"}))

	w := env.do(t, http.MethodGet, "/clients/search?q=web-01", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Items []string `json:"items"`
	}
	decodeBody(t, w, &res)
	assert.Equal(t, []string{env.client.String()}, res.Items)

	w = env.do(t, http.MethodGet, "/clients/search", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClientLabels(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/clients/%s/labels", env.client)

	w := env.do(t, http.MethodPost, path, "alice", labelsRequest{Labels: []string{"prod"}})
	require.Equal(t, http.StatusOK, w.Code)

	client, err := env.store.ReadClient(context.Background(), env.client)
	require.NoError(t, err)
	require.Len(t, client.Labels, 1)
	assert.Equal(t, datastore.Label{Owner: "alice", Name: "prod"}, client.Labels[0])

	w = env.do(t, http.MethodDelete, path, "alice", labelsRequest{Labels: []string{"prod"}})
	require.Equal(t, http.StatusOK, w.Code)
	client, err = env.store.ReadClient(context.Background(), env.client)
	require.NoError(t, err)
	assert.Empty(t, client.Labels)
}

func TestHuntLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/hunts", "alice", createHuntRequest{
		FlowClass:   "ListProcesses",
		Description: "fleet-wide process sweep",
		ClientLimit: 100,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var h apiHunt
	decodeBody(t, w, &h)
	assert.Equal(t, "PAUSED", h.State)

	// Starting needs a granted hunt approval with an admin grantor.
	w = env.do(t, http.MethodPost, "/hunts/"+h.HuntID+"/start", "alice", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/approvals", "alice", createApprovalRequest{
		Type: "HUNT", SubjectID: h.HuntID, Reason: "sweep",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var a apiApproval
	decodeBody(t, w, &a)
	for _, grantor := range []string{"bob", "dora"} {
		w = env.do(t, http.MethodPost,
			fmt.Sprintf("/approvals/alice/%s/grant", a.ApprovalID), grantor, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/hunts/"+h.HuntID+"/start", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &h)
	assert.Equal(t, "STARTED", h.State)

	w = env.do(t, http.MethodPost, "/hunts/"+h.HuntID+"/stop", "alice",
		stopHuntRequest{Reason: "done"})
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &h)
	assert.Equal(t, "STOPPED", h.State)
	assert.Equal(t, "done", h.StopReason)

	w = env.do(t, http.MethodGet, "/hunts", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []apiHunt `json:"items"`
	}
	decodeBody(t, w, &list)
	assert.Len(t, list.Items, 1)
}

func TestGrantOwnApprovalRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/approvals", "alice", createApprovalRequest{
		Type: "CLIENT", SubjectID: env.client.String(), Reason: "x",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var a apiApproval
	decodeBody(t, w, &a)

	w = env.do(t, http.MethodPost,
		fmt.Sprintf("/approvals/alice/%s/grant", a.ApprovalID), "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/approvals/alice/no-such-id/grant", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserManagementNeedsAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/users", "alice", createUserRequest{Username: "eve"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/users", "dora", createUserRequest{
		Username: "eve", Type: "STANDARD", Email: "eve@corp.example",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/users/eve", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var u apiUser
	decodeBody(t, w, &u)
	assert.Equal(t, "eve", u.Username)

	w = env.do(t, http.MethodGet, "/users/nobody", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBinaryUploadAndList(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost,
		"/binaries/EXECUTABLE/installers/agent-3.5", bytes.NewReader([]byte("payload")))
	req.Header.Set(UserHeader, "alice")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost,
		"/binaries/EXECUTABLE/installers/agent-3.5", bytes.NewReader([]byte("payload")))
	req.Header.Set(UserHeader, "dora")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	lw := env.do(t, http.MethodGet, "/binaries", "alice", nil)
	require.Equal(t, http.StatusOK, lw.Code)
	var list struct {
		Items []struct {
			Type string `json:"type"`
			Path string `json:"path"`
		} `json:"items"`
	}
	decodeBody(t, lw, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "installers/agent-3.5", list.Items[0].Path)
}

func TestReadCollectedFile(t *testing.T) {
	env := newTestEnv(t)
	env.approveClient(t, "alice", env.client)
	ctx := context.Background()

	blobs := blobstore.NewManager(env.store)
	blobIDs, err := blobs.WriteBlobs(ctx, [][]byte{[]byte("file content")})
	require.NoError(t, err)
	fileID := flows.FileID(env.client.String(), "/etc/hosts")
	require.NoError(t, blobs.WriteFile(ctx, fileID, []datastore.BlobRef{
		{Offset: 0, Size: 12, BlobID: blobIDs[0]},
	}))

	w := env.do(t, http.MethodGet,
		fmt.Sprintf("/clients/%s/vfs-blob?path=%s", env.client, "/etc/hosts"), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "file content", w.Body.String())
}
