package flows

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/notify"
	"github.com/vigilsec/fleet/internal/wire"
)

type testEnv struct {
	store  *datastore.MemoryStore
	engine *flow.Engine
	client ids.ClientID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := datastore.NewMemoryStore()
	log := logrus.New()
	env := &testEnv{
		store:  store,
		engine: flow.NewEngine(store, notify.NewLocalNotifier(), events.NewBus(log), log),
		client: ids.ClientID(0xabcd),
	}
	require.NoError(t, store.WriteClientMetadata(context.Background(), &datastore.Client{
		ID: env.client, FirstSeen: time.Now(),
	}))
	return env
}

func (env *testEnv) respond(t *testing.T, flowID ids.FlowID, requestID uint64, status *wire.Status, payloads ...wire.Payload) {
	t.Helper()
	var rows []*datastore.FlowResponse
	for i, p := range payloads {
		data, payloadType, err := wire.MarshalPayload(p)
		require.NoError(t, err)
		rows = append(rows, &datastore.FlowResponse{
			ClientID: env.client, FlowID: flowID, RequestID: requestID,
			ResponseID: uint64(i + 1), Kind: datastore.ResponseMessage,
			PayloadType: payloadType, Payload: data,
		})
	}
	data, payloadType, err := wire.MarshalPayload(status)
	require.NoError(t, err)
	rows = append(rows, &datastore.FlowResponse{
		ClientID: env.client, FlowID: flowID, RequestID: requestID,
		ResponseID: uint64(len(payloads) + 1), Kind: datastore.ResponseStatus,
		PayloadType: payloadType, Payload: data,
	})
	require.NoError(t, env.store.WriteFlowResponses(context.Background(), rows))
}

func (env *testEnv) process(t *testing.T, flowID ids.FlowID) *datastore.Flow {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.engine.ProcessFlow(ctx, env.client, flowID, "test-worker", time.Minute))
	obj, err := env.store.ReadFlowObject(ctx, env.client, flowID)
	require.NoError(t, err)
	return obj
}

func TestInterrogateStoresSnapshotAndKeywords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obj, err := env.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID: env.client, Class: "Interrogate", Creator: "alice",
	})
	require.NoError(t, err)

	kb := &wire.KnowledgeBase{
		Hostname: "web-01", FQDN: "web-01.corp.example", System: "Linux",
		OSRelease: "debian", Users: []string{"root", "deploy"},
	}
	env.respond(t, obj.FlowID, 1, &wire.Status{Result: wire.StatusOK}, kb)
	env.respond(t, obj.FlowID, 2, &wire.Status{Result: wire.StatusOK},
		&wire.StartupInfo{Hostname: "web-01", AgentVersion: "3.4.1"})

	done := env.process(t, obj.FlowID)
	assert.Equal(t, datastore.FlowFinished, done.State)

	snap, err := env.store.ReadClientSnapshot(ctx, env.client)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Knowledge)
	assert.NotEmpty(t, snap.Startup)

	matches, err := env.store.ListClientsForKeywords(ctx, []string{"web-01", "deploy"})
	require.NoError(t, err)
	assert.Contains(t, matches, env.client)

	results, err := env.store.ListFlowResults(ctx, env.client, obj.FlowID, 0, 0, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "KnowledgeBase", results[0].PayloadType)
}

func TestListProcessesFiltersByName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obj, err := env.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID: env.client, Class: "ListProcesses", Creator: "alice",
		Args: &ListProcessesArgs{NameRegex: "^ssh"},
	})
	require.NoError(t, err)

	env.respond(t, obj.FlowID, 1, &wire.Status{Result: wire.StatusOK},
		&wire.Process{PID: 100, Name: "sshd"},
		&wire.Process{PID: 200, Name: "bash"},
		&wire.Process{PID: 300, Name: "ssh-agent"})

	done := env.process(t, obj.FlowID)
	assert.Equal(t, datastore.FlowFinished, done.State)

	results, err := env.store.ListFlowResults(ctx, env.client, obj.FlowID, 0, 0, "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestListProcessesRejectsBadRegex(t *testing.T) {
	env := newTestEnv(t)
	obj, err := env.engine.StartFlow(context.Background(), &flow.StartSpec{
		ClientID: env.client, Class: "ListProcesses", Creator: "alice",
		Args: &ListProcessesArgs{NameRegex: "("},
	})
	require.NoError(t, err)
	assert.Equal(t, datastore.FlowError, obj.State)
}

func TestGetFileAssemblesChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obj, err := env.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID: env.client, Class: "GetFile", Creator: "alice",
		Args: &wire.FetchRequest{Path: "/etc/passwd"},
	})
	require.NoError(t, err)

	// Simulate the agent's inline chunk uploads.
	blobs := blobstore.NewManager(env.store)
	idA, err := blobs.WriteBlobs(ctx, [][]byte{[]byte("root:x:0:0\n")})
	require.NoError(t, err)
	idB, err := blobs.WriteBlobs(ctx, [][]byte{[]byte("deploy:x:1000:\n")})
	require.NoError(t, err)

	env.respond(t, obj.FlowID, 1, &wire.Status{Result: wire.StatusOK},
		&wire.BufferReference{Path: "/etc/passwd", Offset: 0, Length: 11, Digest: idA[0]},
		&wire.BufferReference{Path: "/etc/passwd", Offset: 11, Length: 15, Digest: idB[0]})

	done := env.process(t, obj.FlowID)
	require.Equal(t, datastore.FlowFinished, done.State)

	fileID := FileID(env.client.String(), "/etc/passwd")
	content, err := blobs.ReadFile(ctx, fileID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "root:x:0:0\ndeploy:x:1000:\n", string(content))

	results, err := env.store.ListFlowResults(ctx, env.client, obj.FlowID, 0, 0, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "StatEntry", results[0].PayloadType)
}

func TestUpdateAgentRequiresUploadedBinary(t *testing.T) {
	env := newTestEnv(t)
	obj, err := env.engine.StartFlow(context.Background(), &flow.StartSpec{
		ClientID: env.client, Class: "UpdateAgent", Creator: "admin",
		Args: &wire.ExecuteBinaryRequest{BinaryPath: "installers/agent-3.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, datastore.FlowError, obj.State)
	assert.Contains(t, obj.ErrorMessage, "installers/agent-3.5")
}

func TestUpdateAgentRunsWithUploadedBinary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.WriteSignedBinaryReferences(ctx,
		datastore.SignedBinaryID{Type: datastore.BinaryExecutable, Path: "installers/agent-3.5"},
		[]datastore.SignedBinaryRef{{BlobID: []byte("b"), Size: 1, Signature: []byte("s")}}))

	obj, err := env.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID: env.client, Class: "UpdateAgent", Creator: "admin",
		Args: &wire.ExecuteBinaryRequest{BinaryPath: "installers/agent-3.5"},
	})
	require.NoError(t, err)
	require.Equal(t, datastore.FlowRunning, obj.State)

	env.respond(t, obj.FlowID, 1, &wire.Status{Result: wire.StatusOK},
		&wire.StartupInfo{AgentVersion: "3.5.0"})
	done := env.process(t, obj.FlowID)
	assert.Equal(t, datastore.FlowFinished, done.State)
}

func TestUpdateAgentIsRestricted(t *testing.T) {
	desc, err := flow.Lookup("UpdateAgent")
	require.NoError(t, err)
	assert.True(t, desc.Restricted)

	desc, err = flow.Lookup("ListProcesses")
	require.NoError(t, err)
	assert.False(t, desc.Restricted)
}
