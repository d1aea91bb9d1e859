package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/ids"
)

func testStore(t *testing.T) (*MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.Clock = func() time.Time { return now }
	return s, &now
}

func writeTestClient(t *testing.T, s *MemoryStore, id ids.ClientID) {
	t.Helper()
	err := s.WriteClientMetadata(context.Background(), &Client{
		ID:        id,
		FirstSeen: s.Clock(),
	})
	require.NoError(t, err)
}

func TestClientLifecycle(t *testing.T) {
	s, now := testStore(t)
	ctx := context.Background()
	id := ids.ClientID(0xabcd)

	_, err := s.ReadClient(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownClient)

	writeTestClient(t, s, id)

	ping := now.Add(time.Minute)
	require.NoError(t, s.UpdateClientPing(ctx, id, ping, ping, "10.0.0.9"))

	c, err := s.ReadClient(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ping, c.LastPing)
	assert.Equal(t, "10.0.0.9", c.LastIP)

	require.NoError(t, s.AddClientLabels(ctx, id, []Label{{Owner: "admin", Name: "prod"}}))
	require.NoError(t, s.AddClientLabels(ctx, id, []Label{{Owner: "admin", Name: "prod"}}))
	c, err = s.ReadClient(ctx, id)
	require.NoError(t, err)
	assert.Len(t, c.Labels, 1, "duplicate label must not be stored twice")

	require.NoError(t, s.RemoveClientLabels(ctx, id, []Label{{Owner: "admin", Name: "prod"}}))
	c, err = s.ReadClient(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, c.Labels)
}

func TestClientSnapshotsAreVersioned(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := ids.ClientID(1)
	writeTestClient(t, s, id)

	v1, err := s.WriteClientSnapshot(ctx, &ClientSnapshot{ClientID: id, Knowledge: []byte("a")})
	require.NoError(t, err)
	v2, err := s.WriteClientSnapshot(ctx, &ClientSnapshot{ClientID: id, Knowledge: []byte("b")})
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	snap, err := s.ReadClientSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), snap.Knowledge)
	assert.Equal(t, v2, snap.Version)
}

func TestKeywordSearchIntersects(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	a, b := ids.ClientID(1), ids.ClientID(2)
	writeTestClient(t, s, a)
	writeTestClient(t, s, b)

	require.NoError(t, s.AddClientKeywords(ctx, a, []string{"Host1", "linux"}))
	require.NoError(t, s.AddClientKeywords(ctx, b, []string{"host2", "linux"}))

	got, err := s.ListClientsForKeywords(ctx, []string{"linux"})
	require.NoError(t, err)
	assert.Equal(t, []ids.ClientID{a, b}, got)

	got, err = s.ListClientsForKeywords(ctx, []string{"linux", "host1"})
	require.NoError(t, err)
	assert.Equal(t, []ids.ClientID{a}, got)
}

func TestFlowLeaseIsExclusive(t *testing.T) {
	s, now := testStore(t)
	ctx := context.Background()
	client := ids.ClientID(7)
	writeTestClient(t, s, client)

	flowID := ids.FlowID(0x1234)
	require.NoError(t, s.WriteFlowObject(ctx, &Flow{
		ClientID: client, FlowID: flowID, State: FlowRunning, CreatedAt: *now,
	}))

	f, err := s.LeaseFlowForProcessing(ctx, client, flowID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", f.ProcessingOwner)
	assert.EqualValues(t, 1, f.ProcessingCount)

	_, err = s.LeaseFlowForProcessing(ctx, client, flowID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseConflict)

	// The holder may update and release; a stranger may not.
	err = s.UpdateFlow(ctx, f, "worker-2")
	assert.ErrorIs(t, err, ErrLeaseConflict)
	require.NoError(t, s.ReleaseProcessedFlow(ctx, f, "worker-1"))

	// After release the lease is free again.
	f2, err := s.LeaseFlowForProcessing(ctx, client, flowID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f2.ProcessingCount)
}

func TestFlowLeaseExpires(t *testing.T) {
	s, now := testStore(t)
	ctx := context.Background()
	client := ids.ClientID(7)
	writeTestClient(t, s, client)
	flowID := ids.FlowID(1)
	require.NoError(t, s.WriteFlowObject(ctx, &Flow{ClientID: client, FlowID: flowID, State: FlowRunning}))

	_, err := s.LeaseFlowForProcessing(ctx, client, flowID, "worker-1", time.Minute)
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	f, err := s.LeaseFlowForProcessing(ctx, client, flowID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", f.ProcessingOwner)
}

func TestDuplicateFlowRejected(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	client := ids.ClientID(1)
	writeTestClient(t, s, client)
	flow := &Flow{ClientID: client, FlowID: ids.FlowID(5), State: FlowRunning}
	require.NoError(t, s.WriteFlowObject(ctx, flow))
	assert.ErrorIs(t, s.WriteFlowObject(ctx, flow), ErrDuplicateKey)
}

func TestStatusResponseMarksRequestReady(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	client := ids.ClientID(1)
	writeTestClient(t, s, client)
	flowID := ids.FlowID(9)
	require.NoError(t, s.WriteFlowObject(ctx, &Flow{ClientID: client, FlowID: flowID, State: FlowRunning}))
	require.NoError(t, s.WriteFlowRequests(ctx, []*FlowRequest{{
		ClientID: client, FlowID: flowID, RequestID: 1, Action: "ListProcesses", NextState: "Done",
	}}))

	require.NoError(t, s.WriteFlowResponses(ctx, []*FlowResponse{
		{ClientID: client, FlowID: flowID, RequestID: 1, ResponseID: 1, Kind: ResponseMessage, Payload: []byte("p")},
	}))

	ready, err := s.ReadFlowRequestsReadyForProcessing(ctx, client, flowID, 1)
	require.NoError(t, err)
	assert.Empty(t, ready, "no status yet, nothing ready")

	require.NoError(t, s.WriteFlowResponses(ctx, []*FlowResponse{
		{ClientID: client, FlowID: flowID, RequestID: 1, ResponseID: 2, Kind: ResponseStatus},
	}))

	ready, err = s.ReadFlowRequestsReadyForProcessing(ctx, client, flowID, 1)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.EqualValues(t, 2, ready[0].Request.ResponsesExpected)
	assert.True(t, ready[0].Complete())
	assert.NotNil(t, ready[0].Status())

	// Cursor past the request hides it.
	ready, err = s.ReadFlowRequestsReadyForProcessing(ctx, client, flowID, 2)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestDuplicateResponsesDeduplicated(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	client := ids.ClientID(1)
	writeTestClient(t, s, client)
	flowID := ids.FlowID(9)
	require.NoError(t, s.WriteFlowObject(ctx, &Flow{ClientID: client, FlowID: flowID, State: FlowRunning}))
	require.NoError(t, s.WriteFlowRequests(ctx, []*FlowRequest{{ClientID: client, FlowID: flowID, RequestID: 1}}))

	resp := &FlowResponse{ClientID: client, FlowID: flowID, RequestID: 1, ResponseID: 1, Kind: ResponseMessage}
	require.NoError(t, s.WriteFlowResponses(ctx, []*FlowResponse{resp}))
	require.NoError(t, s.WriteFlowResponses(ctx, []*FlowResponse{resp}))

	all, err := s.ReadAllFlowRequestsAndResponses(ctx, client, flowID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Responses, 1)
}

func TestClientActionLeaseDiscipline(t *testing.T) {
	s, now := testStore(t)
	ctx := context.Background()
	client := ids.ClientID(3)
	writeTestClient(t, s, client)
	require.NoError(t, s.WriteClientActionRequests(ctx, []*ClientActionRequest{
		{ClientID: client, FlowID: ids.FlowID(1), RequestID: 1, Action: "ListProcesses"},
		{ClientID: client, FlowID: ids.FlowID(1), RequestID: 2, Action: "StatFile"},
	}))

	leased, err := s.LeaseClientActionRequests(ctx, client, "fe-1", 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	assert.EqualValues(t, 1, leased[0].LeaseCount)

	// While leased nothing is available.
	again, err := s.LeaseClientActionRequests(ctx, client, "fe-2", 10*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// After expiry the lease count climbs; this is the retransmission signal.
	*now = now.Add(11 * time.Minute)
	again, err = s.LeaseClientActionRequests(ctx, client, "fe-2", 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.EqualValues(t, 2, again[0].LeaseCount)

	require.NoError(t, s.DeleteClientActionRequest(ctx, client, ids.FlowID(1), 1))
	rest, err := s.ReadAllClientActionRequests(ctx, client)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.EqualValues(t, 2, rest[0].RequestID)
}

func TestProcessingQueueDedupAndDelivery(t *testing.T) {
	s, now := testStore(t)
	ctx := context.Background()
	client := ids.ClientID(3)
	req := &FlowProcessingRequest{ClientID: client, FlowID: ids.FlowID(4)}
	require.NoError(t, s.WriteFlowProcessingRequests(ctx, []*FlowProcessingRequest{req, req}))

	leased, err := s.LeaseFlowProcessingRequests(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1, "writes for the same flow collapse")

	require.NoError(t, s.AckFlowProcessingRequest(ctx, leased[0], "w"))
	leased, err = s.LeaseFlowProcessingRequests(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, leased)

	// A deferred request stays invisible until its delivery time.
	deferred := &FlowProcessingRequest{
		ClientID: client, FlowID: ids.FlowID(5), DeliveryTime: now.Add(time.Hour),
	}
	require.NoError(t, s.WriteFlowProcessingRequests(ctx, []*FlowProcessingRequest{deferred}))
	leased, err = s.LeaseFlowProcessingRequests(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, leased)

	*now = now.Add(2 * time.Hour)
	leased, err = s.LeaseFlowProcessingRequests(ctx, "w", time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, leased, 1)
}

func TestAckRequiresLeaseOwner(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	req := &FlowProcessingRequest{ClientID: ids.ClientID(1), FlowID: ids.FlowID(1)}
	require.NoError(t, s.WriteFlowProcessingRequests(ctx, []*FlowProcessingRequest{req}))
	leased, err := s.LeaseFlowProcessingRequests(ctx, "w1", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.ErrorIs(t, s.AckFlowProcessingRequest(ctx, leased[0], "w2"), ErrLeaseConflict)
}

func TestApprovalGrantIsIdempotent(t *testing.T) {
	s, now := testStore(t)
	ctx := context.Background()
	a := &Approval{
		Requestor: "alice", Type: ApprovalClient, SubjectID: "C.0000000000000001",
		ApprovalID: "ap1", Reason: "case 42", Expiration: now.Add(time.Hour),
	}
	require.NoError(t, s.WriteApprovalRequest(ctx, a))
	assert.ErrorIs(t, s.WriteApprovalRequest(ctx, a), ErrDuplicateKey)

	require.NoError(t, s.GrantApproval(ctx, "alice", "ap1", Grant{Grantor: "bob", Timestamp: *now}))
	require.NoError(t, s.GrantApproval(ctx, "alice", "ap1", Grant{Grantor: "bob", Timestamp: *now}))

	got, err := s.ReadApprovalRequest(ctx, "alice", "ap1")
	require.NoError(t, err)
	assert.Len(t, got.Grants, 1)

	// Expired approvals are filtered unless asked for.
	*now = now.Add(2 * time.Hour)
	list, err := s.ReadApprovalRequests(ctx, "alice", ApprovalClient, "", false)
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = s.ReadApprovalRequests(ctx, "alice", ApprovalClient, "", true)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkHuntClientOnce(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	hunt := &Hunt{ID: ids.HuntID(0x77), State: HuntStarted, FlowClass: "ListProcesses"}
	require.NoError(t, s.WriteHuntObject(ctx, hunt))

	first, err := s.MarkHuntClient(ctx, hunt.ID, ids.ClientID(1))
	require.NoError(t, err)
	assert.True(t, first)
	second, err := s.MarkHuntClient(ctx, hunt.ID, ids.ClientID(1))
	require.NoError(t, err)
	assert.False(t, second, "same client must not be dispatched twice")
}

func TestBlobsAreContentAddressed(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	data := [][]byte{[]byte("hello"), []byte("world")}
	blobIDs, err := s.WriteBlobs(ctx, data)
	require.NoError(t, err)
	require.Len(t, blobIDs, 2)
	assert.Len(t, blobIDs[0], 32)

	got, err := s.ReadBlobs(ctx, blobIDs)
	require.NoError(t, err)
	require.Len(t, got, 2)

	exist, err := s.CheckBlobsExist(ctx, [][]byte{blobIDs[0], make([]byte, 32)})
	require.NoError(t, err)
	assert.Len(t, exist, 2)
}

func TestSignedBinaryRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := SignedBinaryID{Type: BinaryExecutable, Path: "windows/tools/agent.exe"}
	refs := []SignedBinaryRef{{BlobID: make([]byte, 32), Size: 100, Signature: []byte("sig")}}
	require.NoError(t, s.WriteSignedBinaryReferences(ctx, id, refs))

	got, err := s.ReadSignedBinaryReferences(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, refs, got)

	all, err := s.ReadIDsForAllSignedBinaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SignedBinaryID{id}, all)

	require.NoError(t, s.DeleteSignedBinaryReferences(ctx, id))
	_, err = s.ReadSignedBinaryReferences(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownBinary)
}
